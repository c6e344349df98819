package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finside/chatloop/internal/session"
)

// Store provides CRUD operations on the sessions and messages tables. It
// backs the session store HTTP surface; status messages never reach it.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts a new thread.
func (s *Store) CreateSession(ctx context.Context, accountID, userID, title string) (*session.Thread, error) {
	now := time.Now().UTC()
	thread := &session.Thread{
		ID:        uuid.New().String(),
		AccountID: accountID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, account_id, user_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.AccountID, thread.UserID, thread.Title,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return thread, nil
}

// GetSession retrieves a thread by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, user_id, title, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanThread(row)
}

// ListByAccount retrieves an account's threads, newest first.
func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]*session.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, user_id, title, created_at, updated_at
		 FROM sessions WHERE account_id = ? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var threads []*session.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// Rename updates a thread's title.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, now, id)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSession removes a thread and, via cascade, all its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return affected > 0, nil
}

// AppendMessage persists a message at the end of a thread's history.
func (s *Store) AppendMessage(ctx context.Context, threadID string, role session.Role, content, runID string) (*session.Message, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE session_id = ?`, threadID).Scan(&maxSeq)
	if err != nil {
		return nil, fmt.Errorf("max message seq: %w", err)
	}

	msg := &session.Message{
		ID:      uuid.New().String(),
		Role:    role,
		Content: content,
		RunID:   runID,
		Origin:  session.OriginConfirmed,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, threadID, maxSeq.Int64+1, string(msg.Role), msg.Content,
		nullable(msg.RunID), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), threadID)

	return msg, nil
}

// GetMessages retrieves a thread's messages in conversation order.
func (s *Store) GetMessages(ctx context.Context, threadID string) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, run_id FROM messages WHERE session_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []session.Message
	for rows.Next() {
		var m session.Message
		var role string
		var runID sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Content, &runID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = session.Role(role)
		if runID.Valid {
			m.RunID = runID.String
		}
		m.Origin = session.OriginConfirmed
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (*session.Thread, error) {
	var t session.Thread
	var createdAt, updatedAt string

	if err := s.Scan(&t.ID, &t.AccountID, &t.UserID, &t.Title, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = parsed
	}
	if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		t.UpdatedAt = parsed
	}
	return &t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
