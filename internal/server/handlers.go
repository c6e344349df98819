package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finside/chatloop/internal/session"
)

// CreateSessionRequest is the JSON body for POST /sessions.
type CreateSessionRequest struct {
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
}

// RenameSessionRequest is the JSON body for PATCH /sessions/{session_id}.
type RenameSessionRequest struct {
	Title string `json:"title"`
}

// DeleteSessionResponse is returned by DELETE /sessions/{session_id}.
type DeleteSessionResponse struct {
	Deleted bool `json:"deleted"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleCreateSession handles POST /sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AccountID == "" || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "account_id and user_id are required")
		return
	}

	title := req.Title
	if title == "" {
		title = "New conversation"
	}

	thread, err := s.store.CreateSession(r.Context(), req.AccountID, req.UserID, title)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.logger.Info("session created", "session_id", thread.ID, "account_id", thread.AccountID)
	respondJSON(w, http.StatusCreated, thread)
}

// handleListSessions handles GET /sessions?account_id=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		s.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	threads, err := s.store.ListByAccount(r.Context(), accountID)
	if err != nil {
		s.logger.Error("failed to list sessions", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if threads == nil {
		threads = []*session.Thread{}
	}
	respondJSON(w, http.StatusOK, threads)
}

// handleRenameSession handles PATCH /sessions/{session_id}.
func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.Rename(r.Context(), sessionID, req.Title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("failed to rename session", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to rename session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSession handles DELETE /sessions/{session_id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	deleted, err := s.store.DeleteSession(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to delete session", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	respondJSON(w, http.StatusOK, DeleteSessionResponse{Deleted: deleted})
}

// handleGetMessages handles GET /sessions/{session_id}/messages. Only
// persisted messages appear here; status messages are never stored.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	messages, err := s.store.GetMessages(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to get messages", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}
	respondJSON(w, http.StatusOK, messages)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
