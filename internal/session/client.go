package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a typed failure from the session store backend. The store does
// not retry; recovery decisions belong to the coordinator and the retry
// orchestrator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("session store: status %d: %s", e.StatusCode, e.Message)
}

// Unauthorized reports whether the failure is an authorization failure, which
// is never retryable.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client is an HTTP client for the session store API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new session store client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type createRequest struct {
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

// Create creates a new thread. The title is normally derived from the first
// user message via FormatTitle.
func (c *Client) Create(ctx context.Context, accountID, userID, title string) (*Thread, error) {
	var thread Thread
	err := c.do(ctx, http.MethodPost, "/sessions", createRequest{
		AccountID: accountID,
		UserID:    userID,
		Title:     title,
	}, &thread)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &thread, nil
}

// ListByAccount returns all threads for an account, newest first.
func (c *Client) ListByAccount(ctx context.Context, accountID string) ([]*Thread, error) {
	var threads []*Thread
	path := "/sessions?account_id=" + url.QueryEscape(accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, &threads); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return threads, nil
}

// Rename updates a thread's display title.
func (c *Client) Rename(ctx context.Context, threadID, title string) error {
	path := "/sessions/" + url.PathEscape(threadID)
	if err := c.do(ctx, http.MethodPatch, path, renameRequest{Title: title}, nil); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// Delete removes a thread and all its messages server-side.
func (c *Client) Delete(ctx context.Context, threadID string) (bool, error) {
	var resp deleteResponse
	path := "/sessions/" + url.PathEscape(threadID)
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return resp.Deleted, nil
}

// GetMessages returns a thread's persisted messages in conversation order.
// Status messages never appear here; the backend does not persist them.
func (c *Client) GetMessages(ctx context.Context, threadID string) ([]Message, error) {
	var messages []Message
	path := "/sessions/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	for i := range messages {
		messages[i].Origin = OriginConfirmed
	}
	return messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("session store request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
		)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(respBody),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func extractErrorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
