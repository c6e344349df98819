package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/finside/chatloop/internal/session"
)

// runStreamRequest is the JSON body for POST /threads/{thread_id}/runs/stream.
// Exactly one of Input or Command is set: Input submits a new run, Command
// resumes an interrupted one.
type runStreamRequest struct {
	Input *struct {
		Messages []struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"messages"`
	} `json:"input,omitempty"`
	Command *struct {
		Resume json.RawMessage `json:"resume"`
	} `json:"command,omitempty"`
	Config struct {
		Configurable struct {
			UserID    string `json:"user_id"`
			AccountID string `json:"account_id"`
		} `json:"configurable"`
	} `json:"config"`
	StreamMode string `json:"stream_mode"`
}

// handleRunStream executes one scripted run and streams its frames as SSE.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")

	var req runStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := s.store.GetSession(r.Context(), threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		s.logger.Error("failed to load thread", "thread_id", threadID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}

	switch {
	case req.Command != nil:
		s.streamResume(r, sse, threadID, req.Command.Resume)
	case req.Input != nil && len(req.Input.Messages) > 0:
		s.streamRun(r, sse, threadID, req.Input.Messages[len(req.Input.Messages)-1].Content)
	default:
		sse.write("error", errorFrame{Kind: "protocol", Message: "input or command is required"})
	}
}

type errorFrame struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// streamRun persists the user message and plays the scripted agent: a
// tool-activity sequence, then either an interrupt (when the input asks for
// a trade) or a token-streamed reply.
func (s *Server) streamRun(r *http.Request, sse *sseWriter, threadID, content string) {
	runID := uuid.New().String()

	if _, err := s.store.AppendMessage(r.Context(), threadID, session.RoleUser, content, runID); err != nil {
		s.logger.Error("failed to persist user message", "thread_id", threadID, "error", err)
		sse.write("error", errorFrame{Kind: "transient", Message: "failed to persist message"})
		return
	}

	sse.write("metadata", map[string]string{"run_id": runID})

	s.emitActivity(sse, runID, "research", "Reviewing your accounts", false)
	s.pace(r)
	s.emitActivity(sse, runID, "research", "Reviewing your accounts", true)

	if wantsTradeConfirmation(content) {
		s.mu.Lock()
		s.pending[threadID] = pendingInterrupt{runID: runID, content: content}
		s.mu.Unlock()

		prompt, _ := json.Marshal(map[string]string{
			"prompt": fmt.Sprintf("Please confirm this request before I proceed: %s", content),
		})
		sse.write("interrupt", map[string]any{
			"value":     json.RawMessage(prompt),
			"run_id":    runID,
			"resumable": true,
		})
		return
	}

	reply := scriptedReply(content)
	s.streamReply(r, sse, threadID, runID, reply)
}

// streamResume resolves a pending interrupt for the thread and streams the
// continuation.
func (s *Server) streamResume(r *http.Request, sse *sseWriter, threadID string, resume json.RawMessage) {
	s.mu.Lock()
	pending, ok := s.pending[threadID]
	if ok {
		delete(s.pending, threadID)
	}
	s.mu.Unlock()

	if !ok {
		sse.write("error", errorFrame{Kind: "protocol", Message: "no interrupted run on this thread"})
		return
	}

	sse.write("metadata", map[string]string{"run_id": pending.runID})

	reply := "Understood, I won't go ahead with that."
	if resumeConfirms(resume) {
		reply = fmt.Sprintf("Confirmed. I've submitted your request: %s.", pending.content)
	}
	s.streamReply(r, sse, threadID, pending.runID, reply)
}

func (s *Server) streamReply(r *http.Request, sse *sseWriter, threadID, runID, reply string) {
	for _, token := range tokenize(reply) {
		if r.Context().Err() != nil {
			return
		}
		sse.write("token", map[string]string{"text": token})
		s.pace(r)
	}

	if _, err := s.store.AppendMessage(r.Context(), threadID, session.RoleAssistant, reply, runID); err != nil {
		s.logger.Error("failed to persist assistant message", "thread_id", threadID, "error", err)
	}

	sse.write("done", map[string]string{"run_id": runID})
}

func (s *Server) emitActivity(sse *sseWriter, runID, kind, label string, complete bool) {
	sse.write("tool_activity", map[string]any{
		"run_id":      runID,
		"kind":        kind,
		"label":       label,
		"is_complete": complete,
		"is_running":  !complete,
		"at":          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) pace(r *http.Request) {
	if s.config.TokenDelay <= 0 {
		return
	}
	select {
	case <-r.Context().Done():
	case <-time.After(s.config.TokenDelay):
	}
}

// wantsTradeConfirmation reports whether the input asks for an action that
// requires explicit confirmation before execution.
func wantsTradeConfirmation(content string) bool {
	lowered := strings.ToLower(content)
	for _, kw := range []string{"buy ", "sell ", "trade ", "place an order", "transfer "} {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// resumeConfirms interprets the opaque resume value as approval. Accepts the
// string "yes", a true boolean, or a {"confirmed": true} object.
func resumeConfirms(resume json.RawMessage) bool {
	var asString string
	if err := json.Unmarshal(resume, &asString); err == nil {
		return strings.EqualFold(strings.TrimSpace(asString), "yes")
	}
	var asBool bool
	if err := json.Unmarshal(resume, &asBool); err == nil {
		return asBool
	}
	var asObject struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := json.Unmarshal(resume, &asObject); err == nil {
		return asObject.Confirmed
	}
	return false
}

func scriptedReply(content string) string {
	return fmt.Sprintf("Here's what I found regarding %q. Your portfolio is on track; let me know if you'd like more detail.", session.FormatTitle(content))
}

// tokenize splits a reply into word-sized deltas, preserving spacing, so the
// client sees realistic incremental tokens.
func tokenize(reply string) []string {
	words := strings.Split(reply, " ")
	tokens := make([]string, 0, len(words))
	for i, word := range words {
		if i == 0 {
			tokens = append(tokens, word)
			continue
		}
		tokens = append(tokens, " "+word)
	}
	return tokens
}

// sseWriter serializes server-sent event frames.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) write(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}
