package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/finside/chatloop/internal/timeline"
)

// DefaultWatchdogInterval is how long the client waits for a frame before
// emitting a non-terminal LongProcessing event. A UX heuristic, not a
// correctness mechanism.
const DefaultWatchdogInterval = 20 * time.Second

// InputMessage is one entry of a run input.
type InputMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// RunInput is the submitted input for a new run.
type RunInput struct {
	Messages []InputMessage `json:"messages"`
}

// HumanInput builds the input for a single human message.
func HumanInput(content string) RunInput {
	return RunInput{Messages: []InputMessage{{Type: "human", Content: content}}}
}

// AuthContext carries the identifiers forwarded to the backend run config.
type AuthContext struct {
	UserID    string
	AccountID string
}

type runRequest struct {
	Input      *RunInput   `json:"input,omitempty"`
	Command    *runCommand `json:"command,omitempty"`
	Config     runConfig   `json:"config"`
	StreamMode string      `json:"stream_mode"`
}

type runCommand struct {
	Resume any `json:"resume"`
}

type runConfig struct {
	Configurable configurable `json:"configurable"`
}

type configurable struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
}

// Client opens streaming connections to the agent run service and decodes
// protocol frames into ordered Event sequences. It never reconnects on its
// own; reconnection and resubmission policy belongs to the coordinator and
// the retry orchestrator.
type Client struct {
	baseURL    string
	token      string
	watchdog   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a stream client. A non-positive watchdog interval falls
// back to DefaultWatchdogInterval.
func NewClient(baseURL, token string, watchdog time.Duration, logger *slog.Logger) *Client {
	if watchdog <= 0 {
		watchdog = DefaultWatchdogInterval
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		watchdog: watchdog,
		// No overall timeout: runs are long-lived streams. Cancellation is
		// per-run via Run.Cancel.
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Run is the handle for one open stream. Events is closed after a terminal
// event. Cancel releases the underlying connection on every exit path.
type Run struct {
	events     chan Event
	cancel     context.CancelFunc
	cancelOnce sync.Once
}

// Events returns the ordered event sequence for this run.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Cancel stops event consumption and releases the connection. Safe to call
// multiple times and after the stream has already terminated.
func (r *Run) Cancel() {
	r.cancelOnce.Do(r.cancel)
}

// OpenStream submits a new run for a thread and returns its event stream.
func (c *Client) OpenStream(ctx context.Context, threadID string, input RunInput, auth AuthContext) (*Run, error) {
	return c.open(ctx, threadID, runRequest{
		Input:      &input,
		Config:     runConfig{Configurable: configurable{UserID: auth.UserID, AccountID: auth.AccountID}},
		StreamMode: "messages",
	})
}

// ResumeStream resolves an interrupt and returns the continuation event
// stream. The run id is accepted for caller-side logging and assertions; the
// backend resumes the interrupted run attached to the thread.
func (c *Client) ResumeStream(ctx context.Context, threadID, _ string, value any, auth AuthContext) (*Run, error) {
	req := runRequest{
		Command:    &runCommand{Resume: value},
		Config:     runConfig{Configurable: configurable{UserID: auth.UserID, AccountID: auth.AccountID}},
		StreamMode: "messages",
	}
	return c.open(ctx, threadID, req)
}

func (c *Client) open(ctx context.Context, threadID string, body runRequest) (*Run, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	u := fmt.Sprintf("%s/threads/%s/runs/stream", c.baseURL, url.PathEscape(threadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(payload)))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &Error{Kind: ErrTransient, Message: fmt.Sprintf("connect stream: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		kind := ErrTransient
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = ErrAuth
		}
		return nil, &Error{Kind: kind, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}

	run := &Run{
		events: make(chan Event, 32),
		cancel: cancel,
	}
	frames := make(chan frame, 32)

	go c.readFrames(ctx, resp.Body, frames)
	go c.dispatch(ctx, frames, run.events)

	return run, nil
}

// frame is one raw SSE event before decoding.
type frame struct {
	event string
	data  []byte
	err   error
	eof   bool
}

// readFrames parses the SSE wire format: "event:" and "data:" lines grouped
// by blank-line separators, comment lines starting with ":" skipped.
func (c *Client) readFrames(ctx context.Context, body io.ReadCloser, out chan<- frame) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	var eventName string
	var dataLines []string

	emit := func(f frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flush := func() bool {
		if len(dataLines) == 0 {
			eventName = ""
			return true
		}
		f := frame{
			event: eventName,
			data:  []byte(strings.Join(dataLines, "\n")),
		}
		if f.event == "" {
			f.event = "message"
		}
		eventName = ""
		dataLines = nil
		return emit(f)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if !flush() {
				return
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			part := strings.TrimPrefix(line, "data:")
			part = strings.TrimPrefix(part, " ")
			dataLines = append(dataLines, part)
		}
	}
	if !flush() {
		return
	}

	if err := scanner.Err(); err != nil {
		emit(frame{err: err})
		return
	}
	emit(frame{eof: true})
}

// dispatch decodes frames into Events, runs the watchdog, and guarantees
// exactly one terminal event before closing the output channel.
func (c *Client) dispatch(ctx context.Context, frames <-chan frame, out chan<- Event) {
	defer close(out)

	var runID string
	watchdogFired := false

	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		timer := time.NewTimer(c.watchdog)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			// Non-fatal: the run keeps going, the coordinator posts a
			// "still working" status message. Re-armed by the next frame.
			if !watchdogFired {
				watchdogFired = true
				if !send(Event{Kind: EventLongProcessing, RunID: runID}) {
					return
				}
			}
			continue
		case f, ok := <-frames:
			timer.Stop()
			if !ok {
				return
			}
			watchdogFired = false

			if f.err != nil {
				if ctx.Err() != nil {
					return
				}
				send(Event{Kind: EventError, RunID: runID, Err: &Error{Kind: ErrTransient, Message: f.err.Error()}})
				return
			}
			if f.eof {
				if ctx.Err() != nil {
					return
				}
				// Connection closed without a completion marker.
				send(Event{Kind: EventError, RunID: runID, Err: &Error{Kind: ErrTransient, Message: "stream closed before completion"}})
				return
			}

			ev, terminal, err := decodeFrame(f, &runID)
			if err != nil {
				c.logger.Error("stream protocol error", "event", f.event, "error", err)
				send(Event{Kind: EventError, RunID: runID, Err: &Error{Kind: ErrProtocol, Message: err.Error()}})
				return
			}
			if ev == nil {
				continue
			}
			if !send(*ev) {
				return
			}
			if terminal {
				return
			}
		}
	}
}

func decodeFrame(f frame, runID *string) (*Event, bool, error) {
	switch f.event {
	case "metadata":
		var payload struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(f.data, &payload); err != nil {
			return nil, false, fmt.Errorf("decode metadata frame: %w", err)
		}
		*runID = payload.RunID
		return nil, false, nil

	case "token":
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(f.data, &payload); err != nil {
			return nil, false, fmt.Errorf("decode token frame: %w", err)
		}
		return &Event{Kind: EventToken, RunID: *runID, Text: payload.Text}, false, nil

	case "tool_activity":
		var activity timeline.Activity
		if err := json.Unmarshal(f.data, &activity); err != nil {
			return nil, false, fmt.Errorf("decode tool_activity frame: %w", err)
		}
		if activity.RunID == "" {
			activity.RunID = *runID
		}
		if activity.At.IsZero() {
			activity.At = time.Now().UTC()
		}
		return &Event{Kind: EventToolActivity, RunID: *runID, Activity: &activity}, false, nil

	case "interrupt":
		var interrupt Interrupt
		if err := json.Unmarshal(f.data, &interrupt); err != nil {
			return nil, false, fmt.Errorf("decode interrupt frame: %w", err)
		}
		if interrupt.RunID == "" {
			interrupt.RunID = *runID
		}
		return &Event{Kind: EventInterrupt, RunID: interrupt.RunID, Interrupt: &interrupt}, true, nil

	case "error":
		var payload struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.data, &payload); err != nil {
			return nil, false, fmt.Errorf("decode error frame: %w", err)
		}
		kind := ErrorKind(payload.Kind)
		switch kind {
		case ErrTransient, ErrProtocol, ErrAuth:
		default:
			kind = ErrTransient
		}
		return &Event{Kind: EventError, RunID: *runID, Err: &Error{Kind: kind, Message: payload.Message}}, true, nil

	case "done":
		var payload struct {
			RunID string `json:"run_id"`
		}
		// done frames may carry an empty body
		if len(f.data) > 0 {
			_ = json.Unmarshal(f.data, &payload)
		}
		if payload.RunID != "" {
			*runID = payload.RunID
		}
		return &Event{Kind: EventDone, RunID: *runID}, true, nil

	default:
		// Unknown frame names are skipped for forward compatibility.
		return nil, false, nil
	}
}
