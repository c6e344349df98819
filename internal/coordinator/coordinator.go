// Package coordinator owns the authoritative in-memory message list and the
// active run/interrupt state for one open chat thread. It mediates session
// creation, message submission, interrupt resume, long-running-request status
// messaging, and cancellation, reconciling optimistic local state with
// confirmed stream output.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/finside/chatloop/internal/retry"
	"github.com/finside/chatloop/internal/session"
	"github.com/finside/chatloop/internal/stream"
	"github.com/finside/chatloop/internal/timeline"
)

// State is the coordinator lifecycle state for the open thread.
type State string

const (
	StateIdle              State = "idle"
	StateCreatingSession   State = "creating_session"
	StateAwaitingFirstSend State = "awaiting_first_send"
	StateStreaming         State = "streaming"
	StateInterrupted       State = "interrupted"
	StateError             State = "error"
)

var (
	// ErrRunActive is returned when submit is called while a run is
	// streaming or interrupted. The call is a no-op.
	ErrRunActive = errors.New("a run is already active on this thread")
	// ErrNoActiveInterrupt is returned when resume is called with no
	// pending interrupt. The call is a logged no-op, not a user-visible
	// failure.
	ErrNoActiveInterrupt = errors.New("no active interrupt to resume")
	// ErrNotResumable is returned when the pending interrupt does not
	// accept a resume value.
	ErrNotResumable = errors.New("interrupt is not resumable")
)

// SessionAPI is the narrow session store surface the coordinator consumes.
type SessionAPI interface {
	Create(ctx context.Context, accountID, userID, title string) (*session.Thread, error)
	GetMessages(ctx context.Context, threadID string) ([]session.Message, error)
}

// RunHandle is one open event stream. *stream.Run satisfies it.
type RunHandle interface {
	Events() <-chan stream.Event
	Cancel()
}

// StreamAPI opens and resumes run streams. Injected so tests can supply a
// fake; scoped to the open thread's lifetime.
type StreamAPI interface {
	OpenStream(ctx context.Context, threadID string, input stream.RunInput, auth stream.AuthContext) (RunHandle, error)
	ResumeStream(ctx context.Context, threadID, runID string, value any, auth stream.AuthContext) (RunHandle, error)
}

// StreamClient adapts *stream.Client to StreamAPI.
type StreamClient struct {
	Client *stream.Client
}

func (s StreamClient) OpenStream(ctx context.Context, threadID string, input stream.RunInput, auth stream.AuthContext) (RunHandle, error) {
	return s.Client.OpenStream(ctx, threadID, input, auth)
}

func (s StreamClient) ResumeStream(ctx context.Context, threadID, runID string, value any, auth stream.AuthContext) (RunHandle, error) {
	return s.Client.ResumeStream(ctx, threadID, runID, value, auth)
}

// Callbacks are best-effort notifications to the host UI. The coordinator
// never blocks message delivery on them; errors and panics are swallowed and
// logged.
type Callbacks struct {
	OnMessageSent           func()
	OnQuerySent             func(ctx context.Context) error
	OnSessionCreated        func(threadID string)
	OnFirstMessageFlagReset func()
}

// Config holds the coordinator's identity and messaging settings.
type Config struct {
	AccountID string
	UserID    string
	// StatusText is the ephemeral message posted when the watchdog reports
	// a long-running request.
	StatusText string
}

// Coordinator is the per-thread chat state machine. All state is mutated
// under one mutex: external readers get snapshots and never mutate the
// message list directly.
type Coordinator struct {
	sessions  SessionAPI
	streams   StreamAPI
	retries   *retry.Orchestrator
	callbacks Callbacks
	cfg       Config
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	threadID   string
	messages   []session.Message
	activities []timeline.Activity
	interrupt  *stream.Interrupt
	activeRun  string
	run        RunHandle
	lastErr    error
	retryable  bool

	// pendingFirst holds the deferred first message between session
	// creation and dispatch; firstDispatched is the one-shot guard that
	// prevents a duplicate send if the transition effect re-fires.
	pendingFirst    string
	firstDispatched bool

	// loadGen invalidates in-flight history fetches when the open thread
	// changes; runSeq invalidates late stream events after cancel or
	// thread switch.
	loadGen int
	runSeq  int

	updates chan struct{}
}

// New creates a Coordinator.
func New(sessions SessionAPI, streams StreamAPI, retries *retry.Orchestrator, callbacks Callbacks, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.StatusText == "" {
		cfg.StatusText = "Still working on it, thanks for your patience…"
	}
	return &Coordinator{
		sessions:  sessions,
		streams:   streams,
		retries:   retries,
		callbacks: callbacks,
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
		updates:   make(chan struct{}, 1),
	}
}

// Updates returns a coalescing change signal. Hosts re-render snapshots when
// it fires.
func (c *Coordinator) Updates() <-chan struct{} {
	return c.updates
}

func (c *Coordinator) notifyLocked() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ThreadID returns the open thread's identifier, empty before creation.
func (c *Coordinator) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Messages returns a snapshot of the live message list.
func (c *Coordinator) Messages() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Activities returns a snapshot of the tool activities observed so far.
func (c *Coordinator) Activities() []timeline.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]timeline.Activity, len(c.activities))
	copy(out, c.activities)
	return out
}

// Timeline returns the progress steps for the active (or most recent) run.
func (c *Coordinator) Timeline() []timeline.Step {
	c.mu.Lock()
	runID := c.activeRun
	activities := make([]timeline.Activity, len(c.activities))
	copy(activities, c.activities)
	c.mu.Unlock()
	return timeline.BuildForRun(activities, runID)
}

// CurrentInterrupt returns the pending interrupt, if any.
func (c *Coordinator) CurrentInterrupt() *stream.Interrupt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupt
}

// LastError returns the failure that moved the coordinator into StateError
// and whether a retry affordance applies.
func (c *Coordinator) LastError() (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr, c.retryable
}

// ShouldShowRetryPopup mirrors the retry orchestrator's affordance flag.
func (c *Coordinator) ShouldShowRetryPopup() bool {
	return c.retries.ShouldShowRetryPopup()
}

// Open switches the coordinator to the given thread. State is reset
// synchronously before any load begins, so a late-arriving event or history
// fetch from the previous thread can never be appended to the new one. An
// empty threadID starts a fresh, not-yet-created conversation.
func (c *Coordinator) Open(ctx context.Context, threadID string) {
	c.mu.Lock()
	if c.run != nil {
		c.run.Cancel()
		c.run = nil
	}
	c.loadGen++
	c.runSeq++
	gen := c.loadGen

	c.state = StateIdle
	c.threadID = threadID
	c.messages = nil
	c.activities = nil
	c.interrupt = nil
	c.activeRun = ""
	c.lastErr = nil
	c.retryable = false
	c.pendingFirst = ""
	c.firstDispatched = false
	c.notifyLocked()
	c.mu.Unlock()

	if threadID == "" {
		return
	}
	go c.loadHistory(ctx, gen, threadID)
}

func (c *Coordinator) loadHistory(ctx context.Context, gen int, threadID string) {
	history, err := c.sessions.GetMessages(ctx, threadID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.loadGen {
		// The open thread changed while the fetch was in flight.
		return
	}
	if err != nil {
		c.logger.Error("load history failed", "thread_id", threadID, "error", err)
		return
	}
	if len(history) == 0 && len(c.messages) > 0 {
		// A slow empty fetch must not wipe messages already sent
		// optimistically in this in-memory session.
		return
	}
	c.messages = history
	c.notifyLocked()
}
