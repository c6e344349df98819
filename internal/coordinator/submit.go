package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/finside/chatloop/internal/session"
	"github.com/finside/chatloop/internal/stream"
)

// Submit dispatches a user message on the open thread. While a run is
// streaming or interrupted the call is a guarded no-op. On a fresh
// conversation it first creates the session, then dispatches the deferred
// first message exactly once.
func (c *Coordinator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return c.submit(ctx, text, true)
}

// Retry re-dispatches the content preserved by the retry orchestrator. The
// earlier optimistic user message is kept, never duplicated.
func (c *Coordinator) Retry(ctx context.Context) error {
	record, ok := c.retries.Pending()
	if !ok {
		return nil
	}
	return c.submit(ctx, record.Content, false)
}

// DismissError acknowledges a failure without resubmitting, returning the
// coordinator to idle. Existing messages are kept.
func (c *Coordinator) DismissError() {
	c.retries.Dismiss()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateError {
		return
	}
	c.state = StateIdle
	c.lastErr = nil
	c.retryable = false
	c.notifyLocked()
}

// Cancel stops stream consumption from any state. Partial assistant content
// already appended remains and is considered complete; cancellation is "stop
// listening," not "undo."
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil {
		c.run.Cancel()
		c.run = nil
	}
	c.runSeq++

	c.removeStatusLocked()
	c.state = StateIdle
	c.interrupt = nil
	c.lastErr = nil
	c.retryable = false
	c.notifyLocked()
}

// Resume resolves the pending interrupt with the given value. Calling it
// with no active interrupt is a logged no-op: only the first resume for an
// interrupt dispatches.
func (c *Coordinator) Resume(ctx context.Context, value any) error {
	c.mu.Lock()
	if c.state != StateInterrupted || c.interrupt == nil {
		c.mu.Unlock()
		c.logger.Warn("resume called with no active interrupt")
		return ErrNoActiveInterrupt
	}
	if !c.interrupt.Resumable {
		c.mu.Unlock()
		c.logger.Warn("resume called on non-resumable interrupt")
		return ErrNotResumable
	}

	runID := c.interrupt.RunID
	threadID := c.threadID
	c.interrupt = nil
	c.state = StateStreaming
	c.runSeq++
	seq := c.runSeq
	c.notifyLocked()
	c.mu.Unlock()

	run, err := c.streams.ResumeStream(ctx, threadID, runID, value, c.auth())
	if err != nil {
		c.enterError(seq, fmt.Errorf("resume run: %w", err))
		return err
	}

	c.attachRun(seq, runID, run)
	return nil
}

func (c *Coordinator) submit(ctx context.Context, text string, appendOptimistic bool) error {
	c.mu.Lock()
	switch c.state {
	case StateStreaming, StateInterrupted, StateCreatingSession, StateAwaitingFirstSend:
		c.mu.Unlock()
		return ErrRunActive
	}

	if appendOptimistic {
		c.messages = append(c.messages, session.Message{
			ID:      uuid.New().String(),
			Role:    session.RoleUser,
			Content: text,
			Origin:  session.OriginOptimistic,
		})
	}
	c.lastErr = nil
	c.retryable = false
	c.retries.PrepareForSend(c.threadID, text)

	if c.threadID == "" {
		return c.createSessionAndSendLocked(ctx, text)
	}

	threadID := c.threadID
	c.notifyLocked()
	return c.startRunLocked(ctx, threadID, text)
}

// createSessionAndSendLocked runs the CreatingSession → AwaitingFirstSend →
// Streaming path. Called with the mutex held; releases it around network
// calls.
func (c *Coordinator) createSessionAndSendLocked(ctx context.Context, text string) error {
	c.state = StateCreatingSession
	c.pendingFirst = text
	gen := c.loadGen
	seq := c.runSeq
	c.notifyLocked()
	c.mu.Unlock()

	thread, err := c.sessions.Create(ctx, c.cfg.AccountID, c.cfg.UserID, session.FormatTitle(text))
	if err != nil {
		// The typed-in content stays preserved (optimistic message and
		// retry record), so the user can retry the whole send.
		c.enterError(seq, fmt.Errorf("create session: %w", err))
		return err
	}

	c.mu.Lock()
	if gen != c.loadGen || seq != c.runSeq {
		// Canceled or switched away while the create was in flight; the
		// session may exist server-side but nothing dispatches on it.
		c.mu.Unlock()
		return nil
	}
	c.threadID = thread.ID
	c.state = StateAwaitingFirstSend
	c.notifyLocked()
	c.safeNotifySessionCreated(thread.ID)

	// One-shot dispatch of the deferred first message. The guard keeps a
	// re-fired transition effect from sending it twice.
	if c.firstDispatched {
		c.mu.Unlock()
		return nil
	}
	c.firstDispatched = true
	first := c.pendingFirst
	c.pendingFirst = ""
	c.safeNotifyFirstFlagReset()

	return c.startRunLocked(ctx, thread.ID, first)
}

// startRunLocked opens the run stream. Called with the mutex held; releases
// it around the network call. The state is set to Streaming before the call
// so concurrent submits are rejected while the open is in flight.
func (c *Coordinator) startRunLocked(ctx context.Context, threadID, text string) error {
	c.state = StateStreaming
	c.runSeq++
	seq := c.runSeq
	c.notifyLocked()
	c.mu.Unlock()

	run, err := c.streams.OpenStream(ctx, threadID, stream.HumanInput(text), c.auth())
	if err != nil {
		c.enterError(seq, fmt.Errorf("open stream: %w", err))
		return err
	}

	c.attachRun(seq, "", run)
	return nil
}

// attachRun records the live stream handle and starts the event pump. The
// handle is released on every exit path: completion, error, interrupt,
// cancel, and thread switch.
func (c *Coordinator) attachRun(seq int, runID string, run RunHandle) {
	c.mu.Lock()
	if seq != c.runSeq {
		// Canceled or switched away while the open was in flight.
		c.mu.Unlock()
		run.Cancel()
		return
	}
	c.run = run
	c.activeRun = runID
	c.notifyLocked()
	c.mu.Unlock()

	c.safeNotifyMessageSent()
	go c.pump(seq, run)
}

// enterError converts a dispatch failure into coordinator state. Nothing
// propagates past the coordinator to the host UI.
func (c *Coordinator) enterError(seq int, err error) {
	c.retries.MarkFailure()

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.runSeq {
		// Canceled or switched away; the failure no longer applies.
		return
	}
	c.logger.Error("dispatch failed", "thread_id", c.threadID, "error", err)
	c.removeStatusLocked()
	c.state = StateError
	c.lastErr = err
	c.retryable = retryableError(err)
	c.notifyLocked()
}

func (c *Coordinator) auth() stream.AuthContext {
	return stream.AuthContext{UserID: c.cfg.UserID, AccountID: c.cfg.AccountID}
}
