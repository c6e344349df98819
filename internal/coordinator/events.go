package coordinator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/finside/chatloop/internal/session"
	"github.com/finside/chatloop/internal/stream"
)

// pump consumes one run's event stream in arrival order and applies each
// event to coordinator state. It exits when the stream client closes the
// channel after a terminal event, or when the run is superseded.
func (c *Coordinator) pump(seq int, run RunHandle) {
	for ev := range run.Events() {
		if !c.apply(seq, ev) {
			run.Cancel()
			return
		}
	}
}

// apply processes a single stream event. Returns false when the event is
// stale (the run was canceled or the thread switched) and the pump should
// stop.
func (c *Coordinator) apply(seq int, ev stream.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.runSeq {
		return false
	}
	if ev.RunID != "" {
		c.activeRun = ev.RunID
	}

	switch ev.Kind {
	case stream.EventToken:
		c.removeStatusLocked()
		c.appendTokenLocked(ev.RunID, ev.Text)

	case stream.EventToolActivity:
		if ev.Activity != nil {
			c.activities = append(c.activities, *ev.Activity)
		}

	case stream.EventLongProcessing:
		c.insertStatusLocked(ev.RunID)

	case stream.EventInterrupt:
		c.removeStatusLocked()
		c.interrupt = ev.Interrupt
		c.state = StateInterrupted
		c.releaseRunLocked()

	case stream.EventDone:
		c.removeStatusLocked()
		c.state = StateIdle
		c.releaseRunLocked()
		// The send is only settled once its run completes; a mid-stream
		// failure before this point keeps the content retryable.
		c.retries.MarkSuccess()

	case stream.EventError:
		c.removeStatusLocked()
		c.releaseRunLocked()
		var err error = &stream.Error{Kind: stream.ErrTransient, Message: "stream failed"}
		if ev.Err != nil {
			err = ev.Err
		}
		c.logger.Error("run stream failed", "thread_id", c.threadID, "run_id", ev.RunID, "error", err)
		c.state = StateError
		c.lastErr = err
		c.retryable = retryableError(err)
		c.retries.MarkFailure()
	}

	c.notifyLocked()
	return true
}

// appendTokenLocked extends the in-progress assistant message for the run,
// creating it on the first token. Optimistic user messages are never
// replaced; only assistant messages are built incrementally.
func (c *Coordinator) appendTokenLocked(runID, text string) {
	if n := len(c.messages); n > 0 {
		last := &c.messages[n-1]
		if last.Role == session.RoleAssistant && !last.IsStatus && (last.RunID == runID || last.RunID == "") {
			last.Content += text
			if last.RunID == "" {
				last.RunID = runID
			}
			return
		}
	}
	c.messages = append(c.messages, session.Message{
		ID:      uuid.New().String(),
		Role:    session.RoleAssistant,
		Content: text,
		RunID:   runID,
		Origin:  session.OriginConfirmed,
	})
}

// insertStatusLocked posts the ephemeral "still working" message. At most
// one status message exists at a time; it is always superseded before any
// terminal state and never persisted.
func (c *Coordinator) insertStatusLocked(runID string) {
	for _, m := range c.messages {
		if m.IsStatus {
			return
		}
	}
	c.messages = append(c.messages, session.Message{
		ID:       uuid.New().String(),
		Role:     session.RoleAssistant,
		Content:  c.cfg.StatusText,
		RunID:    runID,
		IsStatus: true,
		Origin:   session.OriginOptimistic,
	})
}

func (c *Coordinator) removeStatusLocked() {
	filtered := c.messages[:0]
	for _, m := range c.messages {
		if !m.IsStatus {
			filtered = append(filtered, m)
		}
	}
	c.messages = filtered
}

func (c *Coordinator) releaseRunLocked() {
	if c.run != nil {
		c.run.Cancel()
		c.run = nil
	}
}

func retryableError(err error) bool {
	var streamErr *stream.Error
	if errors.As(err, &streamErr) {
		return streamErr.Retryable()
	}
	var apiErr *session.APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Unauthorized()
	}
	// Plain transport failures (refused connects, timeouts) are transient.
	return true
}

// safeNotifyMessageSent fires the host's sent callbacks. OnQuerySent is an
// async accounting hook; its failures are swallowed and logged, never
// allowed to fail the chat flow.
func (c *Coordinator) safeNotifyMessageSent() {
	if cb := c.callbacks.OnMessageSent; cb != nil {
		func() {
			defer c.recoverCallback("on_message_sent")
			cb()
		}()
	}
	if cb := c.callbacks.OnQuerySent; cb != nil {
		go func() {
			defer c.recoverCallback("on_query_sent")
			if err := cb(context.Background()); err != nil {
				c.logger.Warn("query accounting callback failed", "error", err)
			}
		}()
	}
}

func (c *Coordinator) safeNotifySessionCreated(threadID string) {
	if cb := c.callbacks.OnSessionCreated; cb != nil {
		func() {
			defer c.recoverCallback("on_session_created")
			cb(threadID)
		}()
	}
}

func (c *Coordinator) safeNotifyFirstFlagReset() {
	if cb := c.callbacks.OnFirstMessageFlagReset; cb != nil {
		func() {
			defer c.recoverCallback("on_first_message_flag_reset")
			cb()
		}()
	}
}

func (c *Coordinator) recoverCallback(name string) {
	if r := recover(); r != nil {
		c.logger.Warn("host callback panicked", "callback", name, "panic", r)
	}
}
