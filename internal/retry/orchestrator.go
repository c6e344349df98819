// Package retry tracks the last attempted outbound message per thread and
// exposes a bounded, user-confirmable retry action.
package retry

import (
	"log/slog"
	"sync"
)

// Record is the single retryable attempt the orchestrator tracks.
type Record struct {
	ThreadID string
	Content  string
	Attempts int
}

// Orchestrator holds at most one outstanding retryable record. A new
// PrepareForSend always overwrites the prior record: only the most recent
// failed message is retryable, never a queue of failures.
type Orchestrator struct {
	mu     sync.Mutex
	record Record
	failed bool
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger}
}

// PrepareForSend records content as the last attempted message. Call before
// every dispatch attempt. Clears any prior failure flag: only a failure of
// this newest attempt can surface the retry affordance.
func (o *Orchestrator) PrepareForSend(threadID, content string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record.ThreadID == threadID && o.record.Content == content {
		o.record.Attempts++
	} else {
		o.record = Record{ThreadID: threadID, Content: content, Attempts: 1}
	}
	o.failed = false
}

// MarkFailure flags the last attempt as failed, enabling the retry affordance.
func (o *Orchestrator) MarkFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record.Content == "" {
		return
	}
	o.failed = true
	o.logger.Warn("dispatch failed, retry available",
		"thread_id", o.record.ThreadID,
		"attempts", o.record.Attempts,
	)
}

// MarkSuccess clears the failure flag and the retained record after the run
// completes.
func (o *Orchestrator) MarkSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record = Record{}
	o.failed = false
}

// ShouldShowRetryPopup reports whether a retry affordance should be offered:
// true only after a dispatch attempt failed and no newer attempt succeeded.
func (o *Orchestrator) ShouldShowRetryPopup() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failed
}

// Pending returns the retryable record, if any.
func (o *Orchestrator) Pending() (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.failed {
		return Record{}, false
	}
	return o.record, true
}

// Dismiss clears the failure flag without resubmission.
func (o *Orchestrator) Dismiss() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = false
}
