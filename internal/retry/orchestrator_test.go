package retry

import (
	"io"
	"log/slog"
	"testing"
)

func newTestOrchestrator() *Orchestrator {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRetryPopupOnlyAfterFailure(t *testing.T) {
	o := newTestOrchestrator()

	o.PrepareForSend("t1", "hello")
	if o.ShouldShowRetryPopup() {
		t.Fatalf("popup should not show before a failure")
	}

	o.MarkFailure()
	if !o.ShouldShowRetryPopup() {
		t.Fatalf("popup should show after a failure")
	}

	record, ok := o.Pending()
	if !ok {
		t.Fatalf("expected a pending record")
	}
	if record.ThreadID != "t1" || record.Content != "hello" || record.Attempts != 1 {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestNewAttemptOverwritesPriorRecord(t *testing.T) {
	o := newTestOrchestrator()

	o.PrepareForSend("t1", "first")
	o.MarkFailure()
	o.PrepareForSend("t1", "second")

	if o.ShouldShowRetryPopup() {
		t.Fatalf("newer attempt should clear the failure flag")
	}

	o.MarkFailure()
	record, ok := o.Pending()
	if !ok || record.Content != "second" {
		t.Fatalf("expected only the most recent failed message to be retryable, got %+v", record)
	}
}

func TestRepeatAttemptIncrementsCount(t *testing.T) {
	o := newTestOrchestrator()

	o.PrepareForSend("t1", "hello")
	o.MarkFailure()
	o.PrepareForSend("t1", "hello")
	o.MarkFailure()

	record, _ := o.Pending()
	if record.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", record.Attempts)
	}
}

func TestMarkSuccessClearsRecord(t *testing.T) {
	o := newTestOrchestrator()

	o.PrepareForSend("t1", "hello")
	o.MarkSuccess()
	o.MarkFailure()

	if o.ShouldShowRetryPopup() {
		t.Fatalf("failure after success with no new attempt should not re-arm the popup")
	}
	if _, ok := o.Pending(); ok {
		t.Fatalf("expected no pending record after success")
	}
}

func TestDismissClearsFlagKeepsNothingPending(t *testing.T) {
	o := newTestOrchestrator()

	o.PrepareForSend("t1", "hello")
	o.MarkFailure()
	o.Dismiss()

	if o.ShouldShowRetryPopup() {
		t.Fatalf("dismiss should clear the popup flag")
	}
	if _, ok := o.Pending(); ok {
		t.Fatalf("dismissed failure should not remain retryable")
	}
}
