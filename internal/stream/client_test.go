package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sseServer serves a fixed sequence of frames, flushing after each one.
func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, run *Run) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream to terminate, got %d events", len(events))
		}
	}
}

func TestOpenStreamDeliversEventsInOrder(t *testing.T) {
	srv := sseServer(t,
		"event: metadata\ndata: {\"run_id\":\"r1\"}\n\n",
		"event: token\ndata: {\"text\":\"Hi \"}\n\n",
		"event: token\ndata: {\"text\":\"there\"}\n\n",
		"event: tool_activity\ndata: {\"kind\":\"research\",\"label\":\"Reviewing\",\"is_running\":true}\n\n",
		"event: done\ndata: {\"run_id\":\"r1\"}\n\n",
	)
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 0, newTestLogger())
	run, err := client.OpenStream(context.Background(), "t1", HumanInput("hello"), AuthContext{UserID: "u1", AccountID: "a1"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer run.Cancel()

	events := collect(t, run)
	kinds := []EventKind{EventToken, EventToken, EventToolActivity, EventDone}
	if len(events) != len(kinds) {
		t.Fatalf("expected %d events, got %d: %+v", len(kinds), len(events), events)
	}
	for i, want := range kinds {
		if events[i].Kind != want {
			t.Fatalf("event %d kind = %q, want %q", i, events[i].Kind, want)
		}
		if events[i].RunID != "r1" {
			t.Fatalf("event %d run id = %q, want r1", i, events[i].RunID)
		}
	}
	if events[0].Text+events[1].Text != "Hi there" {
		t.Fatalf("unexpected token text %q %q", events[0].Text, events[1].Text)
	}
	if events[2].Activity == nil || events[2].Activity.Kind != "research" {
		t.Fatalf("unexpected activity %+v", events[2].Activity)
	}
	if !events[3].Terminal() {
		t.Fatalf("done must be terminal")
	}
}

func TestInterruptIsTerminal(t *testing.T) {
	srv := sseServer(t,
		"event: metadata\ndata: {\"run_id\":\"r1\"}\n\n",
		"event: interrupt\ndata: {\"value\":{\"prompt\":\"Confirm the trade?\"},\"resumable\":true}\n\n",
	)
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 0, newTestLogger())
	run, err := client.OpenStream(context.Background(), "t1", HumanInput("buy 10 shares"), AuthContext{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer run.Cancel()

	events := collect(t, run)
	if len(events) != 1 {
		t.Fatalf("expected a single terminal interrupt, got %+v", events)
	}
	ev := events[0]
	if ev.Kind != EventInterrupt || !ev.Terminal() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Interrupt == nil || !ev.Interrupt.Resumable || ev.Interrupt.RunID != "r1" {
		t.Fatalf("unexpected interrupt %+v", ev.Interrupt)
	}
}

func TestDroppedConnectionYieldsSingleTransientError(t *testing.T) {
	srv := sseServer(t,
		"event: metadata\ndata: {\"run_id\":\"r1\"}\n\n",
		"event: token\ndata: {\"text\":\"partial\"}\n\n",
		// no done frame; the handler returns and the connection closes
	)
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 0, newTestLogger())
	run, err := client.OpenStream(context.Background(), "t1", HumanInput("hello"), AuthContext{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer run.Cancel()

	events := collect(t, run)
	if len(events) != 2 {
		t.Fatalf("expected token then error, got %+v", events)
	}
	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Fatalf("expected terminal error, got %+v", last)
	}
	var streamErr *Error
	if !errors.As(last.Err, &streamErr) || streamErr.Kind != ErrTransient {
		t.Fatalf("expected transient error, got %v", last.Err)
	}
	if !streamErr.Retryable() {
		t.Fatalf("transient errors must be retryable")
	}
}

func TestWatchdogEmitsLongProcessingOncePerGap(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: metadata\ndata: {\"run_id\":\"r1\"}\n\n")
		flusher.Flush()
		<-release
		fmt.Fprint(w, "event: done\ndata: {\"run_id\":\"r1\"}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 20*time.Millisecond, newTestLogger())
	run, err := client.OpenStream(context.Background(), "t1", HumanInput("hello"), AuthContext{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer run.Cancel()

	select {
	case ev := <-run.Events():
		if ev.Kind != EventLongProcessing {
			t.Fatalf("expected long processing event, got %+v", ev)
		}
		if ev.Terminal() {
			t.Fatalf("long processing must not be terminal")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watchdog never fired")
	}

	// The gap continues, but the watchdog fires at most once per quiet gap.
	select {
	case ev := <-run.Events():
		t.Fatalf("unexpected second event during the same gap: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	events := collect(t, run)
	if len(events) != 1 || events[0].Kind != EventDone {
		t.Fatalf("expected done after release, got %+v", events)
	}
}

func TestOpenStreamAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "bad", 0, newTestLogger())
	_, err := client.OpenStream(context.Background(), "t1", HumanInput("hello"), AuthContext{})
	if err == nil {
		t.Fatalf("expected error")
	}
	var streamErr *Error
	if !errors.As(err, &streamErr) || streamErr.Kind != ErrAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if streamErr.Retryable() {
		t.Fatalf("auth errors must not be retryable")
	}
}

func TestMalformedFrameYieldsProtocolError(t *testing.T) {
	srv := sseServer(t,
		"event: metadata\ndata: {\"run_id\":\"r1\"}\n\n",
		"event: token\ndata: {not json}\n\n",
	)
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 0, newTestLogger())
	run, err := client.OpenStream(context.Background(), "t1", HumanInput("hello"), AuthContext{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer run.Cancel()

	events := collect(t, run)
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("expected single protocol error, got %+v", events)
	}
	var streamErr *Error
	if !errors.As(events[0].Err, &streamErr) || streamErr.Kind != ErrProtocol {
		t.Fatalf("expected protocol error, got %v", events[0].Err)
	}
}

func TestUnknownFramesAreSkipped(t *testing.T) {
	srv := sseServer(t,
		"event: metadata\ndata: {\"run_id\":\"r1\"}\n\n",
		"event: heartbeat\ndata: {}\n\n",
		": comment line\n\n",
		"event: done\ndata: {\"run_id\":\"r1\"}\n\n",
	)
	defer srv.Close()

	client := NewClient(srv.URL, "secret", 0, newTestLogger())
	run, err := client.OpenStream(context.Background(), "t1", HumanInput("hello"), AuthContext{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer run.Cancel()

	events := collect(t, run)
	if len(events) != 1 || events[0].Kind != EventDone {
		t.Fatalf("expected only the done event, got %+v", events)
	}
}

func TestCancelReleasesStreamWithoutTerminalEvent(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: metadata\ndata: {\"run_id\":\"r1\"}\n\n")
		fmt.Fprint(w, "event: token\ndata: {\"text\":\"partial\"}\n\n")
		flusher.Flush()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	client := NewClient(srv.URL, "secret", 0, newTestLogger())
	run, err := client.OpenStream(context.Background(), "t1", HumanInput("hello"), AuthContext{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	select {
	case ev := <-run.Events():
		if ev.Kind != EventToken {
			t.Fatalf("expected token, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no token received")
	}

	run.Cancel()
	run.Cancel() // idempotent

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return
			}
			if ev.Kind == EventError {
				t.Fatalf("cancellation must not surface an error event, got %+v", ev)
			}
		case <-deadline:
			t.Fatalf("events channel never closed after cancel")
		}
	}
}
