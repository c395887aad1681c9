package board //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSSEStreamDeliversEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/api/boards/b1/events" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"event_type\":\"comment_created\",\"card_id\":\"c1\",\"content\":\"hi\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"event_type\":\"card_moved\",\"card_id\":\"c2\",\"list_name\":\"Done\"}\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSSEStream(srv.URL, "tok", "b1")
	go func() { _ = s.Run(ctx) }()

	first := recvEvent(t, s.Events())
	if first.Type != EventCommentCreated || first.CardID != "c1" || first.Content != "hi" {
		t.Fatalf("first event = %+v", first)
	}

	// The malformed frame is skipped; the next delivery is card_moved.
	second := recvEvent(t, s.Events())
	if second.Type != EventCardMoved || second.ListName != "Done" {
		t.Fatalf("second event = %+v", second)
	}
}

func TestSSEStreamClosesChannelOnCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSSEStream(srv.URL, "tok", "b1")

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, open := <-s.Events(); open {
		t.Fatal("events channel still open after shutdown")
	}
}

func TestNextBackoffResetsAfterHealthyConnection(t *testing.T) {
	// Flapping connections double the delay up to the cap.
	b := nextBackoff(0, time.Millisecond)
	if b != streamReconnectMin {
		t.Fatalf("first delay = %v, want %v", b, streamReconnectMin)
	}
	for i := 0; i < 10; i++ {
		b = nextBackoff(b, time.Millisecond)
	}
	if b != streamReconnectMax {
		t.Fatalf("delay after repeated flaps = %v, want cap %v", b, streamReconnectMax)
	}

	// A connection that stayed up restarts the progression, so a later flap
	// does not inherit the capped delay.
	b = nextBackoff(b, streamHealthyAge+time.Second)
	if b != streamReconnectMin {
		t.Fatalf("delay after healthy connection = %v, want %v", b, streamReconnectMin)
	}
	if b = nextBackoff(b, time.Millisecond); b != 2*streamReconnectMin {
		t.Fatalf("delay after fresh flap = %v, want %v", b, 2*streamReconnectMin)
	}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
