package board

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	streamReconnectMin = time.Second
	streamReconnectMax = 30 * time.Second

	// streamHealthyAge is how long a connection must survive for the
	// reconnect backoff to restart from the minimum. Without it one flap
	// history would make every later reconnect wait the full cap.
	streamHealthyAge = time.Minute
)

// SSEStream subscribes to the server's event feed for one board over
// server-sent events. It reconnects with exponential backoff on any transport
// failure and stops for good only when its context is cancelled, at which
// point the Events channel is closed.
type SSEStream struct {
	baseURL string
	token   string
	boardID string
	http    *http.Client
	events  chan Event
}

// NewSSEStream creates a stream for boardID against the API at baseURL. Call
// Run to start delivery.
func NewSSEStream(baseURL, token, boardID string) *SSEStream {
	return &SSEStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		boardID: boardID,
		// No overall timeout: the connection is long-lived by design.
		http:   &http.Client{},
		events: make(chan Event, 16),
	}
}

// Events implements Stream.
func (s *SSEStream) Events() <-chan Event { return s.events }

// Run connects and delivers events until ctx is cancelled. It always returns
// ctx.Err(); individual connection failures are retried, not surfaced.
func (s *SSEStream) Run(ctx context.Context) error {
	defer close(s.events)

	var backoff time.Duration
	for {
		start := time.Now()
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = err // dropped connections are expected; reconnect

		backoff = nextBackoff(backoff, time.Since(start))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextBackoff returns the delay before the next reconnect. A connection that
// outlived streamHealthyAge restarts the progression from the minimum;
// anything shorter doubles the previous delay up to the cap.
func nextBackoff(prev, connected time.Duration) time.Duration {
	if connected >= streamHealthyAge || prev == 0 {
		return streamReconnectMin
	}
	next := prev * 2
	if next > streamReconnectMax {
		next = streamReconnectMax
	}
	return next
}

// consume holds one connection open and forwards its events. Returns when the
// server closes the connection or the payload stops parsing.
func (s *SSEStream) consume(ctx context.Context) error {
	u := s.baseURL + "/api/boards/" + url.PathEscape(s.boardID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close after read

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue // comment, event name, or blank separator line
		}

		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil || ev.Type == "" {
			continue // malformed frames are skipped, not fatal
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
