// Package session runs the dispatcher: it turns matched board events into
// bounded-concurrency executor sessions. Two invariants hold at all times:
// at most one active session per card, and at most MaxConcurrent sessions
// globally. The registry is in-memory only and rebuilt empty on restart.
package session

import (
	"context"
	"sync"
	"time"
)

// Status is a session's lifecycle state.
type Status string

// Session states. A session leaves running exactly once.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Session is one in-flight executor run bound to a card. CommentID is the
// triggering comment when the session came from a mention; rule-triggered
// sessions have none.
type Session struct {
	ID        string
	CardID    string
	CommentID string
	Workspace string
	StartedAt time.Time

	mu          sync.Mutex
	status      Status
	resumeToken string
	cancel      context.CancelFunc
}

// Status returns the session's current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ResumeToken returns the backend session ID captured from the executor, if
// the run got far enough to produce one.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// Stop cancels the session's context, killing the agent process. The worktree
// is preserved. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.status = StatusStopped
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setResumeToken(tok string) {
	s.mu.Lock()
	s.resumeToken = tok
	s.mu.Unlock()
}

// finish transitions out of running unless Stop already won.
func (s *Session) finish(status Status) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.status = status
	}
	return s.status
}
