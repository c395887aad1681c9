// Package schedule runs the cron entries of the automation document. Each
// schedule fires against a card whose title equals the schedule name, finding
// or creating it on the board, then hands the (cardID, schedule) pair to a
// dispatch callback.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kardagent/pkg/board"
	"kardagent/pkg/rules"
)

// CheckInterval is how often the loop looks for due schedules.
const CheckInterval = 30 * time.Second

// DispatchFunc receives the card bound to a fired schedule. The scheduler
// advances the schedule's next fire time whether or not dispatch succeeds, so
// a failing action does not re-fire every tick.
type DispatchFunc func(ctx context.Context, cardID string, sched rules.Schedule)

// parser accepts standard five-field cron expressions.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// entry is one schedule plus its compiled cron and next fire time.
type entry struct {
	sched rules.Schedule
	expr  cron.Schedule
	next  time.Time
}

// Scheduler fires document schedules on their cron cadence.
type Scheduler struct {
	boardID  string
	client   board.Client
	dispatch DispatchFunc

	mu      sync.Mutex
	entries []*entry

	nowFunc func() time.Time // injectable for tests
	onError func(sched rules.Schedule, err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(f func() time.Time) Option {
	return func(s *Scheduler) { s.nowFunc = f }
}

// WithErrorHandler installs a callback for find-or-create failures.
func WithErrorHandler(f func(sched rules.Schedule, err error)) Option {
	return func(s *Scheduler) { s.onError = f }
}

// New compiles the schedules and returns a Scheduler. Invalid cron
// expressions are rejected (validation should have caught them already).
func New(boardID string, client board.Client, schedules []rules.Schedule, dispatch DispatchFunc, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		boardID:  boardID,
		client:   client,
		dispatch: dispatch,
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	now := s.nowFunc()
	for _, sched := range schedules {
		expr, err := parser.Parse(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron %q: %w", sched.Name, sched.Cron, err)
		}
		s.entries = append(s.entries, &entry{
			sched: sched,
			expr:  expr,
			next:  expr.Next(now),
		})
	}
	return s, nil
}

// Replace swaps in a new schedule list, recompiling next fire times. Called
// after a document hot reload.
func (s *Scheduler) Replace(schedules []rules.Schedule) error {
	now := s.nowFunc()
	var entries []*entry
	for _, sched := range schedules {
		expr, err := parser.Parse(sched.Cron)
		if err != nil {
			return fmt.Errorf("schedule %q: invalid cron %q: %w", sched.Name, sched.Cron, err)
		}
		entries = append(entries, &entry{sched: sched, expr: expr, next: expr.Next(now)})
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Run ticks until ctx is cancelled. The loop runs even with no schedules
// loaded, since a document hot reload can add some via Replace at any time.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDue(ctx)
		}
	}
}

// checkDue fires every entry whose next time has arrived and advances it.
func (s *Scheduler) checkDue(ctx context.Context) {
	now := s.nowFunc()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.next) {
			due = append(due, e)
			e.next = e.expr.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		cardID, err := s.findOrCreateCard(ctx, e.sched)
		if err != nil {
			if s.onError != nil {
				s.onError(e.sched, err)
			}
			continue
		}
		s.dispatch(ctx, cardID, e.sched)
	}
}

// findOrCreateCard locates a card whose title matches the schedule name
// (case-insensitive) anywhere on the board, or creates it. Creation targets
// the schedule's list when named, falling back to the board's first list.
func (s *Scheduler) findOrCreateCard(ctx context.Context, sched rules.Schedule) (string, error) {
	b, err := s.client.GetBoard(ctx, s.boardID)
	if err != nil {
		return "", fmt.Errorf("fetch board: %w", err)
	}

	want := strings.TrimSpace(sched.Name)
	for _, lst := range b.Lists {
		for _, card := range lst.Cards {
			if strings.EqualFold(strings.TrimSpace(card.Title), want) {
				return card.ID, nil
			}
		}
	}

	var targetList string
	if sched.List != "" {
		for _, lst := range b.Lists {
			if strings.EqualFold(strings.TrimSpace(lst.Name), strings.TrimSpace(sched.List)) {
				targetList = lst.ID
				break
			}
		}
	}
	if targetList == "" && len(b.Lists) > 0 {
		targetList = b.Lists[0].ID
	}
	if targetList == "" {
		return "", fmt.Errorf("no lists on board %s", s.boardID)
	}

	card, err := s.client.CreateCard(ctx, s.boardID, targetList, sched.Name)
	if err != nil {
		return "", fmt.Errorf("create card: %w", err)
	}

	if sched.Assignee != "" {
		// Assignment is best effort; the card already exists either way.
		_ = s.client.UpdateCard(ctx, card.ID, map[string]any{"assignee_id": sched.Assignee})
	}

	return card.ID, nil
}
