package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kardagent/pkg/board"
	"kardagent/pkg/eventlog"
	"kardagent/pkg/executor"
	"kardagent/pkg/rules"
)

// Reaction emojis of the comment protocol: 👀 acknowledges a trigger, ✅ marks
// success, 🛑 marks failure (and, added by a user, requests a stop), 🔄 added
// by a user requests a retry.
const (
	ackEmoji   = "👀"
	doneEmoji  = "✅"
	stopEmoji  = "🛑"
	retryEmoji = "🔄"
)

var completionEmojis = []string{doneEmoji, stopEmoji}

// recentCommentWindow bounds how far back a bot comment counts as "the agent
// published its response".
const recentCommentWindow = 60 * time.Second

const resumePromptFmt = `You completed the task but forgot to publish your response.

Please do ONE of the following:
1. Post a summary comment using ` + "`mcp__kardbrd__add_comment`" + ` with card_id=%q
2. Update the card description using ` + "`mcp__kardbrd__update_card`" + ` if appropriate
3. If you made code changes, commit them with git

End your comment by mentioning @%s

DO NOT do any new work - just publish what you already did.`

// Workspaces is the worktree surface the dispatcher needs.
type Workspaces interface {
	Provision(ctx context.Context, cardID string) (string, error)
	// Existing reports the card's worktree path when one is already on disk.
	Existing(cardID string) (string, bool)
	Teardown(ctx context.Context, cardID string, force bool) error
}

// EngineFunc returns the current rule snapshot. It is called per event so a
// hot reload takes effect on the next event.
type EngineFunc func() *rules.Engine

// MergeStarter launches the merge state machine for a card's workspace. The
// engine owns reporting its outcome to the card; a returned error only marks
// the session failed.
type MergeStarter interface {
	Merge(ctx context.Context, cardID, workspacePath string) error
}

// Config holds the dispatcher's fixed parameters.
type Config struct {
	// AgentName is the mention name without the @. Comments containing
	// "@<AgentName>" trigger sessions.
	AgentName string
	// MaxConcurrent caps sessions running at once. Default 3. Triggers beyond
	// the cap wait; waiters are unbounded.
	MaxConcurrent int
	// Timeout bounds a session's wall clock on top of the executor's own
	// limit. Zero leaves timing entirely to the executor.
	Timeout time.Duration
}

// trigger is one admission request: a mention, a retry, or a matched rule.
type trigger struct {
	cardID         string
	commentID      string
	command        string
	commentContent string
	author         string
	model          string
	ruleName       string
}

// Dispatcher converts matched events into executor sessions under the per-card
// and global concurrency invariants. One Dispatcher per board subscription.
type Dispatcher struct {
	cfg        Config
	client     board.Client
	workspaces Workspaces
	exec       executor.Executor
	log        *eventlog.Logger
	engine     EngineFunc
	merger     MergeStarter

	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Session

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Dispatcher. logger and merger may be nil; engine may be nil
// when no rule document is loaded.
func New(cfg Config, client board.Client, ws Workspaces, exec executor.Executor,
	logger *eventlog.Logger, engine EngineFunc, merger MergeStarter) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "agent"
	}
	if engine == nil {
		engine = func() *rules.Engine { return nil }
	}
	return &Dispatcher{
		cfg:        cfg,
		client:     client,
		workspaces: ws,
		exec:       exec,
		log:        logger,
		engine:     engine,
		merger:     merger,
		slots:      make(chan struct{}, cfg.MaxConcurrent),
		active:     make(map[string]*Session),
		nowFunc:    time.Now,
	}
}

// Run consumes the event stream until the context is cancelled or the stream
// closes. In-flight sessions are not interrupted by a closed stream; call
// Wait to drain them.
func (d *Dispatcher) Run(ctx context.Context, stream board.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			d.HandleEvent(ctx, ev)
		}
	}
}

// Wait blocks until every admitted session has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Active returns a snapshot of the in-flight sessions.
func (d *Dispatcher) Active() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, 0, len(d.active))
	for _, s := range d.active {
		out = append(out, s)
	}
	return out
}

// HandleEvent routes one board event through the built-in handlers (mentions,
// stop/retry reactions, done-list cleanup) and then through the rule engine.
// It never blocks on slot acquisition; that happens on per-trigger goroutines.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev board.Event) {
	switch ev.Type {
	case board.EventCommentCreated:
		d.handleComment(ctx, ev)
	case board.EventReactionAdded:
		d.handleReaction(ctx, ev)
	case board.EventCardMoved:
		d.handleCardMoved(ctx, ev)
	}
	d.checkRules(ctx, ev)
}

// DispatchScheduled admits a session for a time-triggered schedule. It goes
// through the same admission path as rule matches: a duplicate for an active
// card is discarded.
func (d *Dispatcher) DispatchScheduled(ctx context.Context, cardID, name, action, model string) {
	d.spawn(ctx, trigger{
		cardID:         cardID,
		command:        action,
		commentContent: "[Schedule: " + name + "]",
		author:         "automation",
		model:          model,
		ruleName:       name,
	})
}

func (d *Dispatcher) mention() string {
	return "@" + d.cfg.AgentName
}

func (d *Dispatcher) mentioned(content string) bool {
	return strings.Contains(strings.ToLower(content), strings.ToLower(d.mention()))
}

func (d *Dispatcher) handleComment(ctx context.Context, ev board.Event) {
	if !d.mentioned(ev.Content) {
		return
	}
	// The agent mentioning itself in its own output must not re-trigger.
	if strings.EqualFold(ev.AuthorName, d.cfg.AgentName) {
		return
	}
	d.spawn(ctx, trigger{
		cardID:         ev.CardID,
		commentID:      ev.CommentID,
		command:        executor.ExtractCommand(ev.Content, d.mention()),
		commentContent: ev.Content,
		author:         orUnknown(ev.AuthorName),
	})
}

func (d *Dispatcher) handleReaction(ctx context.Context, ev board.Event) {
	switch ev.Emoji {
	case stopEmoji:
		d.handleStop(ctx, ev)
	case retryEmoji:
		d.handleRetry(ctx, ev)
	}
}

// handleStop cancels the card's active session, but only when the reaction
// sits on the comment that triggered it. The worktree is preserved.
func (d *Dispatcher) handleStop(ctx context.Context, ev board.Event) {
	d.mu.Lock()
	s := d.active[ev.CardID]
	d.mu.Unlock()
	if s == nil {
		return
	}
	if s.CommentID != "" && s.CommentID != ev.CommentID {
		return
	}
	s.Stop()
	d.logEvent(ctx, "session_stop_requested", ev.CardID, s.ID, "")
}

// handleRetry re-runs the mention in the reacted-on comment, clearing stale
// completion reactions first so the protocol reflects the new run.
func (d *Dispatcher) handleRetry(ctx context.Context, ev board.Event) {
	c, err := d.client.GetComment(ctx, ev.CardID, ev.CommentID)
	if err != nil {
		return
	}
	if !d.mentioned(c.Content) {
		return
	}
	for _, emoji := range completionEmojis {
		d.clearReaction(ctx, ev.CardID, ev.CommentID, emoji)
	}
	d.spawn(ctx, trigger{
		cardID:         ev.CardID,
		commentID:      ev.CommentID,
		command:        executor.ExtractCommand(c.Content, d.mention()),
		commentContent: c.Content,
		author:         orUnknown(c.Author.DisplayName),
	})
}

// handleCardMoved tears down the card's workspace when it lands on a done
// list, killing any active session first.
func (d *Dispatcher) handleCardMoved(ctx context.Context, ev board.Event) {
	if !strings.Contains(strings.ToLower(ev.ListName), "done") {
		return
	}
	d.mu.Lock()
	s := d.active[ev.CardID]
	d.mu.Unlock()
	if s != nil {
		s.Stop()
	}
	if err := d.workspaces.Teardown(ctx, ev.CardID, true); err == nil {
		d.logEvent(ctx, "workspace_removed", ev.CardID, "", ev.ListName)
	}
}

// checkRules matches the event against the current rule snapshot and spawns a
// session per matched rule. Stop rules cancel instead of spawning.
func (d *Dispatcher) checkRules(ctx context.Context, ev board.Event) {
	eng := d.engine()
	if eng == nil || len(eng.Rules) == 0 {
		return
	}
	ev = d.enrichLabels(ctx, eng, ev)
	matched := eng.Match(ev)
	if len(matched) == 0 || ev.CardID == "" {
		return
	}
	for _, r := range matched {
		if r.IsStop() {
			d.mu.Lock()
			s := d.active[ev.CardID]
			d.mu.Unlock()
			if s != nil {
				s.Stop()
				d.logEvent(ctx, "rule_stop", ev.CardID, s.ID, r.Name)
			}
			continue
		}
		d.spawn(ctx, trigger{
			cardID:         ev.CardID,
			command:        r.Action,
			commentContent: "[Automation: " + r.Name + "]",
			author:         "automation",
			model:          r.ModelID(),
			ruleName:       r.Name,
		})
	}
}

// enrichLabels fetches card labels when a rule needs them and the transport
// didn't include them. Fetch failure leaves the event as-is; label conditions
// then see an empty set.
func (d *Dispatcher) enrichLabels(ctx context.Context, eng *rules.Engine, ev board.Event) board.Event {
	if ev.CardID == "" || ev.CardLabels != nil {
		return ev
	}
	needed := false
	for _, r := range eng.Rules {
		if r.ExcludeLabel != "" || r.RequireLabel != "" {
			needed = true
			break
		}
	}
	if !needed {
		return ev
	}
	card, err := d.client.GetCard(ctx, ev.CardID)
	if err != nil {
		return ev
	}
	labels := make([]string, 0, len(card.Labels))
	for _, l := range card.Labels {
		labels = append(labels, l.Name)
	}
	ev.CardLabels = labels
	return ev
}

// spawn admits a trigger. The registry is consulted before any slot is
// requested: a duplicate trigger for an active card is discarded here and
// never joins the waiter queue.
func (d *Dispatcher) spawn(ctx context.Context, t trigger) {
	d.mu.Lock()
	_, busy := d.active[t.cardID]
	d.mu.Unlock()
	if busy {
		d.logEvent(ctx, "trigger_discarded", t.cardID, "", t.ruleName)
		return
	}

	d.wg.Add(1)
	go d.admit(ctx, t)
}

// admit blocks for a slot, re-checks the registry (another trigger for the
// same card may have won while we waited), registers the session, and runs it.
func (d *Dispatcher) admit(ctx context.Context, t trigger) {
	defer d.wg.Done()

	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}

	d.mu.Lock()
	if _, busy := d.active[t.cardID]; busy {
		d.mu.Unlock()
		<-d.slots
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:        uuid.NewString(),
		CardID:    t.cardID,
		CommentID: t.commentID,
		StartedAt: d.nowFunc(),
		status:    StatusRunning,
		cancel:    cancel,
	}
	d.active[t.cardID] = s
	d.mu.Unlock()

	d.run(sctx, cancel, s, t)
}

// run executes one session end to end. All failure modes, panics included,
// are confined here: the slot is released, the registry entry removed, and
// the outcome recorded on every path.
func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, s *Session, t trigger) {
	// Board reporting must survive session cancellation.
	reportCtx := context.WithoutCancel(ctx)

	status := StatusFailed
	var costUSD float64
	var durationMS int64

	defer func() {
		if r := recover(); r != nil {
			status = StatusFailed
			d.react(reportCtx, s.CardID, t.commentID, stopEmoji)
			d.postComment(reportCtx, s.CardID, t,
				fmt.Sprintf("**Error processing request**\n\n```\n%v\n```", r))
		}
		final := s.finish(status)
		d.mu.Lock()
		delete(d.active, s.CardID)
		d.mu.Unlock()
		<-d.slots
		cancel()
		d.sessionFinished(reportCtx, s, final, costUSD, durationMS)
	}()

	if d.log != nil {
		_ = d.log.SessionStarted(ctx, s.ID, s.CardID, t.ruleName, t.model)
	}
	d.react(ctx, s.CardID, t.commentID, ackEmoji)

	if d.merger != nil && isMergeCommand(t.command) {
		// Merges operate on whatever worktree earlier sessions left behind.
		// Provisioning a fresh one here would only find an empty branch; the
		// merge engine reports the missing workspace itself.
		path, _ := d.workspaces.Existing(s.CardID)
		s.Workspace = path
		d.logEvent(ctx, "merge_handoff", s.CardID, s.ID, t.command)
		if err := d.merger.Merge(ctx, s.CardID, path); err != nil {
			d.react(reportCtx, s.CardID, t.commentID, stopEmoji)
			return
		}
		d.react(reportCtx, s.CardID, t.commentID, doneEmoji)
		status = StatusCompleted
		return
	}

	path, err := d.workspaces.Provision(ctx, s.CardID)
	if err != nil {
		d.reportFailure(reportCtx, s, t, fmt.Sprintf("provision workspace: %v", err))
		return
	}
	s.Workspace = path

	// Card context is useful but not required; the prompt degrades gracefully.
	md, err := d.client.GetCardMarkdown(ctx, s.CardID)
	if err != nil {
		md = ""
	}
	prompt := executor.BuildPrompt(s.CardID, md, t.command, t.commentContent, t.author)

	execCtx := ctx
	if d.cfg.Timeout > 0 {
		var tcancel context.CancelFunc
		execCtx, tcancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer tcancel()
	}

	res, err := d.exec.Execute(execCtx, executor.Spec{Prompt: prompt, Workdir: path, Model: t.model})
	if res != nil {
		costUSD = res.CostUSD
		durationMS = res.DurationMS
		if res.SessionID != "" {
			s.setResumeToken(res.SessionID)
		}
	}
	if err != nil {
		if s.Status() == StatusStopped || errors.Is(ctx.Err(), context.Canceled) {
			status = StatusStopped
			return
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = &executor.TimeoutError{Backend: d.exec.Name(), Limit: d.cfg.Timeout}
		}
		d.reportFailure(reportCtx, s, t, failureMessage(err))
		return
	}

	d.verifyPublished(reportCtx, s, t, res, path)
	status = StatusCompleted
}

// verifyPublished confirms the agent actually posted a response. A completed
// run with no recent bot comment is resumed once with explicit publishing
// instructions.
func (d *Dispatcher) verifyPublished(ctx context.Context, s *Session, t trigger, res *executor.Result, workdir string) {
	if res.SessionID == "" || d.hasRecentBotComment(ctx, s.CardID) {
		d.react(ctx, s.CardID, t.commentID, doneEmoji)
		return
	}

	prompt := fmt.Sprintf(resumePromptFmt, s.CardID, t.author)
	rres, err := d.exec.Execute(ctx, executor.Spec{Prompt: prompt, Workdir: workdir, ResumeToken: res.SessionID})
	if err != nil {
		d.react(ctx, s.CardID, t.commentID, stopEmoji)
		d.postComment(ctx, s.CardID, t, fmt.Sprintf("**Error resuming session**\n\n```\n%v\n```", err))
		return
	}
	// Last resort: post the result text ourselves, unless the resume already
	// landed a comment.
	if !d.hasRecentBotComment(ctx, s.CardID) && rres.Text != "" {
		_ = d.client.AddComment(ctx, s.CardID, rres.Text+"\n\n@"+t.author)
	}
	d.react(ctx, s.CardID, t.commentID, doneEmoji)
}

func (d *Dispatcher) reportFailure(ctx context.Context, s *Session, t trigger, msg string) {
	d.react(ctx, s.CardID, t.commentID, stopEmoji)
	d.postComment(ctx, s.CardID, t, fmt.Sprintf("**Error**\n\n```\n%s\n```", msg))
}

// postComment posts a card-visible report, tagged with the rule name for
// automation triggers and mentioning the requester for mention triggers.
func (d *Dispatcher) postComment(ctx context.Context, cardID string, t trigger, body string) {
	if t.ruleName != "" {
		body = strings.Replace(body, "**Error**", fmt.Sprintf("**Automation Error** (%s)", t.ruleName), 1)
	} else {
		body += "\n\n@" + t.author
	}
	_ = d.client.AddComment(ctx, cardID, body)
}

// hasRecentBotComment reports whether a bot comment landed on the card within
// the verification window. Errors fail open.
func (d *Dispatcher) hasRecentBotComment(ctx context.Context, cardID string) bool {
	card, err := d.client.GetCard(ctx, cardID)
	if err != nil {
		return false
	}
	cutoff := d.nowFunc().Add(-recentCommentWindow)
	for _, c := range card.Comments {
		if c.Author.IsBot && c.CreatedAt.After(cutoff) {
			return true
		}
	}
	return false
}

// react toggles an emoji on the triggering comment, best effort. Rule-based
// triggers have no comment and no reactions.
func (d *Dispatcher) react(ctx context.Context, cardID, commentID, emoji string) {
	if commentID == "" {
		return
	}
	_ = d.client.ToggleReaction(ctx, cardID, commentID, emoji)
}

// clearReaction removes an emoji if present. Toggle semantics require
// checking first so we don't add what we meant to remove.
func (d *Dispatcher) clearReaction(ctx context.Context, cardID, commentID, emoji string) {
	c, err := d.client.GetComment(ctx, cardID, commentID)
	if err != nil {
		return
	}
	if c.Reactions[emoji] > 0 {
		_ = d.client.ToggleReaction(ctx, cardID, commentID, emoji)
	}
}

func (d *Dispatcher) logEvent(ctx context.Context, evType, cardID, sessionID, payload string) {
	if d.log == nil {
		return
	}
	_ = d.log.Log(ctx, evType, "dispatcher", cardID, sessionID, payload)
}

func (d *Dispatcher) sessionFinished(ctx context.Context, s *Session, status Status, costUSD float64, durationMS int64) {
	if d.log == nil {
		return
	}
	_ = d.log.SessionFinished(ctx, s.ID, logStatus(status), s.ResumeToken(), costUSD, durationMS)
}

func logStatus(status Status) string {
	switch status {
	case StatusCompleted:
		return eventlog.SessionDone
	case StatusStopped:
		return eventlog.SessionCancelled
	default:
		return eventlog.SessionFailed
	}
}

func failureMessage(err error) string {
	var authErr *executor.AuthError
	if errors.As(err, &authErr) && authErr.Hint != "" {
		return authErr.Error() + "\n\n" + authErr.Hint
	}
	return err.Error()
}

// isMergeCommand reports whether the extracted command requests the merge
// workflow: a first word of "merge" or "/merge".
func isMergeCommand(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(fields[0], "/"), "merge")
}

func orUnknown(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}
