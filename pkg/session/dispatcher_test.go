package session //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"kardagent/pkg/board"
	"kardagent/pkg/executor"
	"kardagent/pkg/rules"
)

type fakeClient struct {
	mu        sync.Mutex
	card      *board.Card
	comment   *board.Comment
	comments  []string
	reactions []string // "cardID:commentID:emoji"
	markdown  string
}

func (f *fakeClient) GetCard(_ context.Context, cardID string) (*board.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.card != nil {
		return f.card, nil
	}
	return &board.Card{ID: cardID}, nil
}

func (f *fakeClient) GetCardMarkdown(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markdown, nil
}

func (f *fakeClient) GetComment(_ context.Context, _, commentID string) (*board.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.comment == nil {
		return nil, fmt.Errorf("comment %s not found", commentID)
	}
	return f.comment, nil
}

func (f *fakeClient) GetBoard(_ context.Context, boardID string) (*board.Board, error) {
	return &board.Board{ID: boardID}, nil
}

func (f *fakeClient) AddComment(_ context.Context, _, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, content)
	return nil
}

func (f *fakeClient) ToggleReaction(_ context.Context, cardID, commentID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, cardID+":"+commentID+":"+emoji)
	return nil
}

func (f *fakeClient) CreateCard(_ context.Context, _, _, title string) (*board.Card, error) {
	return &board.Card{ID: "new", Title: title}, nil
}

func (f *fakeClient) UpdateCard(context.Context, string, map[string]any) error { return nil }

func (f *fakeClient) postedComments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

func (f *fakeClient) reactionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}

type fakeWorkspaces struct {
	mu          sync.Mutex
	provisioned []string
	removed     []string
	err         error
	noExisting  bool // Existing reports no worktree on disk
}

func (f *fakeWorkspaces) Existing(cardID string) (string, bool) {
	if f.noExisting {
		return "", false
	}
	return "/work/card-" + cardID, true
}

func (f *fakeWorkspaces) Provision(_ context.Context, cardID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.provisioned = append(f.provisioned, cardID)
	return "/work/card-" + cardID, nil
}

func (f *fakeWorkspaces) Teardown(_ context.Context, cardID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, cardID)
	return nil
}

func (f *fakeWorkspaces) removedCards() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeExec struct {
	mu      sync.Mutex
	calls   []executor.Spec
	handler func(ctx context.Context, spec executor.Spec) (*executor.Result, error)
}

func (f *fakeExec) Name() string { return "claude" }

func (f *fakeExec) CheckAuth(context.Context) executor.AuthStatus {
	return executor.AuthStatus{Authenticated: true}
}

func (f *fakeExec) Execute(ctx context.Context, spec executor.Spec) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		return h(ctx, spec)
	}
	return &executor.Result{Text: "done"}, nil
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExec) call(i int) executor.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeMerger struct {
	mu    sync.Mutex
	calls []string // "cardID path"
	err   error
}

func (f *fakeMerger) Merge(_ context.Context, cardID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cardID+" "+path)
	return f.err
}

func newTestDispatcher(cfg Config, engine *rules.Engine) (*Dispatcher, *fakeClient, *fakeWorkspaces, *fakeExec) {
	fc := &fakeClient{markdown: "# Card"}
	ws := &fakeWorkspaces{}
	fe := &fakeExec{}
	var ef EngineFunc
	if engine != nil {
		ef = func() *rules.Engine { return engine }
	}
	d := New(cfg, fc, ws, fe, nil, ef, nil)
	return d, fc, ws, fe
}

func mentionEvent(cardID, commentID, content, author string) board.Event {
	return board.Event{
		Type:       board.EventCommentCreated,
		CardID:     cardID,
		CommentID:  commentID,
		Content:    content,
		AuthorName: author,
	}
}

// blockingHandler parks executions until release closes, reporting each start.
func blockingHandler(started chan<- string, release <-chan struct{}) func(context.Context, executor.Spec) (*executor.Result, error) {
	return func(ctx context.Context, spec executor.Spec) (*executor.Result, error) {
		started <- spec.Workdir
		select {
		case <-release:
			return &executor.Result{Text: "ok"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitStarted(t *testing.T, started <-chan string) string {
	t.Helper()
	select {
	case w := <-started:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a session to start")
		return ""
	}
}

func TestMentionRunsSessionAndReacts(t *testing.T) {
	d, fc, ws, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)

	d.HandleEvent(context.Background(), mentionEvent("card1", "cm1", "@agent fix the login bug", "alice"))
	d.Wait()

	if fe.callCount() != 1 {
		t.Fatalf("Execute calls = %d, want 1", fe.callCount())
	}
	spec := fe.call(0)
	if spec.Workdir != "/work/card-card1" {
		t.Errorf("Workdir = %q", spec.Workdir)
	}
	if !strings.Contains(spec.Prompt, "fix the login bug") {
		t.Errorf("prompt missing command: %q", spec.Prompt)
	}
	if !strings.Contains(spec.Prompt, "@alice") {
		t.Errorf("prompt missing requester mention")
	}
	if len(ws.provisioned) != 1 || ws.provisioned[0] != "card1" {
		t.Errorf("provisioned = %v", ws.provisioned)
	}

	want := []string{"card1:cm1:" + ackEmoji, "card1:cm1:" + doneEmoji}
	got := fc.reactionLog()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("reactions = %v, want %v", got, want)
	}
}

func TestOwnMentionIgnored(t *testing.T) {
	d, _, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)

	d.HandleEvent(context.Background(), mentionEvent("card1", "cm1", "@agent done, see above", "agent"))
	d.Wait()

	if fe.callCount() != 0 {
		t.Fatalf("Execute calls = %d, want 0", fe.callCount())
	}
}

func TestConcurrencyCeilingHolds(t *testing.T) {
	d, _, _, fe := newTestDispatcher(Config{AgentName: "agent", MaxConcurrent: 2}, nil)
	started := make(chan string, 3)
	release := make(chan struct{})
	fe.handler = blockingHandler(started, release)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		d.HandleEvent(ctx, mentionEvent(fmt.Sprintf("card%d", i), fmt.Sprintf("cm%d", i), "@agent go", "alice"))
	}

	waitStarted(t, started)
	waitStarted(t, started)

	select {
	case w := <-started:
		t.Fatalf("third session started (%s) with both slots held", w)
	case <-time.After(100 * time.Millisecond):
	}

	if n := len(d.Active()); n != 2 {
		t.Errorf("active sessions = %d, want 2", n)
	}

	close(release)
	waitStarted(t, started)
	d.Wait()

	if fe.callCount() != 3 {
		t.Errorf("Execute calls = %d, want 3", fe.callCount())
	}
}

func TestDuplicateTriggerDiscarded(t *testing.T) {
	d, _, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	started := make(chan string, 2)
	release := make(chan struct{})
	fe.handler = blockingHandler(started, release)

	ctx := context.Background()
	d.HandleEvent(ctx, mentionEvent("card1", "cm1", "@agent go", "alice"))
	waitStarted(t, started)

	// Same card again while the first session runs: discarded, never queued.
	d.HandleEvent(ctx, mentionEvent("card1", "cm2", "@agent go again", "bob"))
	time.Sleep(50 * time.Millisecond)

	close(release)
	d.Wait()

	if fe.callCount() != 1 {
		t.Fatalf("Execute calls = %d, want 1 (duplicate must be discarded)", fe.callCount())
	}
}

func TestStopReactionCancelsSession(t *testing.T) {
	d, fc, ws, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	fe.handler = blockingHandler(started, release)

	ctx := context.Background()
	d.HandleEvent(ctx, mentionEvent("card1", "cm1", "@agent go", "alice"))
	waitStarted(t, started)

	s := d.Active()[0]
	d.HandleEvent(ctx, board.Event{
		Type: board.EventReactionAdded, CardID: "card1", CommentID: "cm1", Emoji: stopEmoji,
	})
	d.Wait()

	if got := s.Status(); got != StatusStopped {
		t.Errorf("status = %s, want %s", got, StatusStopped)
	}
	if len(d.Active()) != 0 {
		t.Error("session still registered after stop")
	}
	if len(ws.removedCards()) != 0 {
		t.Error("stop must preserve the worktree")
	}
	for _, c := range fc.postedComments() {
		if strings.Contains(c, "Error") {
			t.Errorf("stop posted an error comment: %q", c)
		}
	}
}

func TestStopReactionOnOtherCommentIgnored(t *testing.T) {
	d, _, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	started := make(chan string, 1)
	release := make(chan struct{})
	fe.handler = blockingHandler(started, release)

	ctx := context.Background()
	d.HandleEvent(ctx, mentionEvent("card1", "cm1", "@agent go", "alice"))
	waitStarted(t, started)

	s := d.Active()[0]
	d.HandleEvent(ctx, board.Event{
		Type: board.EventReactionAdded, CardID: "card1", CommentID: "cm-other", Emoji: stopEmoji,
	})

	if got := s.Status(); got != StatusRunning {
		t.Errorf("status = %s, want still running", got)
	}

	close(release)
	d.Wait()

	if got := s.Status(); got != StatusCompleted {
		t.Errorf("final status = %s, want %s", got, StatusCompleted)
	}
}

func TestRetryReactionRerunsMention(t *testing.T) {
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	fc.comment = &board.Comment{
		ID:        "cm1",
		Content:   "@agent rerun the benchmark",
		Author:    board.Author{DisplayName: "alice"},
		Reactions: map[string]int{doneEmoji: 1},
	}

	d.HandleEvent(context.Background(), board.Event{
		Type: board.EventReactionAdded, CardID: "card1", CommentID: "cm1", Emoji: retryEmoji,
	})
	d.Wait()

	if fe.callCount() != 1 {
		t.Fatalf("Execute calls = %d, want 1", fe.callCount())
	}
	if !strings.Contains(fe.call(0).Prompt, "rerun the benchmark") {
		t.Errorf("prompt missing retried command")
	}

	got := fc.reactionLog()
	// Stale ✅ cleared first, then the fresh 👀/✅ pair.
	if len(got) != 3 || got[0] != "card1:cm1:"+doneEmoji {
		t.Fatalf("reactions = %v, want stale ✅ cleared first", got)
	}
}

func TestRetryWithoutMentionIgnored(t *testing.T) {
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	fc.comment = &board.Comment{ID: "cm1", Content: "just a note"}

	d.HandleEvent(context.Background(), board.Event{
		Type: board.EventReactionAdded, CardID: "card1", CommentID: "cm1", Emoji: retryEmoji,
	})
	d.Wait()

	if fe.callCount() != 0 {
		t.Fatalf("Execute calls = %d, want 0", fe.callCount())
	}
}

func TestCardMovedToDoneTearsDown(t *testing.T) {
	d, _, ws, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	fe.handler = blockingHandler(started, release)

	ctx := context.Background()
	d.HandleEvent(ctx, mentionEvent("card1", "cm1", "@agent go", "alice"))
	waitStarted(t, started)
	s := d.Active()[0]

	d.HandleEvent(ctx, board.Event{Type: board.EventCardMoved, CardID: "card1", ListName: "Done"})
	d.Wait()

	if got := s.Status(); got != StatusStopped {
		t.Errorf("status = %s, want %s", got, StatusStopped)
	}
	removed := ws.removedCards()
	if len(removed) != 1 || removed[0] != "card1" {
		t.Errorf("removed = %v, want [card1]", removed)
	}
}

func TestCardMovedElsewhereNoop(t *testing.T) {
	d, _, ws, _ := newTestDispatcher(Config{AgentName: "agent"}, nil)

	d.HandleEvent(context.Background(), board.Event{Type: board.EventCardMoved, CardID: "card1", ListName: "In Progress"})
	d.Wait()

	if len(ws.removedCards()) != 0 {
		t.Errorf("removed = %v, want none", ws.removedCards())
	}
}

func TestRuleTriggerRunsAutomationSession(t *testing.T) {
	engine := &rules.Engine{Rules: []rules.Rule{{
		Name:   "triage new cards",
		Events: []string{board.EventCardCreated},
		Action: "Triage this card and add labels.",
		Model:  "haiku",
	}}}
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, engine)

	d.HandleEvent(context.Background(), board.Event{Type: board.EventCardCreated, CardID: "card9"})
	d.Wait()

	if fe.callCount() != 1 {
		t.Fatalf("Execute calls = %d, want 1", fe.callCount())
	}
	spec := fe.call(0)
	if spec.Model != "claude-haiku-4-5-20251001" {
		t.Errorf("model = %q", spec.Model)
	}
	if !strings.Contains(spec.Prompt, "[Automation: triage new cards]") {
		t.Errorf("prompt missing automation marker")
	}
	if !strings.Contains(spec.Prompt, "@automation") {
		t.Errorf("prompt missing automation author")
	}
	if len(fc.reactionLog()) != 0 {
		t.Errorf("rule trigger has no comment, got reactions %v", fc.reactionLog())
	}
}

func TestDispatchScheduledRunsSession(t *testing.T) {
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)

	d.DispatchScheduled(context.Background(), "card12", "nightly report", "Summarize yesterday's cards.", "claude-haiku-4-5-20251001")
	d.Wait()

	if fe.callCount() != 1 {
		t.Fatalf("Execute calls = %d, want 1", fe.callCount())
	}
	spec := fe.call(0)
	if spec.Model != "claude-haiku-4-5-20251001" {
		t.Errorf("model = %q", spec.Model)
	}
	if !strings.Contains(spec.Prompt, "[Schedule: nightly report]") {
		t.Errorf("prompt missing schedule marker: %q", spec.Prompt)
	}
	if len(fc.reactionLog()) != 0 {
		t.Errorf("scheduled trigger has no comment, got reactions %v", fc.reactionLog())
	}
}

func TestRuleStopCancelsActiveSession(t *testing.T) {
	engine := &rules.Engine{Rules: []rules.Rule{{
		Name:   "halt on urgent",
		Events: []string{board.EventLabelAdded},
		Label:  "urgent",
		Action: rules.StopAction,
	}}}
	d, _, _, fe := newTestDispatcher(Config{AgentName: "agent"}, engine)
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	fe.handler = blockingHandler(started, release)

	ctx := context.Background()
	d.HandleEvent(ctx, mentionEvent("card1", "cm1", "@agent go", "alice"))
	waitStarted(t, started)
	s := d.Active()[0]

	d.HandleEvent(ctx, board.Event{Type: board.EventLabelAdded, CardID: "card1", LabelName: "Urgent"})
	d.Wait()

	if got := s.Status(); got != StatusStopped {
		t.Errorf("status = %s, want %s", got, StatusStopped)
	}
}

func TestExecutorFailureReportsOnCard(t *testing.T) {
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	fe.handler = func(context.Context, executor.Spec) (*executor.Result, error) {
		return nil, &executor.ExecError{Backend: "claude", Message: "exit status 1", Stderr: "boom"}
	}

	d.HandleEvent(context.Background(), mentionEvent("card1", "cm1", "@agent go", "alice"))
	d.Wait()

	got := fc.reactionLog()
	if len(got) != 2 || got[1] != "card1:cm1:"+stopEmoji {
		t.Fatalf("reactions = %v, want 🛑 last", got)
	}
	comments := fc.postedComments()
	if len(comments) != 1 {
		t.Fatalf("comments = %v, want one error report", comments)
	}
	if !strings.Contains(comments[0], "**Error**") || !strings.Contains(comments[0], "boom") {
		t.Errorf("error comment = %q", comments[0])
	}
	if !strings.Contains(comments[0], "@alice") {
		t.Errorf("error comment must mention the requester: %q", comments[0])
	}
}

func TestAuthFailureIncludesHint(t *testing.T) {
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	fe.handler = func(context.Context, executor.Spec) (*executor.Result, error) {
		return nil, &executor.AuthError{Backend: "claude", Reason: "not logged in", Hint: "Run: claude auth login"}
	}

	d.HandleEvent(context.Background(), mentionEvent("card1", "cm1", "@agent go", "alice"))
	d.Wait()

	comments := fc.postedComments()
	if len(comments) != 1 || !strings.Contains(comments[0], "claude auth login") {
		t.Fatalf("comments = %v, want remediation hint", comments)
	}
}

func TestRuleFailureTaggedWithRuleName(t *testing.T) {
	engine := &rules.Engine{Rules: []rules.Rule{{
		Name:   "triage new cards",
		Events: []string{board.EventCardCreated},
		Action: "Triage.",
	}}}
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, engine)
	fe.handler = func(context.Context, executor.Spec) (*executor.Result, error) {
		return nil, &executor.ExecError{Backend: "claude", Message: "exit status 1"}
	}

	d.HandleEvent(context.Background(), board.Event{Type: board.EventCardCreated, CardID: "card9"})
	d.Wait()

	comments := fc.postedComments()
	if len(comments) != 1 || !strings.Contains(comments[0], "**Automation Error** (triage new cards)") {
		t.Fatalf("comments = %v, want automation error tag", comments)
	}
}

func TestPanicConfinedToSession(t *testing.T) {
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent", MaxConcurrent: 1}, nil)
	fe.handler = func(context.Context, executor.Spec) (*executor.Result, error) {
		panic("executor blew up")
	}

	ctx := context.Background()
	d.HandleEvent(ctx, mentionEvent("card1", "cm1", "@agent go", "alice"))
	d.Wait()

	found := false
	for _, c := range fc.postedComments() {
		if strings.Contains(c, "executor blew up") {
			found = true
		}
	}
	if !found {
		t.Error("panic not reported on the card")
	}

	// The slot must be free again: a healthy follow-up session runs.
	fe.handler = nil
	d.HandleEvent(ctx, mentionEvent("card2", "cm2", "@agent go", "alice"))
	d.Wait()

	if fe.callCount() != 2 {
		t.Fatalf("Execute calls = %d, want 2 (slot leaked after panic?)", fe.callCount())
	}
	if len(d.Active()) != 0 {
		t.Error("registry entry leaked after panic")
	}
}

func TestResumeToPublishFallsBackToResultText(t *testing.T) {
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	fe.handler = func(_ context.Context, spec executor.Spec) (*executor.Result, error) {
		if spec.ResumeToken != "" {
			return &executor.Result{Text: "Benchmark improved 12%."}, nil
		}
		return &executor.Result{Text: "Benchmark improved 12%.", SessionID: "sess-1"}, nil
	}

	d.HandleEvent(context.Background(), mentionEvent("card1", "cm1", "@agent benchmark", "alice"))
	d.Wait()

	if fe.callCount() != 2 {
		t.Fatalf("Execute calls = %d, want 2 (run + resume)", fe.callCount())
	}
	if got := fe.call(1).ResumeToken; got != "sess-1" {
		t.Errorf("resume token = %q, want sess-1", got)
	}
	if !strings.Contains(fe.call(1).Prompt, "forgot to publish") {
		t.Errorf("resume prompt = %q", fe.call(1).Prompt)
	}

	comments := fc.postedComments()
	if len(comments) != 1 || !strings.Contains(comments[0], "Benchmark improved 12%.") {
		t.Fatalf("comments = %v, want fallback publication", comments)
	}
	if !strings.Contains(comments[0], "@alice") {
		t.Errorf("fallback comment must mention requester: %q", comments[0])
	}

	got := fc.reactionLog()
	if got[len(got)-1] != "card1:cm1:"+doneEmoji {
		t.Errorf("reactions = %v, want ✅ last", got)
	}
}

func TestRecentBotCommentSkipsResume(t *testing.T) {
	d, fc, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	fc.card = &board.Card{ID: "card1", Comments: []board.Comment{{
		Author:    board.Author{IsBot: true},
		CreatedAt: time.Now(),
	}}}
	fe.handler = func(context.Context, executor.Spec) (*executor.Result, error) {
		return &executor.Result{Text: "done", SessionID: "sess-1"}, nil
	}

	d.HandleEvent(context.Background(), mentionEvent("card1", "cm1", "@agent go", "alice"))
	d.Wait()

	if fe.callCount() != 1 {
		t.Fatalf("Execute calls = %d, want 1 (no resume needed)", fe.callCount())
	}
	if len(fc.postedComments()) != 0 {
		t.Errorf("comments = %v, want none", fc.postedComments())
	}
}

func TestMergeCommandHandsOffToMergeEngine(t *testing.T) {
	fc := &fakeClient{}
	ws := &fakeWorkspaces{}
	fe := &fakeExec{}
	fm := &fakeMerger{}
	d := New(Config{AgentName: "agent"}, fc, ws, fe, nil, nil, fm)

	d.HandleEvent(context.Background(), mentionEvent("card1", "cm1", "@agent merge", "alice"))
	d.Wait()

	fm.mu.Lock()
	calls := append([]string(nil), fm.calls...)
	fm.mu.Unlock()
	if len(calls) != 1 || calls[0] != "card1 /work/card-card1" {
		t.Fatalf("merge calls = %v", calls)
	}
	if fe.callCount() != 0 {
		t.Errorf("Execute calls = %d, want 0 for a merge handoff", fe.callCount())
	}
	if len(ws.provisioned) != 0 {
		t.Errorf("provisioned = %v, merge must reuse the existing worktree", ws.provisioned)
	}
	got := fc.reactionLog()
	if got[len(got)-1] != "card1:cm1:"+doneEmoji {
		t.Errorf("reactions = %v, want ✅ last", got)
	}
}

func TestMergeWithoutWorktreeSkipsProvision(t *testing.T) {
	fc := &fakeClient{}
	ws := &fakeWorkspaces{noExisting: true}
	fm := &fakeMerger{}
	d := New(Config{AgentName: "agent"}, fc, ws, &fakeExec{}, nil, nil, fm)

	d.HandleEvent(context.Background(), mentionEvent("card1", "cm1", "@agent merge", "alice"))
	d.Wait()

	fm.mu.Lock()
	calls := append([]string(nil), fm.calls...)
	fm.mu.Unlock()
	// The merge engine gets the empty path and reports the missing
	// workspace on the card itself.
	if len(calls) != 1 || calls[0] != "card1 " {
		t.Fatalf("merge calls = %v", calls)
	}
	if len(ws.provisioned) != 0 {
		t.Errorf("provisioned = %v, want none for a merge command", ws.provisioned)
	}
}

func TestIsMergeCommand(t *testing.T) {
	cases := []struct {
		command string
		want    bool
	}{
		{"merge", true},
		{"Merge this now", true},
		{"/merge", true},
		{"please merge", false},
		{"", false},
		{"fix the merge conflict docs", false},
	}
	for _, tc := range cases {
		if got := isMergeCommand(tc.command); got != tc.want {
			t.Errorf("isMergeCommand(%q) = %v, want %v", tc.command, got, tc.want)
		}
	}
}

type fakeStream struct {
	ch chan board.Event
}

func (f *fakeStream) Events() <-chan board.Event { return f.ch }

func TestRunConsumesStreamUntilClose(t *testing.T) {
	d, _, _, fe := newTestDispatcher(Config{AgentName: "agent"}, nil)
	st := &fakeStream{ch: make(chan board.Event, 1)}
	st.ch <- mentionEvent("card1", "cm1", "@agent go", "alice")
	close(st.ch)

	if err := d.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d.Wait()

	if fe.callCount() != 1 {
		t.Fatalf("Execute calls = %d, want 1", fe.callCount())
	}
}
