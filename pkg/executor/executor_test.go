package executor //nolint:testpackage // internal test needs access to unexported parsers

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

type cmdCall struct {
	Dir   string
	Env   []string
	Stdin string
	Name  string
	Args  []string
}

type cmdResult struct {
	Stdout string
	Stderr string
	Err    error
	Block  bool // wait for ctx cancellation instead of returning
}

// fakeCommander records calls and returns queued results in order. A result
// with Block set waits for ctx cancellation and returns ctx.Err().
type fakeCommander struct {
	mu      sync.Mutex
	calls   []cmdCall
	results []cmdResult
}

func (f *fakeCommander) Run(ctx context.Context, dir string, env []string, stdin, name string, args ...string) (string, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmdCall{Dir: dir, Env: env, Stdin: stdin, Name: name, Args: args})
	var res cmdResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if res.Block {
		<-ctx.Done()
		return "", "", ctx.Err()
	}
	return res.Stdout, res.Stderr, res.Err
}

func (f *fakeCommander) lastCall(t *testing.T) cmdCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no commands were run")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeCommander) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// claudeAuthOK is the auth handshake every Execute performs before spawning
// the agent CLI.
var claudeAuthOK = cmdResult{Stdout: `{"logged_in":true,"email":"bot@example.com"}`}

// gooseAuthOK satisfies the `goose version` step of the auth handshake.
var gooseAuthOK = cmdResult{Stdout: "goose 1.0"}

// newTestGoose builds a Goose backend whose env reports a local provider, so
// the pre-run auth check passes without real credentials.
func newTestGoose(timeout time.Duration, apiURL, token string, cmd Commander) *Goose {
	g := NewGoose(timeout, apiURL, token, cmd)
	g.env = func(k string) string {
		if k == "GOOSE_PROVIDER" {
			return "ollama"
		}
		return ""
	}
	return g
}

func hasArgPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestBuildPromptSkillCommand(t *testing.T) {
	p := BuildPrompt("card_1", "# My Card", "/kp", "@coder /kp", "alice")

	if !strings.HasPrefix(p, "/kp\n") {
		t.Errorf("skill command should lead the prompt, got %q", p[:20])
	}
	for _, want := range []string{"card_1", "# My Card", "@alice", "mcp__kardbrd__add_comment"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildPromptFreeForm(t *testing.T) {
	p := BuildPrompt("card_1", "# My Card", "fix the login bug", "@coder fix the login bug", "bob")

	if !strings.HasPrefix(p, "## Task Request") {
		t.Errorf("free-form prompt should open with the request, got %q", p[:30])
	}
	if !strings.Contains(p, "fix the login bug") || !strings.Contains(p, "@bob") {
		t.Error("prompt missing request or requester")
	}
}

func TestExtractCommand(t *testing.T) {
	tests := []struct {
		comment, mention, want string
	}{
		{"@coder /kp", "@coder", "/kp"},
		{"@CODER fix the login bug", "@coder", "fix the login bug"},
		{"please @coder look at this", "@coder", "look at this"},
		{"no mention here", "@coder", "no mention here"},
		{"@coder", "@coder", "@coder"}, // bare mention returns whole comment
	}
	for _, tt := range tests {
		if got := ExtractCommand(tt.comment, tt.mention); got != tt.want {
			t.Errorf("ExtractCommand(%q) = %q, want %q", tt.comment, got, tt.want)
		}
	}
}

func TestClaudeExecuteParsesResult(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":"thinking"}`,
		`not json, debug noise`,
		`{"type":"result","result":"All done.","cost_usd":0.05,"duration_ms":4200,"session_id":"sess-42"}`,
	}, "\n")
	cmd := &fakeCommander{results: []cmdResult{claudeAuthOK, {Stdout: stream}}}
	c := NewClaude(time.Minute, "", "", cmd)

	res, err := c.Execute(context.Background(), Spec{Prompt: "do it", Workdir: "/tmp/wt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Text != "All done." || res.CostUSD != 0.05 || res.DurationMS != 4200 || res.SessionID != "sess-42" {
		t.Errorf("result = %+v", res)
	}

	call := cmd.lastCall(t)
	if call.Name != "claude" || call.Dir != "/tmp/wt" {
		t.Errorf("spawned %s in %s", call.Name, call.Dir)
	}
	for _, want := range []string{"--output-format=stream-json", "--verbose", "--dangerously-skip-permissions"} {
		found := false
		for _, a := range call.Args {
			if a == want {
				found = true
			}
		}
		if !found {
			t.Errorf("args missing %s: %v", want, call.Args)
		}
	}
	if !hasArgPair(call.Args, "-p", "do it") {
		t.Errorf("args missing prompt: %v", call.Args)
	}
}

func TestClaudeExecuteResumeAndModel(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{claudeAuthOK, {Stdout: `{"type":"result","result":"ok"}`}}}
	c := NewClaude(time.Minute, "", "", cmd)

	_, err := c.Execute(context.Background(), Spec{
		Prompt:      "continue",
		ResumeToken: "sess-42",
		Model:       "claude-opus-4-6",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	call := cmd.lastCall(t)
	if !hasArgPair(call.Args, "--resume", "sess-42") {
		t.Errorf("args missing resume: %v", call.Args)
	}
	if !hasArgPair(call.Args, "--model", "claude-opus-4-6") {
		t.Errorf("args missing model: %v", call.Args)
	}
}

func TestClaudeExecuteMCPConfig(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{claudeAuthOK, {Stdout: `{"type":"result","result":"ok"}`}}}
	c := NewClaude(time.Minute, "https://kardbrd.example", "tok", cmd)

	if _, err := c.Execute(context.Background(), Spec{Prompt: "go"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	call := cmd.lastCall(t)
	var hasConfig bool
	for i, a := range call.Args {
		if a == "--mcp-config" && i+1 < len(call.Args) && strings.HasSuffix(call.Args[i+1], ".json") {
			hasConfig = true
		}
	}
	if !hasConfig {
		t.Errorf("args missing --mcp-config: %v", call.Args)
	}
}

func TestClaudeExecuteTimeout(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{claudeAuthOK, {Block: true}}}
	c := NewClaude(10*time.Millisecond, "", "", cmd)

	_, err := c.Execute(context.Background(), Spec{Prompt: "slow"})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.Backend != "claude" {
		t.Errorf("Backend = %q", te.Backend)
	}
}

func TestClaudeExecuteStreamError(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{claudeAuthOK, {
		Stdout: `{"type":"error","error":{"message":"rate limited"}}`,
	}}}
	c := NewClaude(time.Minute, "", "", cmd)

	_, err := c.Execute(context.Background(), Spec{Prompt: "go"})
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *ExecError", err)
	}
	if !strings.Contains(ee.Message, "rate limited") {
		t.Errorf("Message = %q", ee.Message)
	}
}

func TestClaudeExecuteNonzeroExit(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{claudeAuthOK, {
		Stderr: "boom",
		Err:    fmt.Errorf("exit status 1"),
	}}}
	c := NewClaude(time.Minute, "", "", cmd)

	_, err := c.Execute(context.Background(), Spec{Prompt: "go"})
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *ExecError", err)
	}
	if ee.Stderr != "boom" {
		t.Errorf("Stderr = %q", ee.Stderr)
	}
}

func TestClaudeExecuteMissingBinary(t *testing.T) {
	// The binary vanishing after a passing auth check still surfaces as a
	// not-found ExecError from the run itself.
	cmd := &fakeCommander{results: []cmdResult{claudeAuthOK, {Err: exec.ErrNotFound}}}
	c := NewClaude(time.Minute, "", "", cmd)

	_, err := c.Execute(context.Background(), Spec{Prompt: "go"})
	var ee *ExecError
	if !errors.As(err, &ee) || !strings.Contains(ee.Message, "not found") {
		t.Fatalf("err = %v, want not-found ExecError", err)
	}
}

func TestClaudeExecuteRefusesWhenLoggedOut(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{{Stdout: `{"logged_in":false}`}}}
	c := NewClaude(time.Minute, "", "", cmd)

	_, err := c.Execute(context.Background(), Spec{Prompt: "go"})
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if ae.Backend != "claude" || !strings.Contains(ae.Hint, "claude auth login") {
		t.Errorf("AuthError = %+v", ae)
	}
	if n := cmd.callCount(); n != 1 {
		t.Errorf("ran %d commands, want only the auth check", n)
	}
	if call := cmd.lastCall(t); call.Args[0] != "auth" {
		t.Errorf("unexpected command: claude %v", call.Args)
	}
}

func TestGooseExecuteRefusesWithoutProvider(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{gooseAuthOK}}
	g := NewGoose(time.Minute, "", "", cmd)
	g.env = func(string) string { return "" }

	_, err := g.Execute(context.Background(), Spec{Prompt: "go"})
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if ae.Backend != "goose" || !strings.Contains(ae.Reason, "GOOSE_PROVIDER") {
		t.Errorf("AuthError = %+v", ae)
	}
	if n := cmd.callCount(); n != 1 {
		t.Errorf("ran %d commands, want only the version check", n)
	}
}

func TestClaudeCheckAuth(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{{
		Stdout: `{"logged_in":true,"email":"user@example.com","auth_method":"claude.ai","subscription_type":"max"}`,
	}}}
	c := NewClaude(0, "", "", cmd)

	st := c.CheckAuth(context.Background())
	if !st.Authenticated || st.Email != "user@example.com" || st.Subscription != "max" {
		t.Errorf("status = %+v", st)
	}
}

func TestClaudeCheckAuthNotLoggedIn(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{{Stdout: `{"logged_in":false}`}}}
	c := NewClaude(0, "", "", cmd)

	st := c.CheckAuth(context.Background())
	if st.Authenticated || !strings.Contains(st.Error, "not logged in") {
		t.Errorf("status = %+v", st)
	}
}

func TestGooseExecuteAggregatesChunks(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"AgentMessageChunk","content":"Hello "}`,
		`{"type":"ToolCall","name":"shell"}`,
		`{"type":"AgentMessageChunk","content":"world."}`,
	}, "\n")
	cmd := &fakeCommander{results: []cmdResult{gooseAuthOK, {Stdout: stream}}}
	g := newTestGoose(time.Minute, "", "", cmd)

	res, err := g.Execute(context.Background(), Spec{Prompt: "greet", Workdir: "/tmp/wt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Text != "Hello world." {
		t.Errorf("Text = %q", res.Text)
	}

	call := cmd.lastCall(t)
	if call.Name != "goose" || call.Stdin != "greet" {
		t.Errorf("spawned %s with stdin %q", call.Name, call.Stdin)
	}
	var hasNoSession, hasMode bool
	for _, a := range call.Args {
		if a == "--no-session" {
			hasNoSession = true
		}
	}
	for _, e := range call.Env {
		if e == "GOOSE_MODE=auto" {
			hasMode = true
		}
	}
	if !hasNoSession || !hasMode {
		t.Errorf("args = %v, env missing GOOSE_MODE", call.Args)
	}
}

func TestGooseExecuteResumeReplacesNoSession(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{gooseAuthOK, {Stdout: `{"type":"AgentMessageChunk","content":"ok"}`}}}
	g := newTestGoose(time.Minute, "", "", cmd)

	if _, err := g.Execute(context.Background(), Spec{Prompt: "go", ResumeToken: "card-abc"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	call := cmd.lastCall(t)
	for _, a := range call.Args {
		if a == "--no-session" {
			t.Errorf("resume run should drop --no-session: %v", call.Args)
		}
	}
	if !hasArgPair(call.Args, "-n", "card-abc") {
		t.Errorf("args missing resume session name: %v", call.Args)
	}
}

func TestGooseTokenGoesToEnvNotArgs(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{gooseAuthOK, {Stdout: `{"type":"AgentMessageChunk","content":"ok"}`}}}
	g := newTestGoose(time.Minute, "https://kardbrd.example", "sekret", cmd)

	if _, err := g.Execute(context.Background(), Spec{Prompt: "go"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	call := cmd.lastCall(t)
	for _, a := range call.Args {
		if strings.Contains(a, "sekret") {
			t.Errorf("token leaked into args: %v", call.Args)
		}
	}
	var inEnv bool
	for _, e := range call.Env {
		if e == "KARDBRD_TOKEN=sekret" {
			inEnv = true
		}
	}
	if !inEnv {
		t.Error("token missing from env")
	}
}

func TestResolveGooseModel(t *testing.T) {
	if p, m := resolveGooseModel("opus"); p != "" || m != "claude-opus-4-6" {
		t.Errorf("opus = %q/%q", p, m)
	}
	if p, m := resolveGooseModel("anthropic/claude-3-7"); p != "anthropic" || m != "claude-3-7" {
		t.Errorf("provider/model = %q/%q", p, m)
	}
	if p, m := resolveGooseModel("gpt-4o"); p != "" || m != "gpt-4o" {
		t.Errorf("passthrough = %q/%q", p, m)
	}
	if p, m := resolveGooseModel(""); p != "" || m != "" {
		t.Errorf("empty = %q/%q", p, m)
	}
}

func TestGooseCheckAuth(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantAuth bool
		wantErr  string
	}{
		{
			name:    "no provider",
			env:     map[string]string{},
			wantErr: "GOOSE_PROVIDER",
		},
		{
			name:     "local provider needs no key",
			env:      map[string]string{"GOOSE_PROVIDER": "ollama"},
			wantAuth: true,
		},
		{
			name:    "provider without key",
			env:     map[string]string{"GOOSE_PROVIDER": "anthropic"},
			wantErr: "ANTHROPIC_API_KEY",
		},
		{
			name:     "provider with key",
			env:      map[string]string{"GOOSE_PROVIDER": "anthropic", "ANTHROPIC_API_KEY": "sk-x"},
			wantAuth: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &fakeCommander{results: []cmdResult{{Stdout: "goose 1.0"}}}
			g := NewGoose(0, "", "", cmd)
			g.env = func(k string) string { return tt.env[k] }

			st := g.CheckAuth(context.Background())
			if st.Authenticated != tt.wantAuth {
				t.Fatalf("Authenticated = %v, status %+v", st.Authenticated, st)
			}
			if tt.wantErr != "" && !strings.Contains(st.Error, tt.wantErr) {
				t.Errorf("Error = %q, want mention of %s", st.Error, tt.wantErr)
			}
		})
	}
}

func TestGooseCheckAuthMissingBinary(t *testing.T) {
	cmd := &fakeCommander{results: []cmdResult{{Err: exec.ErrNotFound}}}
	g := NewGoose(0, "", "", cmd)

	st := g.CheckAuth(context.Background())
	if st.Authenticated || !strings.Contains(st.Error, "not found") {
		t.Errorf("status = %+v", st)
	}
}
