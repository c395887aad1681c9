package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single agent run.
const DefaultTimeout = time.Hour

// Claude executes the claude CLI in print mode with stream-json output.
type Claude struct {
	Timeout  time.Duration // zero means DefaultTimeout
	APIURL   string        // kardbrd API base URL for the MCP server; empty disables MCP
	BotToken string

	cmd Commander
}

// NewClaude returns a Claude backend. cmd may be nil for the production
// ExecCommander.
func NewClaude(timeout time.Duration, apiURL, botToken string, cmd Commander) *Claude {
	if cmd == nil {
		cmd = &ExecCommander{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Claude{Timeout: timeout, APIURL: apiURL, BotToken: botToken, cmd: cmd}
}

// Name identifies the backend.
func (c *Claude) Name() string { return "claude" }

// CheckAuth runs `claude auth status` and parses its JSON output.
func (c *Claude) CheckAuth(ctx context.Context) AuthStatus {
	stdout, stderr, err := c.cmd.Run(ctx, "", nil, "", "claude", "auth", "status", "--json")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return AuthStatus{
				Error: "claude CLI not found",
				Hint:  "Install it with: npm install -g @anthropic-ai/claude-code",
			}
		}
		return AuthStatus{
			Error: fmt.Sprintf("claude auth status failed: %v: %s", err, strings.TrimSpace(stderr)),
			Hint:  "Run `claude auth login`",
		}
	}

	var status struct {
		LoggedIn     bool   `json:"logged_in"`
		Email        string `json:"email"`
		AuthMethod   string `json:"auth_method"`
		Subscription string `json:"subscription_type"`
	}
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		return AuthStatus{Error: fmt.Sprintf("parse auth status output: %v", err)}
	}
	if !status.LoggedIn {
		return AuthStatus{Error: "claude CLI is not logged in", Hint: "Run `claude auth login`"}
	}
	return AuthStatus{
		Authenticated: true,
		Email:         status.Email,
		Method:        status.AuthMethod,
		Subscription:  status.Subscription,
	}
}

// Execute spawns `claude -p` and parses the stream-json output for the final
// result message.
func (c *Claude) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if status := c.CheckAuth(ctx); !status.Authenticated {
		return nil, &AuthError{Backend: "claude", Reason: status.Error, Hint: status.Hint}
	}

	args := []string{
		"-p", spec.Prompt,
		"--output-format=stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.ResumeToken != "" {
		args = append(args, "--resume", spec.ResumeToken)
	}

	if c.APIURL != "" && c.BotToken != "" {
		path, err := writeMCPConfig(c.APIURL, c.BotToken)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path) //nolint:errcheck // temp file
		args = append(args, "--mcp-config", path)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	stdout, stderr, err := c.cmd.Run(runCtx, spec.Workdir, nil, "", "claude", args...)
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, &TimeoutError{Backend: "claude", Limit: c.Timeout}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, &ExecError{
			Backend: "claude",
			Message: "CLI not found; install it with: npm install -g @anthropic-ai/claude-code",
		}
	}

	return parseClaudeStream(stdout, stderr, err)
}

// parseClaudeStream walks the newline-delimited JSON output looking for the
// final "result" message. Non-JSON lines are debug noise and skipped.
func parseClaudeStream(stdout, stderr string, runErr error) (*Result, error) {
	res := &Result{}
	var sawResult bool
	var streamErr string

	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		var msg struct {
			Type       string  `json:"type"`
			Result     string  `json:"result"`
			CostUSD    float64 `json:"cost_usd"`
			DurationMS int64   `json:"duration_ms"`
			SessionID  string  `json:"session_id"`
			Error      struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal([]byte(line), &msg) != nil {
			continue
		}
		switch msg.Type {
		case "result":
			sawResult = true
			res.Text = msg.Result
			res.CostUSD = msg.CostUSD
			res.DurationMS = msg.DurationMS
			res.SessionID = msg.SessionID
		case "error":
			streamErr = msg.Error.Message
			if streamErr == "" {
				streamErr = "unknown error"
			}
		}
	}

	if streamErr != "" {
		return nil, &ExecError{Backend: "claude", Message: streamErr}
	}
	if runErr != nil {
		return nil, &ExecError{
			Backend: "claude",
			Message: fmt.Sprintf("exited with error: %v", runErr),
			Stderr:  truncate(stderr, 500),
		}
	}
	if !sawResult {
		return nil, &ExecError{Backend: "claude", Message: "no result message in output"}
	}
	return res, nil
}

// writeMCPConfig drops a temp MCP config that tells the CLI to spawn the
// agent's own `mcp` subcommand as a stdio server with the bot's credentials.
func writeMCPConfig(apiURL, botToken string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate agent binary: %w", err)
	}
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"kardbrd": map[string]any{
				"command": exe,
				"args":    []string{"mcp", "--api-url", apiURL, "--token", botToken},
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal mcp config: %w", err)
	}

	f, err := os.CreateTemp("", "mcp-config-*.json")
	if err != nil {
		return "", fmt.Errorf("create mcp config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close mcp config: %w", err)
	}
	return f.Name(), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
