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

	"kardagent/pkg/rules"
)

// gooseInstallHint is the remediation shown when the goose binary is missing.
const gooseInstallHint = "Install: curl -fsSL https://github.com/block/goose/releases/latest/download/install.sh | sh"

// ProviderKeyMap maps LLM provider names to their expected API key env vars.
var ProviderKeyMap = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"groq":       "GROQ_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"databricks": "DATABRICKS_TOKEN",
}

// LocalProviders run locally and need no API key.
var LocalProviders = map[string]bool{"ollama": true}

// Goose executes the goose CLI with stream-json output. Prompts go over
// stdin to stay clear of ARG_MAX.
type Goose struct {
	Timeout  time.Duration
	APIURL   string
	BotToken string

	cmd Commander
	env func(string) string // injectable os.Getenv for tests
}

// NewGoose returns a Goose backend. cmd may be nil for the production
// ExecCommander.
func NewGoose(timeout time.Duration, apiURL, botToken string, cmd Commander) *Goose {
	if cmd == nil {
		cmd = &ExecCommander{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Goose{Timeout: timeout, APIURL: apiURL, BotToken: botToken, cmd: cmd, env: os.Getenv}
}

// Name identifies the backend.
func (g *Goose) Name() string { return "goose" }

// CheckAuth verifies the goose binary exists, GOOSE_PROVIDER is set, and the
// provider's API key is present (local providers excepted).
func (g *Goose) CheckAuth(ctx context.Context) AuthStatus {
	_, stderr, err := g.cmd.Run(ctx, "", nil, "", "goose", "version")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return AuthStatus{Error: "goose CLI not found", Hint: gooseInstallHint}
		}
		return AuthStatus{
			Error: fmt.Sprintf("goose version failed: %v: %s", err, strings.TrimSpace(stderr)),
			Hint:  gooseInstallHint,
		}
	}

	provider := g.env("GOOSE_PROVIDER")
	if provider == "" {
		return AuthStatus{
			Error: "GOOSE_PROVIDER env var not set",
			Hint:  "Set GOOSE_PROVIDER to your LLM provider (anthropic, openai, ollama, ...). Run `goose configure` for interactive setup.",
		}
	}

	lower := strings.ToLower(provider)
	if LocalProviders[lower] {
		return AuthStatus{Authenticated: true, Method: "goose/" + provider}
	}

	if key := ProviderKeyMap[lower]; key != "" && g.env(key) == "" {
		return AuthStatus{
			Error: fmt.Sprintf("%s not set for provider %s", key, provider),
			Hint:  fmt.Sprintf("Set %s env var, or run `goose configure` to store credentials.", key),
		}
	}

	return AuthStatus{Authenticated: true, Method: "goose/" + provider}
}

// Execute spawns `goose run` with the prompt on stdin and aggregates streamed
// agent message chunks into the result text.
func (g *Goose) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if status := g.CheckAuth(ctx); !status.Authenticated {
		return nil, &AuthError{Backend: "goose", Reason: status.Error, Hint: status.Hint}
	}

	args := []string{"run", "-t", "-", "--output-format", "stream-json"}
	if spec.ResumeToken != "" {
		args = append(args, "-r", "-n", spec.ResumeToken)
	} else {
		args = append(args, "--no-session")
	}

	provider, model := resolveGooseModel(spec.Model)
	if provider != "" {
		args = append(args, "--provider", provider)
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	env := append(os.Environ(),
		"GOOSE_MODE=auto",
		"GOOSE_DISABLE_SESSION_NAMING=true",
	)
	if g.APIURL != "" && g.BotToken != "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate agent binary: %w", err)
		}
		args = append(args, "--with-extension", exe+" mcp --api-url "+g.APIURL)
		// Token rides an env var so it never shows up in ps output.
		env = append(env, "KARDBRD_TOKEN="+g.BotToken)
	}

	runCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := g.cmd.Run(runCtx, spec.Workdir, env, spec.Prompt, "goose", args...)
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, &TimeoutError{Backend: "goose", Limit: g.Timeout}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, &ExecError{Backend: "goose", Message: "CLI not found; " + gooseInstallHint}
	}

	res, perr := parseGooseStream(stdout, stderr, err)
	if perr != nil {
		return nil, perr
	}
	res.DurationMS = time.Since(start).Milliseconds()
	res.SessionID = spec.ResumeToken
	return res, nil
}

// parseGooseStream aggregates AgentMessageChunk content. Goose reports
// neither cost nor a session ID in its stream.
func parseGooseStream(stdout, stderr string, runErr error) (*Result, error) {
	var text strings.Builder
	var streamErr string

	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		var msg struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal([]byte(line), &msg) != nil {
			continue
		}
		switch msg.Type {
		case "AgentMessageChunk":
			text.WriteString(msg.Content)
		case "error":
			streamErr = msg.Message
			if streamErr == "" {
				streamErr = msg.Error
			}
			if streamErr == "" {
				streamErr = "unknown error"
			}
		}
	}

	if streamErr != "" {
		return nil, &ExecError{Backend: "goose", Message: streamErr}
	}
	if runErr != nil {
		return nil, &ExecError{
			Backend: "goose",
			Message: fmt.Sprintf("exited with error: %v", runErr),
			Stderr:  truncate(stderr, 500),
		}
	}
	return &Result{Text: strings.TrimSpace(text.String())}, nil
}

// resolveGooseModel turns a model spec into goose provider/model flags.
// Short names resolve through the shared model map; "provider/model" splits;
// anything else passes through as a bare model name.
func resolveGooseModel(spec string) (provider, model string) {
	if spec == "" {
		return "", ""
	}
	if id, ok := rules.ModelMap[strings.ToLower(spec)]; ok {
		return "", id
	}
	if i := strings.Index(spec, "/"); i > 0 {
		return spec[:i], spec[i+1:]
	}
	return "", spec
}
