// Package executor runs coding-agent CLIs as subprocesses. A backend takes a
// prompt and a working directory, streams the CLI's NDJSON output, and
// returns the final result text plus run metrics. Two backends exist: claude
// and goose. Prompt construction and command extraction are shared.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Spec is one execution request.
type Spec struct {
	Prompt      string
	Workdir     string
	ResumeToken string // previous session to continue; empty starts fresh
	Model       string // full model ID or backend-specific spec; empty uses default
}

// Result is the outcome of a completed run. A run that produced a Result
// succeeded; failures come back as errors.
type Result struct {
	Text       string  // final result text from the agent
	CostUSD    float64 // zero when the backend doesn't report cost
	DurationMS int64
	SessionID  string // resume token for a follow-up run
}

// AuthStatus describes whether a backend's CLI is ready to run.
type AuthStatus struct {
	Authenticated bool
	Email         string
	Method        string // e.g. "claude.ai", "goose/anthropic"
	Subscription  string
	Error         string
	Hint          string // remediation for the operator
}

// Executor is the backend contract. Implementations must be safe for
// concurrent Execute calls; each call spawns its own subprocess.
type Executor interface {
	// Name identifies the backend ("claude", "goose").
	Name() string
	// CheckAuth verifies the CLI is installed and authenticated. A failed
	// check returns a status with Error/Hint set, not a Go error; errors
	// mean the check itself could not run.
	CheckAuth(ctx context.Context) AuthStatus
	// Execute runs the agent to completion. A failed auth check
	// short-circuits the run with *AuthError. Returns *TimeoutError when
	// the run exceeds its budget, *ExecError when the CLI fails.
	Execute(ctx context.Context, spec Spec) (*Result, error)
}

// TimeoutError reports a run killed for exceeding its time budget.
type TimeoutError struct {
	Backend string
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s execution timed out after %s", e.Backend, e.Limit)
}

// AuthError reports a run refused because the backend is not authenticated.
type AuthError struct {
	Backend string
	Reason  string
	Hint    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s not authenticated: %s", e.Backend, e.Reason)
}

// ExecError reports a CLI that exited nonzero or emitted an error message.
type ExecError struct {
	Backend string
	Message string
	Stderr  string
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed: %s: %s", e.Backend, e.Message, e.Stderr)
	}
	return fmt.Sprintf("%s failed: %s", e.Backend, e.Message)
}

// BuildPrompt assembles the agent prompt from card context and the user's
// request. Commands starting with "/" lead the prompt so the CLI treats them
// as skill invocations; free-form requests get the card as context.
func BuildPrompt(cardID, cardMarkdown, command, commentContent, authorName string) string {
	instructions := fmt.Sprintf(`
## IMPORTANT: How to Respond

When you complete this task, you MUST post your response as a comment on the card.
Use the `+"`mcp__kardbrd__add_comment`"+` tool with:
- card_id: %q
- content: Your response (markdown supported)

End your comment by mentioning the requester: @%s

DO NOT just output text - you must use the add_comment tool to post your response.
`, cardID, authorName)

	if strings.HasPrefix(command, "/") {
		return fmt.Sprintf(`%s

---

## Context

**Card ID:** %s
**Triggered by:** @%s
**Comment:** %s

## Card Content

%s
%s`, command, cardID, authorName, commentContent, cardMarkdown, instructions)
	}

	return fmt.Sprintf(`## Task Request

%s

---

## Card Context

**Card ID:** %s

%s

---

**Requested by:** @%s

Please complete this request.
%s`, commentContent, cardID, cardMarkdown, authorName, instructions)
}

// ExtractCommand strips the mention keyword from a comment and returns the
// remainder. A comment that is only the mention, or doesn't contain it at
// all, comes back whole.
func ExtractCommand(commentContent, mentionKeyword string) string {
	idx := strings.Index(strings.ToLower(commentContent), strings.ToLower(mentionKeyword))
	if idx == -1 {
		return strings.TrimSpace(commentContent)
	}
	after := strings.TrimSpace(commentContent[idx+len(mentionKeyword):])
	if after == "" {
		return strings.TrimSpace(commentContent)
	}
	return after
}
