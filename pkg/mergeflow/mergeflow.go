// Package mergeflow drives the automated merge of a card's worktree branch
// into the target branch: commit leftovers, rebase, test, squash-merge,
// clean up. Deterministic git operations run directly; conflict resolution,
// test fixing, and commit authoring are delegated to the agent executor and
// then verified against actual repository state. Delegated phases are bounded
// by a retry cap; exhaustion leaves the worktree in place for manual triage.
package mergeflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"kardagent/pkg/board"
	"kardagent/pkg/eventlog"
	"kardagent/pkg/executor"
	"kardagent/pkg/workspace"
)

// Phase is one step of the merge state machine.
type Phase string

// Phases in traversal order. ResolveConflicts and FixLoop are entered once
// per delegated attempt.
const (
	PhaseStart            Phase = "start"
	PhaseCommitLocal      Phase = "commit_local"
	PhaseFetchRemote      Phase = "fetch_remote"
	PhaseRebase           Phase = "rebase"
	PhaseResolveConflicts Phase = "resolve_conflicts"
	PhaseRunTests         Phase = "run_tests"
	PhaseFixLoop          Phase = "fix_loop"
	PhaseSquashMerge      Phase = "squash_merge"
	PhaseCleanup          Phase = "cleanup"
	PhaseDone             Phase = "done"
)

// Outcome is a merge attempt's terminal state.
type Outcome string

// Terminal outcomes. Only OutcomeMerged and OutcomeStale clean up the
// worktree; everything else retains it for inspection.
const (
	OutcomeMerged      Outcome = "merged"
	OutcomeStale       Outcome = "stale"
	OutcomeConflict    Outcome = "conflict"
	OutcomeTestsFailed Outcome = "tests_failed"
	OutcomeUncommitted Outcome = "uncommitted"
	OutcomeNoWorkspace Outcome = "no_workspace"
	OutcomeFailed      Outcome = "failed"
)

// DefaultMaxDelegatedAttempts bounds each delegated retry loop.
const DefaultMaxDelegatedAttempts = 3

// UnresolvedError marks a merge attempt that exhausted its delegated retries
// or found state the machine cannot reconcile. The worktree is retained.
type UnresolvedError struct {
	Outcome Outcome
	Detail  string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("merge unresolved (%s): %s", e.Outcome, e.Detail)
}

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// TestRunner executes the configured test command and returns its combined
// output. A non-nil error means the tests failed.
type TestRunner interface {
	RunTests(ctx context.Context, dir, command string) (output string, err error)
}

// Config holds one merge attempt's fixed parameters.
type Config struct {
	CardID        string
	CardTitle     string // fetched from the board when empty
	WorkspacePath string
	BaseRepo      string
	Branch        string // default card/<short id>
	TargetBranch  string // default "main"
	TestCommand   string // default "make test"
	// MaxDelegatedAttempts caps each agent-assisted retry loop.
	MaxDelegatedAttempts int
	// BaseLock serializes operations that move HEAD or touch the index in
	// the base repo. Concurrent sessions share one lock with the workspace
	// manager; nil disables locking.
	BaseLock sync.Locker
}

// Report is the attempt's result, also posted to the card as a comment.
type Report struct {
	Outcome       Outcome
	Phases        []Phase
	CommitCount   int
	FinalCommit   string
	ConflictFiles []string
	TestOutput    string
	Detail        string
}

type commitInfo struct {
	hash    string
	subject string
}

// Engine executes one merge attempt. Engines are single-use; create a new one
// per attempt.
type Engine struct {
	cfg    Config
	client board.Client
	exec   executor.Executor
	git    GitRunner
	tests  TestRunner
	log    *eventlog.Logger

	phases  []Phase
	commits []commitInfo
}

// New creates an Engine for one merge attempt. logger may be nil.
func New(cfg Config, client board.Client, exec executor.Executor, git GitRunner, tests TestRunner, logger *eventlog.Logger) *Engine {
	if cfg.TargetBranch == "" {
		cfg.TargetBranch = "main"
	}
	if cfg.TestCommand == "" {
		cfg.TestCommand = "make test"
	}
	if cfg.MaxDelegatedAttempts <= 0 {
		cfg.MaxDelegatedAttempts = DefaultMaxDelegatedAttempts
	}
	if cfg.Branch == "" {
		cfg.Branch = "card/" + workspace.ShortID(cfg.CardID)
	}
	if cfg.BaseLock == nil {
		cfg.BaseLock = noLock{}
	}
	return &Engine{cfg: cfg, client: client, exec: exec, git: git, tests: tests, log: logger}
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// Run drives the attempt to a terminal state and posts the outcome to the
// card. The returned Report is complete even when err is non-nil.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}
	err := e.run(ctx, rep)
	rep.Phases = e.phases

	e.postReport(ctx, rep)
	if e.log != nil {
		_ = e.log.Log(ctx, "merge_"+string(rep.Outcome), "mergeflow", e.cfg.CardID, "", rep.Detail)
	}
	return rep, err
}

func (e *Engine) run(ctx context.Context, rep *Report) error {
	e.enter(PhaseStart)

	if e.cfg.CardTitle == "" {
		if card, err := e.client.GetCard(ctx, e.cfg.CardID); err == nil {
			e.cfg.CardTitle = card.Title
		}
	}

	if _, err := os.Stat(e.cfg.WorkspacePath); err != nil {
		rep.Outcome = OutcomeNoWorkspace
		return nil
	}

	e.enter(PhaseCommitLocal)
	if err := e.commitLocal(ctx); err != nil {
		rep.Outcome = OutcomeUncommitted
		rep.Detail = err.Error()
		return err
	}

	e.enter(PhaseFetchRemote)
	if err := e.fetchAndUpdateTarget(ctx); err != nil {
		rep.Outcome = OutcomeFailed
		rep.Detail = err.Error()
		return err
	}

	e.enter(PhaseRebase)
	if err := e.rebaseWithResolution(ctx, rep); err != nil {
		rep.Outcome = OutcomeConflict
		rep.Detail = err.Error()
		return err
	}

	count, err := e.countCommits(ctx)
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Detail = err.Error()
		return err
	}
	rep.CommitCount = count
	if count == 0 {
		// Nothing ahead of the target: the work was already merged.
		e.enter(PhaseCleanup)
		e.cleanup(ctx)
		e.enter(PhaseDone)
		rep.Outcome = OutcomeStale
		return nil
	}

	e.enter(PhaseRunTests)
	if err := e.testWithFixes(ctx, rep); err != nil {
		rep.Outcome = OutcomeTestsFailed
		rep.Detail = err.Error()
		return err
	}

	e.enter(PhaseSquashMerge)
	if err := e.squashMerge(ctx, rep); err != nil {
		rep.Outcome = OutcomeFailed
		rep.Detail = err.Error()
		return err
	}

	e.enter(PhaseCleanup)
	e.cleanup(ctx)
	e.enter(PhaseDone)
	rep.Outcome = OutcomeMerged
	return nil
}

func (e *Engine) enter(p Phase) {
	e.phases = append(e.phases, p)
}

// commitLocal commits uncommitted changes via the agent. A clean tree is a
// no-op; an agent run that leaves the tree dirty is unresolved.
func (e *Engine) commitLocal(ctx context.Context) error {
	dirty, err := e.hasUncommitted(ctx)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	if err := e.delegate(ctx, commitLocalPrompt(e.cfg.CardID, e.cfg.WorkspacePath), e.cfg.WorkspacePath); err != nil {
		return &UnresolvedError{Outcome: OutcomeUncommitted, Detail: err.Error()}
	}
	dirty, err = e.hasUncommitted(ctx)
	if err != nil {
		return err
	}
	if dirty {
		return &UnresolvedError{Outcome: OutcomeUncommitted, Detail: "working tree still dirty after delegated commit"}
	}
	return nil
}

func (e *Engine) hasUncommitted(ctx context.Context) (bool, error) {
	out, stderr, err := e.git.Run(ctx, e.cfg.WorkspacePath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status in %s: %w: %s", e.cfg.WorkspacePath, err, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(out) != "", nil
}

// fetchAndUpdateTarget fetches origin and fast-forwards the target branch in
// the base repo, leaving it checked out for the later squash merge.
func (e *Engine) fetchAndUpdateTarget(ctx context.Context) error {
	if _, stderr, err := e.git.Run(ctx, e.cfg.WorkspacePath, "fetch", "origin"); err != nil {
		return fmt.Errorf("git fetch: %w: %s", err, strings.TrimSpace(stderr))
	}

	e.cfg.BaseLock.Lock()
	defer e.cfg.BaseLock.Unlock()

	if _, stderr, err := e.git.Run(ctx, e.cfg.BaseRepo, "checkout", e.cfg.TargetBranch); err != nil {
		return fmt.Errorf("checkout %s: %w: %s", e.cfg.TargetBranch, err, strings.TrimSpace(stderr))
	}
	if _, stderr, err := e.git.Run(ctx, e.cfg.BaseRepo, "pull", "--ff-only"); err != nil {
		return fmt.Errorf("update %s: %w: %s", e.cfg.TargetBranch, err, strings.TrimSpace(stderr))
	}
	return nil
}

var conflictRe = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

func conflictFilesFrom(output string) []string {
	var files []string
	for _, m := range conflictRe.FindAllStringSubmatch(output, -1) {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}

// rebaseWithResolution rebases the worktree onto the target. Conflicts are
// delegated to the agent up to the attempt cap; each round is verified by
// checking that git no longer has a rebase in progress. Exhaustion aborts the
// rebase so the worktree is left usable.
func (e *Engine) rebaseWithResolution(ctx context.Context, rep *Report) error {
	stdout, stderr, err := e.git.Run(ctx, e.cfg.WorkspacePath, "rebase", e.cfg.TargetBranch)
	if err == nil {
		return nil
	}

	files := conflictFilesFrom(stdout + "\n" + stderr)
	if len(files) == 0 {
		files = e.unmergedFiles(ctx)
	}
	if len(files) == 0 {
		return fmt.Errorf("rebase onto %s: %w: %s", e.cfg.TargetBranch, err, strings.TrimSpace(stderr))
	}

	for attempt := 0; attempt < e.cfg.MaxDelegatedAttempts; attempt++ {
		e.enter(PhaseResolveConflicts)
		if derr := e.delegate(ctx, resolveConflictsPrompt(e.cfg.CardID, e.cfg.WorkspacePath, files), e.cfg.WorkspacePath); derr != nil {
			break
		}
		if !e.rebaseInProgress(ctx) {
			return nil
		}
		if remaining := e.unmergedFiles(ctx); len(remaining) > 0 {
			files = remaining
		}
	}

	_, _, _ = e.git.Run(ctx, e.cfg.WorkspacePath, "rebase", "--abort")
	rep.ConflictFiles = files
	return &UnresolvedError{Outcome: OutcomeConflict, Detail: strings.Join(files, ", ")}
}

// rebaseInProgress consults git for the rebase state directories; rebase
// state of a worktree lives under the main repo's .git, so a plain path check
// is not enough.
func (e *Engine) rebaseInProgress(ctx context.Context) bool {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		out, _, err := e.git.Run(ctx, e.cfg.WorkspacePath, "rev-parse", "--git-path", name)
		if err != nil {
			continue
		}
		dir := strings.TrimSpace(out)
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(e.cfg.WorkspacePath, dir)
		}
		if _, err := os.Stat(dir); err == nil {
			return true
		}
	}
	return false
}

func (e *Engine) unmergedFiles(ctx context.Context) []string {
	out, _, err := e.git.Run(ctx, e.cfg.WorkspacePath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// countCommits also captures the commit list for the squash message.
func (e *Engine) countCommits(ctx context.Context) (int, error) {
	spec := e.cfg.TargetBranch + "..HEAD"
	out, stderr, err := e.git.Run(ctx, e.cfg.WorkspacePath, "rev-list", "--count", spec)
	if err != nil {
		return 0, fmt.Errorf("rev-list %s: %w: %s", spec, err, strings.TrimSpace(stderr))
	}
	var count int
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &count); err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", strings.TrimSpace(out), err)
	}
	if count == 0 {
		return 0, nil
	}

	out, _, err = e.git.Run(ctx, e.cfg.WorkspacePath, "log", spec, "--format=%H %s")
	if err == nil {
		e.commits = e.commits[:0]
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			hash, subject, _ := strings.Cut(strings.TrimSpace(line), " ")
			if hash != "" {
				e.commits = append(e.commits, commitInfo{hash: hash, subject: subject})
			}
		}
	}
	return count, nil
}

// testWithFixes runs the test command, delegating fixes on failure up to the
// attempt cap. Fix rounds re-rebase so fixes land on top of the latest
// target. The loop exits only on green tests or cap exhaustion.
func (e *Engine) testWithFixes(ctx context.Context, rep *Report) error {
	var out string
	var err error
	for attempt := 0; ; attempt++ {
		out, err = e.tests.RunTests(ctx, e.cfg.WorkspacePath, e.cfg.TestCommand)
		if err == nil {
			return nil
		}
		if attempt >= e.cfg.MaxDelegatedAttempts {
			break
		}

		e.enter(PhaseFixLoop)
		if derr := e.delegate(ctx, fixTestsPrompt(e.cfg.CardID, e.cfg.WorkspacePath, out), e.cfg.WorkspacePath); derr != nil {
			break
		}
		if _, _, rerr := e.git.Run(ctx, e.cfg.WorkspacePath, "rebase", e.cfg.TargetBranch); rerr != nil {
			break
		}
	}

	rep.TestOutput = truncate(out, 2000)
	return &UnresolvedError{Outcome: OutcomeTestsFailed, Detail: fmt.Sprintf("tests still failing: %v", err)}
}

// squashMerge stages the branch into the target and delegates the commit
// message, then verifies the commit actually landed by checking that HEAD's
// subject references the card. The base lock is held for the whole phase so
// a concurrent Provision cannot move HEAD between the checkout and the
// delegated commit.
func (e *Engine) squashMerge(ctx context.Context, rep *Report) error {
	e.cfg.BaseLock.Lock()
	defer e.cfg.BaseLock.Unlock()

	if _, stderr, err := e.git.Run(ctx, e.cfg.BaseRepo, "checkout", e.cfg.TargetBranch); err != nil {
		return fmt.Errorf("checkout %s: %w: %s", e.cfg.TargetBranch, err, strings.TrimSpace(stderr))
	}
	if _, stderr, err := e.git.Run(ctx, e.cfg.BaseRepo, "merge", "--squash", e.cfg.Branch); err != nil {
		return fmt.Errorf("merge --squash %s: %w: %s", e.cfg.Branch, err, strings.TrimSpace(stderr))
	}

	if err := e.delegate(ctx, squashCommitPrompt(e.cfg.CardID, e.cfg.CardTitle, e.commits), e.cfg.BaseRepo); err != nil {
		return fmt.Errorf("delegated squash commit: %w", err)
	}

	out, stderr, err := e.git.Run(ctx, e.cfg.BaseRepo, "log", "-1", "--format=%H %s")
	if err != nil {
		return fmt.Errorf("verify squash commit: %w: %s", err, strings.TrimSpace(stderr))
	}
	head := strings.TrimSpace(out)
	if !strings.Contains(head, e.cfg.CardID) {
		return &UnresolvedError{Outcome: OutcomeFailed, Detail: "squash commit did not land: HEAD is " + head}
	}
	rep.FinalCommit, _, _ = strings.Cut(head, " ")
	return nil
}

// cleanup removes the worktree and branch, both best effort.
func (e *Engine) cleanup(ctx context.Context) {
	e.cfg.BaseLock.Lock()
	defer e.cfg.BaseLock.Unlock()

	_, _, _ = e.git.Run(ctx, e.cfg.BaseRepo, "worktree", "remove", "--force", e.cfg.WorkspacePath)
	_, _, _ = e.git.Run(ctx, e.cfg.BaseRepo, "branch", "-D", e.cfg.Branch)
}

func (e *Engine) delegate(ctx context.Context, prompt, dir string) error {
	_, err := e.exec.Execute(ctx, executor.Spec{Prompt: prompt, Workdir: dir})
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
