// Package workspace provisions one git worktree per card for isolated agent
// execution. Worktrees are siblings of the base repo (~/src/repo ->
// ~/src/card-<short>), each on its own card/<short> branch, with shared
// config files symlinked in and an optional setup command run after creation.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// ShellRunner abstracts running the setup command in a worktree.
type ShellRunner interface {
	RunShell(ctx context.Context, dir, command string) error
}

// sharedConfigs are symlinked from the base repo into every worktree when the
// source exists.
var sharedConfigs = []string{".mcp.json", ".env"}

// Config holds the fixed parameters of a Manager.
type Config struct {
	BaseRepo     string // path to the main git repository
	WorktreesDir string // where worktrees are created; default is BaseRepo's parent
	MainBranch   string // default "main"
	SetupCommand string // shell command run in the worktree after creation; empty skips
	Executor     string // "claude" or "goose"; controls which config symlinks exist
}

// Manager creates and removes per-card worktrees. Safe for concurrent use.
type Manager struct {
	cfg   Config
	git   GitRunner
	shell ShellRunner

	mu     sync.Mutex
	active map[string]string // cardID -> worktree path

	// baseMu serializes operations that move HEAD in the base repo. The
	// merge engine shares it via BaseLock so a squash in flight and a
	// concurrent Provision cannot interleave checkouts.
	baseMu sync.Mutex
}

// NewManager resolves paths and returns a Manager. shell may be nil when no
// setup command is configured.
func NewManager(cfg Config, git GitRunner, shell ShellRunner) (*Manager, error) {
	base, err := filepath.Abs(cfg.BaseRepo)
	if err != nil {
		return nil, fmt.Errorf("resolve base repo: %w", err)
	}
	cfg.BaseRepo = base
	if cfg.WorktreesDir == "" {
		cfg.WorktreesDir = filepath.Dir(base)
	} else if cfg.WorktreesDir, err = filepath.Abs(cfg.WorktreesDir); err != nil {
		return nil, fmt.Errorf("resolve worktrees dir: %w", err)
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}
	if cfg.SetupCommand != "" && shell == nil {
		return nil, fmt.Errorf("setup command configured but no shell runner provided")
	}
	return &Manager{cfg: cfg, git: git, shell: shell, active: make(map[string]string)}, nil
}

// ShortID truncates a card ID to its first 8 characters, the form used in
// worktree directory and branch names.
func ShortID(cardID string) string {
	if len(cardID) > 8 {
		return cardID[:8]
	}
	return cardID
}

// BaseRepo returns the resolved base repository path.
func (m *Manager) BaseRepo() string {
	return m.cfg.BaseRepo
}

// BaseLock returns the mutex guarding HEAD-moving operations in the base
// repo. Anything that checkouts branches there must hold it.
func (m *Manager) BaseLock() *sync.Mutex {
	return &m.baseMu
}

// Path returns the worktree path for a card, whether or not it exists.
func (m *Manager) Path(cardID string) string {
	return filepath.Join(m.cfg.WorktreesDir, "card-"+ShortID(cardID))
}

// Branch returns the branch name for a card.
func (m *Manager) Branch(cardID string) string {
	return "card/" + ShortID(cardID)
}

// Provision creates (or reuses) the worktree for a card and returns its path.
// Idempotent: an existing worktree directory is returned as-is. Creation
// fast-forwards the main branch first so new branches start from the latest
// upstream state.
func (m *Manager) Provision(ctx context.Context, cardID string) (string, error) {
	path := m.Path(cardID)

	if _, err := os.Stat(path); err == nil {
		m.track(cardID, path)
		return path, nil
	}

	// Best effort: a stale main only means the branch starts behind.
	m.updateMainBranch(ctx)

	branch := m.Branch(cardID)
	_, stderr, err := m.git.Run(ctx, m.cfg.BaseRepo, "worktree", "add", "-b", branch, path)
	if err != nil {
		if !strings.Contains(strings.ToLower(stderr), "already exists") {
			return "", fmt.Errorf("create worktree for %s: %w: %s", cardID, err, strings.TrimSpace(stderr))
		}
		// Branch survives from an earlier run; attach to it.
		if _, stderr, err = m.git.Run(ctx, m.cfg.BaseRepo, "worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("create worktree for %s on existing branch: %w: %s", cardID, err, strings.TrimSpace(stderr))
		}
	}

	if err := m.setupSymlinks(path); err != nil {
		return "", err
	}

	if m.cfg.SetupCommand != "" {
		if err := m.shell.RunShell(ctx, path, m.cfg.SetupCommand); err != nil {
			return "", fmt.Errorf("setup command in %s: %w", path, err)
		}
	}

	m.track(cardID, path)
	return path, nil
}

// Teardown removes the card's worktree. Missing worktrees are not an error.
// force removes even with uncommitted changes.
func (m *Manager) Teardown(ctx context.Context, cardID string, force bool) error {
	path := m.Path(cardID)

	m.mu.Lock()
	delete(m.active, cardID)
	m.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return nil
	}

	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if _, stderr, err := m.git.Run(ctx, m.cfg.BaseRepo, args...); err != nil {
		return fmt.Errorf("remove worktree %s: %w: %s", path, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Existing returns the worktree path for a card if the directory exists.
func (m *Manager) Existing(cardID string) (string, bool) {
	path := m.Path(cardID)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// List returns the tracked worktrees that still exist on disk.
func (m *Manager) List() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.active))
	for id, path := range m.active {
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			out[id] = path
		}
	}
	return out
}

func (m *Manager) track(cardID, path string) {
	m.mu.Lock()
	m.active[cardID] = path
	m.mu.Unlock()
}

// updateMainBranch fetches and fast-forwards main in the base repo, restoring
// the previously checked-out branch. Failures are swallowed; the worktree is
// still usable from a stale main.
func (m *Manager) updateMainBranch(ctx context.Context) {
	m.baseMu.Lock()
	defer m.baseMu.Unlock()

	main := m.cfg.MainBranch
	if _, _, err := m.git.Run(ctx, m.cfg.BaseRepo, "fetch", "origin", main); err != nil {
		return
	}

	current, _, err := m.git.Run(ctx, m.cfg.BaseRepo, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return
	}
	current = strings.TrimSpace(current)

	if _, _, err := m.git.Run(ctx, m.cfg.BaseRepo, "checkout", main); err != nil {
		return
	}
	_, _, _ = m.git.Run(ctx, m.cfg.BaseRepo, "pull", "--ff-only")

	if current != main && current != "" {
		_, _, _ = m.git.Run(ctx, m.cfg.BaseRepo, "checkout", current)
	}
}

// setupSymlinks links shared config files from the base repo into the
// worktree. Claude additionally gets .claude/settings.local.json.
func (m *Manager) setupSymlinks(path string) error {
	for _, name := range sharedConfigs {
		src := filepath.Join(m.cfg.BaseRepo, name)
		dst := filepath.Join(path, name)
		if err := linkIfExists(src, dst); err != nil {
			return err
		}
	}

	if m.cfg.Executor != "claude" && m.cfg.Executor != "" {
		return nil
	}

	src := filepath.Join(m.cfg.BaseRepo, ".claude", "settings.local.json")
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	dir := filepath.Join(path, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return linkIfExists(src, filepath.Join(dir, "settings.local.json"))
}

func linkIfExists(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	if err := os.Symlink(src, dst); err != nil {
		return fmt.Errorf("symlink %s: %w", dst, err)
	}
	return nil
}
