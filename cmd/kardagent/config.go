package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the operator-facing settings for the agent daemon. Board
// identity and rules live in kardbrd.yml; this file covers the runtime knobs:
// which backend to run, where worktrees go, and how hard to push.
type Config struct {
	// RulesFile is the kardbrd.yml path. Default: <Workdir>/kardbrd.yml.
	RulesFile string `toml:"rules_file"`
	// Workdir is the base git repository worktrees branch from.
	Workdir string `toml:"workdir"`
	// WorktreesDir is where per-card worktrees are created. Default: the
	// parent directory of Workdir.
	WorktreesDir string `toml:"worktrees_dir"`
	// SetupCommand runs in each fresh worktree (dependency install etc).
	SetupCommand string `toml:"setup_command"`
	// TestCommand is what the merge flow runs to gate a squash merge.
	TestCommand string `toml:"test_command"`
	// MainBranch is the merge target. Default "main".
	MainBranch string `toml:"main_branch"`
	// Backend selects the executor CLI: "claude" or "goose".
	Backend string `toml:"backend"`
	// MaxConcurrent caps simultaneous sessions.
	MaxConcurrent int `toml:"max_concurrent"`
	// TimeoutSeconds bounds one session's wall clock.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// defaultConfig returns the built-in settings applied before any file or env
// override.
func defaultConfig() Config {
	return Config{
		Workdir:        ".",
		TestCommand:    "make test",
		MainBranch:     "main",
		Backend:        "claude",
		MaxConcurrent:  3,
		TimeoutSeconds: 3600,
	}
}

// LoadConfig reads kardagent.toml from path if it exists, layers env var
// overrides on top, and validates the result. A missing file is not an
// error; defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // config path is operator-supplied
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Defaults + env only.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers AGENT_* environment overrides onto the config. These
// predate the config file and still win over it.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENT_CWD"); v != "" {
		c.Workdir = v
	}
	if v := os.Getenv("AGENT_RULES_FILE"); v != "" {
		c.RulesFile = v
	}
	if v := os.Getenv("AGENT_WORKTREES_DIR"); v != "" {
		c.WorktreesDir = v
	}
	if v := os.Getenv("AGENT_SETUP_CMD"); v != "" {
		c.SetupCommand = v
	}
	if v := os.Getenv("AGENT_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("AGENT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrent = n
		}
	}
	if v := os.Getenv("AGENT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TimeoutSeconds = n
		}
	}
}

func (c *Config) validate() error {
	if c.Backend != "claude" && c.Backend != "goose" {
		return fmt.Errorf("backend must be \"claude\" or \"goose\", got %q", c.Backend)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	return nil
}

// Timeout returns the session budget as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
