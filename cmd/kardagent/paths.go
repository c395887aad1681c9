package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// kardagentDir is the state directory name under the user's home.
const kardagentDir = ".kardagent"

// Paths holds all resolved kardagent state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home    string // ~/.kardagent or KARDAGENT_HOME
	PIDPath string // agent.pid or KARDAGENT_PID_PATH
	DBPath  string // agent.db or KARDAGENT_DB_PATH
}

// ResolvePaths returns all kardagent paths, respecting env var overrides.
// Environment variables:
//   - KARDAGENT_HOME: base directory for all agent state (default: ~/.kardagent)
//   - KARDAGENT_PID_PATH: daemon PID file (default: $KARDAGENT_HOME/agent.pid)
//   - KARDAGENT_DB_PATH: runtime event database (default: $KARDAGENT_HOME/agent.db)
//
// Specific env vars override both the default and the KARDAGENT_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:    home,
		PIDPath: resolvePathWithEnv("KARDAGENT_PID_PATH", home, "agent.pid"),
		DBPath:  resolvePathWithEnv("KARDAGENT_DB_PATH", home, "agent.db"),
	}, nil
}

// Bootstrap creates the state directory with 0700 permissions. Idempotent.
func (p *Paths) Bootstrap() error {
	if err := os.MkdirAll(p.Home, 0o700); err != nil {
		return fmt.Errorf("create state dir %s: %w", p.Home, err)
	}
	return nil
}

// resolveHome returns the state directory from KARDAGENT_HOME or ~/.kardagent.
func resolveHome() (string, error) {
	if v := os.Getenv("KARDAGENT_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, kardagentDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
