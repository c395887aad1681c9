package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"kardagent/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "kardagent status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()

			status, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}
			switch status {
			case StatusRunning:
				fmt.Fprintf(w, "agent: running (PID %d)\n", pid)
			case StatusStale:
				fmt.Fprintf(w, "agent: stale PID file (PID %d is dead)\n", pid)
			case StatusStopped:
				fmt.Fprintln(w, "agent: stopped")
			}

			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				// No database yet means the agent has never run here.
				fmt.Fprintln(w, "sessions: no event database")
				return nil //nolint:nilerr // absence of history is not a status failure
			}
			defer reader.Close()

			return printActiveSessions(cmd.Context(), w, reader)
		},
	}
}

func printActiveSessions(ctx context.Context, w io.Writer, reader *eventlog.Reader) error {
	sessions, err := reader.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("query sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(w, "sessions: none active")
		return nil
	}

	fmt.Fprintf(w, "sessions: %d active\n", len(sessions))
	for _, s := range sessions {
		age := time.Since(s.StartedAt).Round(time.Second)
		label := s.RuleName
		if label == "" {
			label = "mention"
		}
		fmt.Fprintf(w, "  %-10s card %-12s %-24s running %s\n", s.ID[:min(8, len(s.ID))], s.CardID, label, age)
	}
	return nil
}
