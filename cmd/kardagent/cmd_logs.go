package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"kardagent/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail   int
	follow bool
	card   string
}

// newLogsCmd creates the "kardagent logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent agent events",
		Long:  "Displays events from the runtime event database.\nOptionally filter by card and follow new events.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}

			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open event db: %w", err)
			}
			defer reader.Close()

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), w, reader, cfg)
			}
			return printLogs(cmd.Context(), w, reader, cfg)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVar(&cfg.card, "card", "", "only show events for this card")

	return cmd
}

// printLogs displays the last N events in chronological order.
func printLogs(ctx context.Context, w io.Writer, reader *eventlog.Reader, cfg logsConfig) error {
	events, err := reader.Query(ctx, eventlog.QueryOpts{CardID: cfg.card, Limit: cfg.tail})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	// Query returns newest first; print oldest first.
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
	}
	return nil
}

// followLogs prints the initial tail then polls for new events.
func followLogs(ctx context.Context, w io.Writer, reader *eventlog.Reader, cfg logsConfig) error {
	events, err := reader.Query(ctx, eventlog.QueryOpts{CardID: cfg.card, Limit: cfg.tail})
	if err != nil {
		return err
	}

	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
		lastID = events[i].ID
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			batch, err := reader.Query(ctx, eventlog.QueryOpts{CardID: cfg.card, Limit: 100})
			if err != nil {
				return err
			}
			for i := len(batch) - 1; i >= 0; i-- {
				if batch[i].ID <= lastID {
					continue
				}
				formatEvent(w, batch[i])
				lastID = batch[i].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e eventlog.Event) {
	fmt.Fprintf(w, "%s | %-20s | %-12s | %-12s | %s\n",
		e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.CardID, e.Source, e.Payload)
}
