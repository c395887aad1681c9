package main

import (
	"fmt"

	"kardagent/pkg/eventlog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// newDashCmd creates the "kardagent dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of sessions and events",
		Long:  "Opens a TUI showing active sessions and the recent event tail,\nrefreshed from the runtime event database.",
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

			p := tea.NewProgram(newDashModel(reader, paths.PIDPath), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
}
