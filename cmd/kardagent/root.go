package main

import (
	"fmt"

	"kardagent/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root kardagent command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kardagent",
		Short:         "Kardbrd board agent",
		Long:          "kardagent subscribes to a kardbrd board and turns mentions, reactions,\nand automation rules into coding-agent sessions in per-card git worktrees.",
		Version:       fmt.Sprintf("kardagent %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newStartCmd(),
		newValidateCmd(),
		newStopCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newDashCmd(),
		newMCPCmd(),
	)

	return cmd
}
