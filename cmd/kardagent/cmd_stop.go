package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// stopGraceWindow is how long to wait for a clean exit before SIGKILL.
const stopGraceWindow = 30 * time.Second

// newStopCmd creates the "kardagent stop" subcommand.
func newStopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running agent",
		Long:  "Sends SIGINT to the agent daemon and waits for in-flight sessions to drain.\nEscalates to SIGKILL if the process does not exit in time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}

			status, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch status {
			case StatusStopped:
				fmt.Fprintln(w, "agent is not running")
				return nil
			case StatusStale:
				fmt.Fprintln(w, "removing stale PID file (process already dead)")
				return RemovePIDFile(paths.PIDPath)
			case StatusRunning:
			}

			// In-flight sessions are interrupted; get an explicit yes unless
			// forced or running non-interactively.
			if !force && isatty.IsTerminal(os.Stdin.Fd()) {
				fmt.Fprintf(w, "stop agent (PID %d)? in-flight sessions will be interrupted [y/N]: ", pid)
				line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if ans := strings.ToLower(strings.TrimSpace(line)); ans != "y" && ans != "yes" {
					fmt.Fprintln(w, "aborted")
					return nil
				}
			}

			fmt.Fprintf(w, "sending SIGINT to agent (PID %d)\n", pid)
			if err := SignalDaemon(paths.PIDPath, syscall.SIGINT); err != nil {
				return err
			}

			if !WaitForExit(pid, stopGraceWindow, 200*time.Millisecond) {
				fmt.Fprintf(w, "agent did not exit in %s, sending SIGKILL\n", stopGraceWindow)
				if err := SignalDaemon(paths.PIDPath, syscall.SIGKILL); err != nil {
					return err
				}
			}

			fmt.Fprintln(w, "agent stopped")
			return RemovePIDFile(paths.PIDPath)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")

	return cmd
}
