package main

import (
	"fmt"
	"os"

	"kardagent/internal/appversion"
	"kardagent/pkg/board"
	"kardagent/pkg/mcp"

	"github.com/spf13/cobra"
)

// newMCPCmd creates the "kardagent mcp" subcommand. Coding-agent CLIs spawn
// it as an MCP stdio server; it proxies tool calls to the board API with the
// bot's token, which the agent itself never sees.
func newMCPCmd() *cobra.Command {
	var apiURL, token string

	cmd := &cobra.Command{
		Use:    "mcp",
		Short:  "Run the board MCP stdio proxy",
		Long:   "Serves board tools (get_card, add_comment, ...) over MCP on stdin/stdout.\nSpawned by the agent CLI during a session; not meant for interactive use.",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv("KARDBRD_TOKEN")
			}
			if token == "" {
				token = os.Getenv("KARDBRD_BOT_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("no bot token: pass --token or set KARDBRD_TOKEN")
			}
			if apiURL == "" {
				return fmt.Errorf("--api-url is required")
			}

			client := board.NewHTTPClient(apiURL, token)
			server := mcp.NewServer(client, appversion.String())
			return server.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&apiURL, "api-url", "", "kardbrd API base URL")
	cmd.Flags().StringVar(&token, "token", "", "bot token (falls back to KARDBRD_TOKEN)")
	return cmd
}
