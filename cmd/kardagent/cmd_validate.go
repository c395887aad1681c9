package main

import (
	"fmt"

	"kardagent/pkg/rules"

	"github.com/spf13/cobra"
)

// newValidateCmd creates the "kardagent validate" subcommand.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [kardbrd.yml]",
		Short: "Check a kardbrd.yml rule document",
		Long:  "Parses and validates the rule document, printing every error and warning.\nExits non-zero when the document has errors.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "kardbrd.yml"
			if len(args) == 1 {
				path = args[0]
			}

			w := cmd.OutOrStdout()
			res := rules.ValidateFile(path)

			for _, issue := range res.Warnings() {
				fmt.Fprintf(w, "warning: %s\n", issue)
			}
			for _, issue := range res.Errors() {
				fmt.Fprintf(w, "error: %s\n", issue)
			}

			if !res.Valid() {
				return fmt.Errorf("%s has %d error(s)", path, len(res.Errors()))
			}

			doc, err := rules.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s is valid: %d rules, %d schedules\n", path, len(doc.Rules), len(doc.Schedules))
			return nil
		},
	}
}
