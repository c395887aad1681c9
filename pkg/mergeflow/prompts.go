package mergeflow

import (
	"fmt"
	"strings"
)

// Prompts for the delegated phases. Each instructs the agent to leave the
// repository in a state the engine can verify deterministically.

func commitLocalPrompt(cardID, workspacePath string) string {
	return fmt.Sprintf(`You have uncommitted changes in a git worktree that need to be committed before merging.

Card ID: %s
Worktree path: %s

Please:
1. Review the uncommitted changes with `+"`git status`"+` and `+"`git diff`"+`
2. Stage appropriate files with `+"`git add`"+`
3. Create a commit with a concise, descriptive message referencing the card ID: %s

After committing, verify with `+"`git status`"+` that the working directory is clean.`,
		cardID, workspacePath, cardID)
}

func resolveConflictsPrompt(cardID, workspacePath string, files []string) string {
	return fmt.Sprintf(`You are in the middle of a git rebase that has conflicts.

Card ID: %s
Worktree path: %s
Conflicting files: %s

Please:
1. Review each conflicting file
2. Resolve the conflicts appropriately (keep functionality from both sides where possible)
3. Stage resolved files with `+"`git add`"+`
4. Continue the rebase with `+"`git rebase --continue`"+`

If a conflict cannot be resolved automatically, explain why.`,
		cardID, workspacePath, strings.Join(files, ", "))
}

func fixTestsPrompt(cardID, workspacePath, testOutput string) string {
	return fmt.Sprintf(`Tests are failing and need to be fixed before merging.

Card ID: %s
Worktree path: %s

Test output:
`+"```"+`
%s
`+"```"+`

Please:
1. Analyze the test failures
2. Fix the code (not the tests, unless tests are wrong)
3. Commit your fixes with an appropriate message

Focus on fixing the actual bugs, not just making tests pass.`,
		cardID, workspacePath, truncate(testOutput, 5000))
}

func squashCommitPrompt(cardID, cardTitle string, commits []commitInfo) string {
	var summary strings.Builder
	for _, c := range commits {
		short := c.hash
		if len(short) > 7 {
			short = short[:7]
		}
		fmt.Fprintf(&summary, "- %s %s\n", short, c.subject)
	}

	return fmt.Sprintf(`Create a squash commit for the merged changes.

Card ID: %s
Card Title: %s
Commits being squashed:
%s
Create a commit with this format:
`+"```"+`
%s: %s

Squashed commits:
%s`+"```"+`

Use `+"`git commit`"+` to create the commit. The changes are already staged.`,
		cardID, cardTitle, summary.String(), cardID, cardTitle, summary.String())
}
