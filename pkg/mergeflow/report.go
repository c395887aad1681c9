package mergeflow

import (
	"context"
	"fmt"
	"strings"
)

// postReport posts the attempt's outcome to the card, best effort.
func (e *Engine) postReport(ctx context.Context, rep *Report) {
	var content string

	switch rep.Outcome {
	case OutcomeMerged:
		sha := rep.FinalCommit
		if len(sha) > 7 {
			sha = sha[:7]
		}
		if sha == "" {
			sha = "N/A"
		}
		content = fmt.Sprintf(`**Merged successfully**

- **Branch:** %s
- **Commits squashed:** %d
- **Tests:** Passed
- **Commit:** %s
- **Worktree:** Cleaned up`, e.cfg.Branch, rep.CommitCount, sha)

	case OutcomeStale:
		content = fmt.Sprintf(`**No changes to merge**

The branch has no commits ahead of %s after rebasing. The work may have already been merged.`, e.cfg.TargetBranch)

	case OutcomeNoWorkspace:
		content = `**Merge blocked**

No worktree found for this card. The card may not have been worked on yet.`

	case OutcomeConflict:
		var files strings.Builder
		for _, f := range rep.ConflictFiles {
			fmt.Fprintf(&files, "- %s\n", f)
		}
		content = fmt.Sprintf(`**Merge conflict**

The following files have conflicts that could not be automatically resolved:

%s
Please resolve the conflicts manually and retry.`, files.String())

	case OutcomeTestsFailed:
		content = fmt.Sprintf(`**Tests failed**

Output:
`+"```"+`
%s
`+"```"+`

Please fix the tests and retry.`, rep.TestOutput)

	default:
		content = fmt.Sprintf(`**Merge failed**

Status: %s

%s`, rep.Outcome, rep.Detail)
	}

	_ = e.client.AddComment(ctx, e.cfg.CardID, content)
}
