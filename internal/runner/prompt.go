package runner

import (
	"fmt"
	"strings"

	"github.com/eldtechnologies/arena/internal/messages"
	"github.com/eldtechnologies/arena/internal/models"
)

// BuildPrompt renders the instructions handed to an agent process: who it
// is, the compacted room context and the message it was routed for.
func BuildPrompt(task models.Task, snap models.Snapshot, roster *models.Roster) string {
	sum := messages.Summarize(snap, roster)

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an agent in arena room %q.\n", task.Target, task.RoomID)
	b.WriteString("Reply with concrete results, not acknowledgements. Post through the arena callback.\n\n")

	b.WriteString("## Current goal\n")
	b.WriteString(orNone(sum.CurrentGoal))
	b.WriteString("\n\n## Recent\n")
	writeLines(&b, sum.Messages)
	b.WriteString("\n## Highlights\n")
	writeLines(&b, sum.Highlights)
	b.WriteString("\n## Files\n")
	if len(sum.Files) == 0 {
		b.WriteString("- none\n")
	}
	for _, f := range sum.Files {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	fmt.Fprintf(&b, "\n## Task\n%s#%d (depth %d):\n%s\n", task.SourceFrom, task.SourceSeq, task.Depth, task.SourceText)
	return b.String()
}

func writeLines(b *strings.Builder, msgs []models.Message) {
	if len(msgs) == 0 {
		b.WriteString("- none\n")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(b, "- [%s] %s\n", m.From, m.Content)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
