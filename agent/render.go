package agent

import (
	"fmt"
	"strings"

	"github.com/tbxark/stepagent/types"
)

// Render formats a reply for plain text surfaces.
func Render(reply *types.Reply) string {
	if reply == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(reply.Message)
	fmt.Fprintf(&b, "\n(confidence %d%%, %s)", reply.Confidence, types.LevelOf(reply.Confidence))
	for _, a := range reply.Actions {
		fmt.Fprintf(&b, "\n  [%s] %s <%s>", a.ID, a.Label, a.Kind)
		for _, opt := range a.Options {
			fmt.Fprintf(&b, "\n      - %s", opt)
		}
	}
	return b.String()
}

// RenderTask lists the steps with their status and marks the current one.
func RenderTask(task *types.Task) string {
	if task == nil {
		return "no task"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %d%%", task.Title, task.Status, task.Percent())
	for i, step := range task.Steps {
		marker := " "
		if i == task.CurrentStep {
			marker = ">"
		}
		fmt.Fprintf(&b, "\n%s %d. %s (%s)", marker, i+1, step.Description, step.Status)
	}
	return b.String()
}

// ParseTaskDefinition reads a title line followed by one step per line.
// List markers such as "-", "*" or "1." are stripped from steps.
func ParseTaskDefinition(text string) (string, []string) {
	var title string
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if title == "" {
			title = line
			continue
		}
		steps = append(steps, stripListMarker(line))
	}
	return title, steps
}

func stripListMarker(line string) string {
	for _, p := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, p) {
			return strings.TrimSpace(line[len(p):])
		}
	}
	if i := strings.IndexAny(line, ".)"); i > 0 && i <= 3 {
		digits := true
		for _, r := range line[:i] {
			if r < '0' || r > '9' {
				digits = false
				break
			}
		}
		if digits {
			return strings.TrimSpace(line[i+1:])
		}
	}
	return line
}
