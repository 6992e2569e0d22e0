package types

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
)

func FormatStepTable(steps []string, current int) string {
	if len(steps) == 0 {
		return ""
	}
	var buf strings.Builder
	buf.WriteString("ALL TASK STEPS:\n")
	table := tablewriter.NewTable(&buf, tablewriter.WithRenderer(renderer.NewMarkdown()))
	table.Header("#", "Step", "State")
	for i, step := range steps {
		state := ""
		if i == current {
			state = "CURRENT"
		}
		_ = table.Append(fmt.Sprintf("%d", i+1), step, state)
	}
	_ = table.Render()
	return buf.String()
}

// FormatNextSteps previews up to two steps after current, or reports the
// final step.
func FormatNextSteps(steps []string, current int) string {
	start := current + 1
	if start >= len(steps) {
		return "This is the FINAL step"
	}
	end := min(start+2, len(steps))
	parts := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		parts = append(parts, fmt.Sprintf("%d. %s", i+1, steps[i]))
	}
	return "NEXT STEPS: " + strings.Join(parts, ", ")
}

func FormatRequest(req *OracleRequest) string {
	action := req.ActionType
	if action == "" {
		action = HintStarting
	}
	sections := []string{
		fmt.Sprintf("TASK: %q", req.TaskTitle),
		fmt.Sprintf("CURRENT STEP %d/%d: %q", req.StepIndex+1, req.TotalSteps, req.CurrentStep),
		FormatNextSteps(req.AllSteps, req.StepIndex),
		fmt.Sprintf("USER ACTION: %s", action),
	}
	if s := FormatStepTable(req.AllSteps, req.StepIndex); s != "" {
		sections = append(sections, s)
	}
	return strings.Join(sections, "\n")
}
