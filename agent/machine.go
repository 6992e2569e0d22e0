package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tbxark/stepagent/oracle"
	"github.com/tbxark/stepagent/types"
)

var (
	// ErrValidation is shared with the oracle package so callers can check
	// one sentinel for every rejected input.
	ErrValidation    = oracle.ErrValidation
	ErrNoTask        = errors.New("no active task")
	ErrBusy          = errors.New("a turn is already in progress")
	ErrTaskDiscarded = errors.New("task was replaced while the turn was in flight")
	ErrTaskCompleted = errors.New("task is already completed")
)

// CreateTask builds a fresh task with the first step in progress. Blank step
// descriptions are dropped; at least one must remain.
func CreateTask(title string, descriptions []string, due *time.Time) (*types.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: task title is empty", ErrValidation)
	}
	steps := make([]types.Step, 0, len(descriptions))
	for _, d := range descriptions {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		steps = append(steps, types.Step{
			ID:          uuid.NewString(),
			Description: d,
			Status:      types.StepPending,
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: task needs at least one step", ErrValidation)
	}
	steps[0].Status = types.StepInProgress

	task := &types.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Steps:       steps,
		CurrentStep: 0,
		CreatedAt:   time.Now(),
		Status:      types.TaskActive,
	}
	if due != nil {
		d := *due
		task.DueDate = &d
	}
	return task, nil
}

// IsStepComplete reports whether a reply closes the current step. Only an
// explicit confirm together with full progress does; a high progress value on
// its own never advances.
func IsStepComplete(reply *types.Reply, hint string) bool {
	progress, ok := reply.Progress()
	return hint == string(types.ActionConfirm) && ok && progress == 100
}

// ApplyReply returns the task after the oracle answered a user turn. The
// input task is not modified.
func ApplyReply(task *types.Task, reply *types.Reply, hint string) *types.Task {
	next := task.Clone()
	step := next.Current()
	if step == nil || reply == nil {
		return next
	}
	complete := IsStepComplete(reply, hint)

	switch {
	case reply.NeedsCorrection():
		step.Status = types.StepNeedsCorrection
	case complete:
		step.Status = types.StepCompleted
	default:
		step.Status = types.StepInProgress
	}
	step.Reply = reply.Clone()

	if !complete {
		return next
	}
	if next.IsLastStep() {
		next.Status = types.TaskCompleted
		return next
	}
	next.CurrentStep++
	next.Steps[next.CurrentStep].Status = types.StepInProgress
	return next
}

// CorrectStep records a correction against step index and moves the pointer
// there, backward if needed. The step that was active before the jump goes
// back to pending, and a completed task is reopened.
func CorrectStep(task *types.Task, index int, text string) (*types.Task, error) {
	if task == nil {
		return nil, ErrNoTask
	}
	if index < 0 || index >= len(task.Steps) {
		return nil, fmt.Errorf("%w: step index %d out of range [0,%d)", ErrValidation, index, len(task.Steps))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: correction text is empty", ErrValidation)
	}

	next := task.Clone()
	if prev := next.Current(); prev != nil && next.CurrentStep != index {
		if prev.Status == types.StepInProgress || prev.Status == types.StepNeedsCorrection {
			prev.Status = types.StepPending
		}
	}
	step := &next.Steps[index]
	step.Corrections = append(step.Corrections, text)
	step.Status = types.StepInProgress
	next.CurrentStep = index
	next.Status = types.TaskActive
	return next, nil
}
