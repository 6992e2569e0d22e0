package action

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tbxark/stepagent/types"
)

var (
	ErrUnknownKind     = errors.New("unknown action kind")
	ErrMissingOptions  = errors.New("select action requires options")
	ErrEmptyInput      = errors.New("input is empty")
	ErrUnknownOption   = errors.New("option not offered")
	ErrMissingDate     = errors.New("date not selected")
	ErrInvalidTime     = errors.New("invalid time of day")
	ErrBatchIncomplete = errors.New("all dates must be selected")
	ErrNotDateAction   = errors.New("not a date action")
)

var kinds = map[types.ActionKind]struct{}{
	types.ActionConfirm:  {},
	types.ActionSelect:   {},
	types.ActionInput:    {},
	types.ActionDate:     {},
	types.ActionDateTime: {},
	types.ActionRetry:    {},
}

func IsKnown(kind types.ActionKind) bool {
	_, ok := kinds[kind]
	return ok
}

func IsDateKind(kind types.ActionKind) bool {
	return kind == types.ActionDate || kind == types.ActionDateTime
}

// Validate checks the shape an action of the given kind must have.
func Validate(a types.Action) error {
	if !IsKnown(a.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	if a.Kind == types.ActionSelect && len(a.Options) == 0 {
		return fmt.Errorf("action %s: %w", a.ID, ErrMissingOptions)
	}
	return nil
}

// Submission is one user event produced by an action. Text is what the user
// "says" and Kind is forwarded to the oracle as the action-type hint.
type Submission struct {
	ActionID string
	Kind     types.ActionKind
	Text     string
}

func (s Submission) Hint() string {
	return string(s.Kind)
}

// Submit builds the event for a single non-date action. For confirm and retry
// the value is optional and falls back to the action's literal value, then its
// label.
func Submit(a types.Action, value string) (Submission, error) {
	if err := Validate(a); err != nil {
		return Submission{}, err
	}
	sub := Submission{ActionID: a.ID, Kind: a.Kind}
	switch a.Kind {
	case types.ActionConfirm, types.ActionRetry:
		sub.Text = firstNonEmpty(value, a.Value, a.Label)
	case types.ActionSelect:
		if !contains(a.Options, value) {
			return Submission{}, fmt.Errorf("%w: %q", ErrUnknownOption, value)
		}
		sub.Text = value
	case types.ActionInput:
		text := strings.TrimSpace(value)
		if text == "" {
			return Submission{}, ErrEmptyInput
		}
		sub.Text = text
	case types.ActionDate, types.ActionDateTime:
		if strings.TrimSpace(value) == "" {
			return Submission{}, ErrMissingDate
		}
		sub.Text = value
	}
	return sub, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}
