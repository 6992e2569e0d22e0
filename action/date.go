package action

import (
	"fmt"
	"time"

	"github.com/tbxark/stepagent/types"
)

const DefaultTimeOfDay = "09:00"

// FormatDate renders a long calendar date such as "October 18th, 2026".
func FormatDate(d time.Time) string {
	return fmt.Sprintf("%s %d%s, %d", d.Month(), d.Day(), ordinal(d.Day()), d.Year())
}

// FormatDateTime renders "October 18th, 2026 at 9:00 AM".
func FormatDateTime(d time.Time) string {
	return FormatDate(d) + " at " + d.Format("3:04 PM")
}

func ordinal(day int) string {
	if day%100 >= 11 && day%100 <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

// ParseTimeOfDay parses "HH:MM"; an empty string yields DefaultTimeOfDay.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	if s == "" {
		s = DefaultTimeOfDay
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return t.Hour(), t.Minute(), nil
}

type dateEntry struct {
	action types.Action
	date   *time.Time
	clock  string
}

// DateBatch groups every date and datetime action of a reply. All of them must
// be filled before the batch can be submitted, and submitting yields one
// event per action in display order.
type DateBatch struct {
	entries []*dateEntry
	index   map[string]*dateEntry
}

func NewDateBatch(actions []types.Action) *DateBatch {
	b := &DateBatch{index: map[string]*dateEntry{}}
	for _, a := range actions {
		if !IsDateKind(a.Kind) {
			continue
		}
		e := &dateEntry{action: a}
		b.entries = append(b.entries, e)
		b.index[a.ID] = e
	}
	return b
}

func (b *DateBatch) Len() int {
	return len(b.entries)
}

func (b *DateBatch) SetDate(actionID string, d time.Time) error {
	e, ok := b.index[actionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDateAction, actionID)
	}
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	e.date = &day
	return nil
}

// SetTime sets the time of day for a datetime action. Date actions ignore it.
func (b *DateBatch) SetTime(actionID, clock string) error {
	e, ok := b.index[actionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDateAction, actionID)
	}
	if _, _, err := ParseTimeOfDay(clock); err != nil {
		return err
	}
	e.clock = clock
	return nil
}

func (b *DateBatch) Ready() bool {
	if len(b.entries) == 0 {
		return false
	}
	for _, e := range b.entries {
		if e.date == nil {
			return false
		}
	}
	return true
}

// Submit emits one submission per action and clears the batch.
func (b *DateBatch) Submit() ([]Submission, error) {
	if !b.Ready() {
		return nil, ErrBatchIncomplete
	}
	out := make([]Submission, 0, len(b.entries))
	for _, e := range b.entries {
		text := FormatDate(*e.date)
		if e.action.Kind == types.ActionDateTime {
			hour, minute, err := ParseTimeOfDay(e.clock)
			if err != nil {
				return nil, err
			}
			at := time.Date(e.date.Year(), e.date.Month(), e.date.Day(), hour, minute, 0, 0, e.date.Location())
			text = FormatDateTime(at)
		}
		out = append(out, Submission{ActionID: e.action.ID, Kind: e.action.Kind, Text: text})
	}
	for _, e := range b.entries {
		e.date = nil
		e.clock = ""
	}
	return out, nil
}
