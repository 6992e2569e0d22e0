package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/tbxark/stepagent/types"
)

// Log is the ordered, append-only record of a session's turns. Entries are
// never edited; the only removal is Clear.
type Log struct {
	messages []types.Message
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(msg types.Message) types.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Role != types.RoleAgent {
		msg.Reply = nil
	}
	l.messages = append(l.messages, msg)
	return msg
}

// Tail returns a copy of the last n entries.
func (l *Log) Tail(n int) []types.Message {
	if n <= 0 || len(l.messages) == 0 {
		return nil
	}
	start := max(len(l.messages)-n, 0)
	out := make([]types.Message, len(l.messages)-start)
	copy(out, l.messages[start:])
	return out
}

func (l *Log) All() []types.Message {
	return l.Tail(len(l.messages))
}

func (l *Log) Len() int {
	return len(l.messages)
}

func (l *Log) Last() (types.Message, bool) {
	if len(l.messages) == 0 {
		return types.Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

// LastAgent returns the most recent agent-authored entry.
func (l *Log) LastAgent() (types.Message, bool) {
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == types.RoleAgent {
			return l.messages[i], true
		}
	}
	return types.Message{}, false
}

func (l *Log) Clear() {
	l.messages = nil
}

// Restore replaces the log content, used when loading a checkpoint.
func (l *Log) Restore(msgs []types.Message) {
	l.messages = append([]types.Message(nil), msgs...)
}

// Entries strips messages down to the role/content pairs the oracle sees.
func Entries(msgs []types.Message) []types.HistoryEntry {
	out := make([]types.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, types.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return out
}
