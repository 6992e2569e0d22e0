package conversation

import (
	"github.com/cloudwego/eino/schema"

	"github.com/tbxark/stepagent/types"
)

type Trimmer interface {
	Trim(history []*schema.Message) []*schema.Message
}

// KeepSystemLastNTrimmer keeps all system messages and the last N non-system messages.
// When N <= 0, it keeps only system messages.
type KeepSystemLastNTrimmer struct {
	N int
}

func (t KeepSystemLastNTrimmer) Trim(history []*schema.Message) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	nonSystem := 0
	for _, m := range history {
		if m != nil && m.Role != schema.System {
			nonSystem++
		}
	}
	drop := nonSystem - max(t.N, 0)

	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		if m.Role != schema.System && drop > 0 {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}

// ToSchema converts oracle history entries into chat messages. Agent turns
// become assistant messages; unknown roles are dropped.
func ToSchema(entries []types.HistoryEntry) []*schema.Message {
	out := make([]*schema.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case types.RoleUser:
			out = append(out, schema.UserMessage(e.Content))
		case types.RoleAgent, "assistant":
			out = append(out, schema.AssistantMessage(e.Content, nil))
		}
	}
	return out
}
