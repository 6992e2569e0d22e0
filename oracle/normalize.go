package oracle

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/tbxark/stepagent/action"
	"github.com/tbxark/stepagent/types"
)

const ellipsis = "..."

// Truncate bounds a message to MaxMessageLength runes, replacing the tail
// with an ellipsis when it is longer.
func Truncate(message string) string {
	runes := []rune(message)
	if len(runes) <= types.MaxMessageLength {
		return message
	}
	return string(runes[:types.MaxMessageLength-len(ellipsis)]) + ellipsis
}

// Coerce decodes untrusted oracle output into a reply. Only a string message
// is mandatory; every other field is coerced or defaulted.
func Coerce(raw string) (*types.Reply, error) {
	var doc map[string]any
	if err := sonic.UnmarshalString(strings.TrimSpace(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	return coerceDoc(doc)
}

func coerceDoc(doc map[string]any) (*types.Reply, error) {
	msg, ok := doc["message"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: message is not a string", ErrMalformedReply)
	}
	reply := &types.Reply{
		Message:    msg,
		Confidence: clampPercent(numberOf(doc["confidence"])),
		Actions:    []types.Action{},
	}
	if items, ok := doc["actions"].([]any); ok {
		for _, item := range items {
			fields, ok := item.(map[string]any)
			if !ok {
				continue
			}
			reply.Actions = append(reply.Actions, types.Action{
				ID:      stringOf(fields["id"]),
				Kind:    types.ActionKind(stringOf(fields["type"])),
				Label:   stringOf(fields["label"]),
				Value:   stringOf(fields["value"]),
				Options: stringsOf(fields["options"]),
			})
		}
	}
	if v, ok := doc["taskProgress"]; ok && v != nil {
		reply.TaskProgress = types.Int(clampPercent(numberOf(v)))
	}
	if v, ok := doc["requiresCorrection"].(bool); ok {
		reply.RequiresCorrection = types.Bool(v)
	}
	if v, ok := doc["readyToAdvance"].(bool); ok {
		reply.ReadyToAdvance = types.Bool(v)
	}
	return reply, nil
}

// Unwrap replaces a reply whose message is itself a serialized reply. The
// embedded payload is used only if it has a non-empty string message and an
// actions list; otherwise the literal text stays the message.
func Unwrap(reply *types.Reply) *types.Reply {
	if reply == nil || !strings.HasPrefix(strings.TrimSpace(reply.Message), "{") {
		return reply
	}
	var doc map[string]any
	if err := sonic.UnmarshalString(strings.TrimSpace(reply.Message), &doc); err != nil {
		slog.Debug("message looks like JSON but does not parse", "err", err)
		return reply
	}
	if _, ok := doc["actions"].([]any); !ok {
		return reply
	}
	if msg, _ := doc["message"].(string); msg == "" {
		return reply
	}
	inner, err := coerceDoc(doc)
	if err != nil {
		return reply
	}
	return inner
}

// Normalize enforces the reply invariants: bounded message, valid actions,
// and unique non-empty action ids.
func Normalize(reply *types.Reply) *types.Reply {
	if reply == nil {
		return nil
	}
	out := reply.Clone()
	out.Message = Truncate(out.Message)
	out.Confidence = clampPercent(float64(out.Confidence))
	if out.TaskProgress != nil {
		out.TaskProgress = types.Int(clampPercent(float64(*out.TaskProgress)))
	}

	seen := make(map[string]struct{}, len(out.Actions))
	actions := make([]types.Action, 0, len(out.Actions))
	for i, a := range out.Actions {
		if a.ID == "" {
			a.ID = fmt.Sprintf("action-%d", i)
		}
		if _, dup := seen[a.ID]; dup {
			base := a.ID
			for n := 1; ; n++ {
				a.ID = base + "-" + strconv.Itoa(n)
				if _, taken := seen[a.ID]; !taken {
					break
				}
			}
		}
		if err := action.Validate(a); err != nil {
			slog.Debug("dropping invalid action", "id", a.ID, "err", err)
			continue
		}
		seen[a.ID] = struct{}{}
		actions = append(actions, a)
	}
	out.Actions = actions
	return out
}

func clampPercent(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Max(0, math.Min(100, math.Round(v))))
}

func numberOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

func stringsOf(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := stringOf(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
