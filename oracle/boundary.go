package oracle

import (
	"context"
	"log/slog"
	"math"

	"github.com/tbxark/stepagent/types"
)

// Generator produces an agent reply for a request.
type Generator interface {
	Generate(ctx context.Context, req *types.OracleRequest) (*types.Reply, error)
}

type GeneratorFunc func(ctx context.Context, req *types.OracleRequest) (*types.Reply, error)

func (f GeneratorFunc) Generate(ctx context.Context, req *types.OracleRequest) (*types.Reply, error) {
	return f(ctx, req)
}

// Source produces the raw, unparsed text of an oracle reply.
type Source interface {
	Produce(ctx context.Context, req *types.OracleRequest) (string, error)
}

type SourceFunc func(ctx context.Context, req *types.OracleRequest) (string, error)

func (f SourceFunc) Produce(ctx context.Context, req *types.OracleRequest) (string, error) {
	return f(ctx, req)
}

const defaultFallbackMessage = "I'm here to help. What would you like to do?"

// Boundary is the response-generating side of the oracle contract. Confirm
// hints never reach the source, and unparsable source output is replaced by
// a fallback reply instead of failing the turn.
type Boundary struct {
	source Source
}

var _ Generator = (*Boundary)(nil)

func NewBoundary(source Source) *Boundary {
	return &Boundary{source: source}
}

func (b *Boundary) Generate(ctx context.Context, req *types.OracleRequest) (*types.Reply, error) {
	slog.Debug("oracle request", "task", req.TaskTitle, "step", req.StepIndex+1, "total", req.TotalSteps, "action", req.ActionType)
	if req.ActionType == string(types.ActionConfirm) {
		return ConfirmReply(req), nil
	}

	raw, err := b.source.Produce(ctx, req)
	if err != nil {
		slog.Error("oracle source failed", "err", err)
		return nil, Classify(err)
	}
	slog.Debug("raw oracle output", "content", raw)

	reply, err := Coerce(raw)
	if err != nil {
		slog.Warn("oracle output unparsable, using fallback", "err", err)
		return FallbackReply(req, raw), nil
	}
	return Normalize(reply), nil
}

// ConfirmReply is the fixed reply for an explicit user confirmation.
func ConfirmReply(req *types.OracleRequest) *types.Reply {
	msg := "Confirmed. Moving to next step..."
	if req.IsFinalStep() {
		msg = "Confirmed. Finishing task..."
	}
	return &types.Reply{
		Message:            msg,
		Confidence:         95,
		Actions:            []types.Action{},
		TaskProgress:       types.Int(100),
		RequiresCorrection: types.Bool(false),
	}
}

// FallbackReply keeps the conversation going when the source output could
// not be parsed. Non-empty raw output is cut to 117 runes and always marked
// with an ellipsis.
func FallbackReply(req *types.OracleRequest, raw string) *types.Reply {
	msg := defaultFallbackMessage
	if raw != "" {
		runes := []rune(raw)
		msg = string(runes[:min(len(runes), types.MaxMessageLength-len(ellipsis))]) + ellipsis
	}
	progress := 25
	if req.StepIndex > 0 && req.TotalSteps > 0 {
		progress = int(math.Round(math.Min(90, float64(req.StepIndex+1)/float64(req.TotalSteps)*100)))
	}
	return &types.Reply{
		Message:            msg,
		Confidence:         50,
		TaskProgress:       types.Int(progress),
		RequiresCorrection: types.Bool(false),
		Actions: []types.Action{
			{ID: "continue", Kind: types.ActionConfirm, Label: "Continue"},
			{ID: "clarify", Kind: types.ActionInput, Label: "Provide more details"},
		},
	}
}
