package agent

import (
	"log/slog"

	"github.com/bytedance/sonic"
	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/tbxark/stepagent/types"
)

// Turn is the outcome of one user turn that reached the oracle.
type Turn struct {
	Reply     *types.Reply `json:"reply"`
	Task      *types.Task  `json:"task"`
	Advanced  bool         `json:"advanced"`
	Completed bool         `json:"completed"`
}

type TransitionKind string

const (
	TransitionCreate  TransitionKind = "create"
	TransitionReply   TransitionKind = "reply"
	TransitionCorrect TransitionKind = "correct"
	TransitionReset   TransitionKind = "reset"
	TransitionRestore TransitionKind = "restore"
)

// Transition describes one change of the session task. Patch is a JSON merge
// patch (RFC 7386) that turns Before into After.
type Transition struct {
	Kind   TransitionKind `json:"kind"`
	Before *types.Task    `json:"before,omitempty"`
	After  *types.Task    `json:"after,omitempty"`
	Patch  []byte         `json:"patch,omitempty"`
}

type Observer func(Transition)

func newTransition(kind TransitionKind, before, after *types.Task) Transition {
	t := Transition{Kind: kind, Before: before.Clone(), After: after.Clone()}
	from, err := taskDocument(before)
	if err != nil {
		slog.Warn("encode task for transition", "err", err)
		return t
	}
	to, err := taskDocument(after)
	if err != nil {
		slog.Warn("encode task for transition", "err", err)
		return t
	}
	patch, err := jsonpatch.CreateMergePatch(from, to)
	if err != nil {
		slog.Warn("create transition patch", "kind", kind, "err", err)
		return t
	}
	t.Patch = patch
	return t
}

func taskDocument(task *types.Task) ([]byte, error) {
	if task == nil {
		return []byte("{}"), nil
	}
	return sonic.Marshal(task)
}
