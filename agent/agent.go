package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/adk"
	"github.com/cloudwego/eino/schema"

	"github.com/tbxark/stepagent/types"
)

var _ adk.Agent = (*Agent)(nil)

// Agent exposes keyed sessions as an adk agent. With no active task the
// message is read as a task definition; otherwise it either matches an
// offered action or is sent as free text.
type Agent struct {
	name        string
	description string
	store       *SessionStore
}

func NewAgent(name, description string, store *SessionStore) *Agent {
	return &Agent{
		name:        name,
		description: description,
		store:       store,
	}
}

func (a *Agent) Name(ctx context.Context) string {
	return a.name
}

func (a *Agent) Description(ctx context.Context) string {
	return a.description
}

func (a *Agent) Run(ctx context.Context, input *adk.AgentInput, options ...adk.AgentRunOption) *adk.AsyncIterator[*adk.AgentEvent] {
	iter, gen := adk.NewAsyncIteratorPair[*adk.AgentEvent]()
	go func() {
		defer func() {
			e := recover()
			if e != nil {
				gen.Send(&adk.AgentEvent{
					Err: fmt.Errorf("recover from panic: %v", e),
				})
			}
			gen.Close()
		}()
		if input == nil || len(input.Messages) == 0 {
			gen.Send(&adk.AgentEvent{
				Err: errors.New("no messages in input"),
			})
			return
		}
		session := a.store.Get(ctx)
		turn, err := a.dispatch(ctx, session, input.Messages[len(input.Messages)-1].Content)
		if err != nil {
			gen.Send(&adk.AgentEvent{
				Err: fmt.Errorf("step turn failed: %w", err),
			})
			return
		}
		gen.Send(replyEvent(turn))

		next, err := session.ContinueIfAdvanced(ctx)
		if err != nil {
			gen.Send(&adk.AgentEvent{
				Err: fmt.Errorf("introduce next step failed: %w", err),
			})
			return
		}
		if next != nil {
			gen.Send(replyEvent(next))
		}
	}()
	return iter
}

func (a *Agent) dispatch(ctx context.Context, session *Session, text string) (*Turn, error) {
	task := session.Task()
	if task == nil || task.Status == types.TaskCompleted {
		title, steps := ParseTaskDefinition(text)
		return session.Start(ctx, title, steps, nil)
	}
	if id, value, ok := matchAction(session.LastReply(), text); ok {
		return session.HandleAction(ctx, id, value)
	}
	return session.Send(ctx, text)
}

// matchAction resolves text against the button-like actions of a reply: a
// confirm or retry by id or label, or a select by one of its options.
func matchAction(reply *types.Reply, text string) (id, value string, ok bool) {
	if reply == nil {
		return "", "", false
	}
	text = strings.TrimSpace(text)
	for _, a := range reply.Actions {
		switch a.Kind {
		case types.ActionConfirm, types.ActionRetry:
			if strings.EqualFold(text, a.ID) || strings.EqualFold(text, a.Label) {
				return a.ID, "", true
			}
		case types.ActionSelect:
			for _, opt := range a.Options {
				if strings.EqualFold(text, opt) {
					return a.ID, opt, true
				}
			}
		}
	}
	return "", "", false
}

func replyEvent(turn *Turn) *adk.AgentEvent {
	return &adk.AgentEvent{
		Output: &adk.AgentOutput{
			MessageOutput: &adk.MessageVariant{
				IsStreaming: false,
				Message: &schema.Message{
					Role:    schema.Assistant,
					Content: Render(turn.Reply),
				},
				Role: schema.Assistant,
			},
		},
	}
}
