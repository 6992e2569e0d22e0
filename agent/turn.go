package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"

	"github.com/tbxark/stepagent/action"
	"github.com/tbxark/stepagent/conversation"
	"github.com/tbxark/stepagent/types"
)

func instrument[T any](ctx context.Context, name string, input map[string]any, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx = callbacks.EnsureRunInfo(ctx, "StepSession."+name, "Agent")
	ctx = callbacks.OnStart(ctx, input)

	defer func() {
		if r := recover(); r != nil {
			callbacks.OnError(ctx, fmt.Errorf("panic in StepSession.%s: %v", name, r))
			panic(r)
		}
	}()

	out, err := fn(ctx)
	if err != nil {
		callbacks.OnError(ctx, err)
		return out, err
	}
	callbacks.OnEnd(ctx, map[string]any{"result": out})
	return out, nil
}

func (s *Session) acquire() error {
	if !s.guard.TryAcquire(1) {
		return ErrBusy
	}
	return nil
}

// Start replaces any current task with a new one and asks the oracle to
// introduce its first step.
func (s *Session) Start(ctx context.Context, title string, steps []string, due *time.Time) (*Turn, error) {
	return instrument(ctx, "Start", map[string]any{"title": title, "steps": steps}, func(ctx context.Context) (*Turn, error) {
		if err := s.acquire(); err != nil {
			return nil, err
		}
		defer s.guard.Release(1)

		task, err := CreateTask(title, steps, due)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		before := s.task
		s.task = task
		s.log.Clear()
		s.generation++
		s.pacing.RetryAttempt = 0
		s.announce = false
		s.lastError = ""
		s.notice = ""
		s.mu.Unlock()
		s.emit(TransitionCreate, before, task)
		slog.Debug("task created", "task", task.ID, "steps", len(task.Steps))

		msg := fmt.Sprintf("Starting task: %s. First step: %s", task.Title, task.Steps[0].Description)
		return s.exchange(ctx, msg, types.HintStarting)
	})
}

// Send forwards free text from the user.
func (s *Session) Send(ctx context.Context, text string) (*Turn, error) {
	return instrument(ctx, "Send", map[string]any{"text": text}, func(ctx context.Context) (*Turn, error) {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, fmt.Errorf("%w: message is empty", ErrValidation)
		}
		if err := s.acquire(); err != nil {
			return nil, err
		}
		defer s.guard.Release(1)
		return s.exchange(ctx, text, "")
	})
}

// HandleAction submits one action of the latest agent reply. The action kind
// becomes the hint, so a confirm is what may advance the step. Date actions
// go through SubmitDates.
func (s *Session) HandleAction(ctx context.Context, actionID, value string) (*Turn, error) {
	return instrument(ctx, "HandleAction", map[string]any{"action": actionID, "value": value}, func(ctx context.Context) (*Turn, error) {
		reply := s.LastReply()
		a, ok := reply.Action(actionID)
		if !ok {
			return nil, fmt.Errorf("%w: action %q is not offered", ErrValidation, actionID)
		}
		if action.IsDateKind(a.Kind) {
			return nil, fmt.Errorf("%w: %s actions are submitted as a batch", ErrValidation, a.Kind)
		}
		sub, err := action.Submit(a, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if err := s.acquire(); err != nil {
			return nil, err
		}
		defer s.guard.Release(1)
		return s.exchange(ctx, sub.Text, sub.Hint())
	})
}

// DateBatch collects the date and datetime actions of the latest reply.
func (s *Session) DateBatch() *action.DateBatch {
	var actions []types.Action
	if reply := s.LastReply(); reply != nil {
		actions = reply.Actions
	}
	return action.NewDateBatch(actions)
}

// SubmitDates sends one turn per action of a filled batch, in order. It stops
// at the first failed turn and returns the turns that completed.
func (s *Session) SubmitDates(ctx context.Context, batch *action.DateBatch) ([]*Turn, error) {
	return instrument(ctx, "SubmitDates", map[string]any{"size": batch.Len()}, func(ctx context.Context) ([]*Turn, error) {
		subs, err := batch.Submit()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if err := s.acquire(); err != nil {
			return nil, err
		}
		defer s.guard.Release(1)

		turns := make([]*Turn, 0, len(subs))
		for _, sub := range subs {
			turn, err := s.exchange(ctx, sub.Text, sub.Hint())
			if err != nil {
				return turns, err
			}
			turns = append(turns, turn)
		}
		return turns, nil
	})
}

// SubmitCorrection reopens step index with a correction and tells the oracle
// about it.
func (s *Session) SubmitCorrection(ctx context.Context, index int, text string) (*Turn, error) {
	return instrument(ctx, "SubmitCorrection", map[string]any{"step": index, "text": text}, func(ctx context.Context) (*Turn, error) {
		if err := s.acquire(); err != nil {
			return nil, err
		}
		defer s.guard.Release(1)

		s.mu.Lock()
		before := s.task
		after, err := CorrectStep(before, index, text)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.task = after
		s.announce = false
		s.mu.Unlock()
		s.emit(TransitionCorrect, before, after)

		msg := fmt.Sprintf("User correction for step %d: %s", index+1, strings.TrimSpace(text))
		return s.exchange(ctx, msg, types.HintCorrection)
	})
}

// ContinueIfAdvanced introduces the new current step after a confirm moved
// the pointer. It returns nil when there is nothing to introduce.
func (s *Session) ContinueIfAdvanced(ctx context.Context) (*Turn, error) {
	s.mu.Lock()
	pending := s.announce && s.task != nil && s.task.Status == types.TaskActive
	var desc string
	if pending {
		desc = s.task.Current().Description
	}
	s.mu.Unlock()
	if !pending {
		return nil, nil
	}

	return instrument(ctx, "ContinueIfAdvanced", map[string]any{"step": desc}, func(ctx context.Context) (*Turn, error) {
		if err := s.acquire(); err != nil {
			return nil, err
		}
		defer s.guard.Release(1)

		turn, err := s.exchange(ctx, "Next step: "+desc, types.HintStarting)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.announce = false
		s.mu.Unlock()
		return turn, nil
	})
}

// exchange runs one oracle round trip. The caller holds the turn guard.
func (s *Session) exchange(ctx context.Context, text, hint string) (*Turn, error) {
	s.mu.Lock()
	if s.task == nil {
		s.mu.Unlock()
		return nil, ErrNoTask
	}
	if s.task.Status == types.TaskCompleted {
		s.mu.Unlock()
		return nil, ErrTaskCompleted
	}
	task := s.task
	generation := s.generation
	req := &types.OracleRequest{
		TaskTitle:        task.Title,
		CurrentStep:      task.Current().Description,
		StepIndex:        task.CurrentStep,
		TotalSteps:       len(task.Steps),
		AllSteps:         task.Descriptions(),
		UserMessage:      text,
		ActionType:       hint,
		PreviousMessages: conversation.Entries(s.log.Tail(s.history)),
	}
	s.log.Append(types.Message{Role: types.RoleUser, Content: text})
	s.lastError = ""
	s.notice = ""
	pacing := s.pacing
	s.mu.Unlock()

	slog.Debug("sending turn", "task", task.ID, "step", req.StepIndex+1, "hint", hint)
	reply, err := s.client.Reply(ctx, &pacing, req, s.setNotice)

	s.mu.Lock()
	if s.generation != generation {
		s.pacing.LastRequest = pacing.LastRequest
		s.mu.Unlock()
		slog.Debug("discarding turn for replaced task", "task", task.ID)
		return nil, ErrTaskDiscarded
	}
	s.pacing = pacing
	if err != nil {
		s.lastError = err.Error()
		s.mu.Unlock()
		slog.Warn("turn failed", "task", task.ID, "err", err)
		return nil, err
	}
	before := s.task
	after := ApplyReply(before, reply, hint)
	s.task = after
	s.log.Append(types.Message{Role: types.RoleAgent, Content: reply.Message, Reply: reply.Clone()})
	turn := &Turn{
		Reply:     reply.Clone(),
		Task:      after.Clone(),
		Advanced:  after.CurrentStep != before.CurrentStep,
		Completed: after.Status == types.TaskCompleted && before.Status != types.TaskCompleted,
	}
	if turn.Advanced {
		s.announce = true
	}
	s.mu.Unlock()

	s.emit(TransitionReply, before, after)
	slog.Debug("turn applied", "task", after.ID, "step", after.CurrentStep+1, "advanced", turn.Advanced, "completed", turn.Completed)
	return turn, nil
}
