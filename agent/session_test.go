package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbxark/stepagent/action"
	"github.com/tbxark/stepagent/oracle"
	"github.com/tbxark/stepagent/types"
)

const stepReply = `{"message":"Tell me about %s","confidence":80,"taskProgress":30,"actions":[
	{"id":"ok","type":"confirm","label":"Confirm & Continue"},
	{"id":"class","type":"select","label":"Class","options":["Economy","Business"]},
	{"id":"name","type":"input","label":"Name"},
	{"id":"depart","type":"date","label":"Depart"},
	{"id":"return","type":"datetime","label":"Return"}]}`

// script is an oracle source that records every request it sees.
type script struct {
	mu       sync.Mutex
	requests []*types.OracleRequest
	respond  func(req *types.OracleRequest) (string, error)
}

func (s *script) Produce(ctx context.Context, req *types.OracleRequest) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	respond := s.respond
	s.mu.Unlock()
	if respond == nil {
		return fmt.Sprintf(stepReply, req.CurrentStep), nil
	}
	return respond(req)
}

func (s *script) set(fn func(req *types.OracleRequest) (string, error)) {
	s.mu.Lock()
	s.respond = fn
	s.mu.Unlock()
}

func (s *script) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *script) last() *types.OracleRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func newTestSession(src oracle.Source, opts ...SessionOption) *Session {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	client := oracle.NewClient(oracle.NewBoundary(src), oracle.WithClock(clock))
	return NewSession(client, opts...)
}

func TestSessionThreeStepFlow(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()

	turn, err := s.Start(ctx, "Trip", []string{"A", "B", "C"}, nil)
	require.NoError(t, err)
	assert.False(t, turn.Advanced)
	assert.Equal(t, "Tell me about A", turn.Reply.Message)
	assert.Equal(t, "Starting task: Trip. First step: A", src.last().UserMessage)
	assert.Equal(t, types.HintStarting, src.last().ActionType)
	assert.Empty(t, src.last().PreviousMessages)

	for i, desc := range []string{"A", "B", "C"} {
		before := src.calls()
		turn, err = s.HandleAction(ctx, "ok", "")
		require.NoError(t, err)
		assert.Equal(t, before, src.calls(), "confirm never reaches the source")

		if i < 2 {
			assert.True(t, turn.Advanced)
			assert.Equal(t, "Confirmed. Moving to next step...", turn.Reply.Message)
			assert.Equal(t, i+1, turn.Task.CurrentStep)
			assert.Equal(t, types.StepCompleted, turn.Task.Steps[i].Status)
			assert.Equal(t, types.StepInProgress, turn.Task.Steps[i+1].Status)
			require.True(t, s.PendingAdvance())

			next, err := s.ContinueIfAdvanced(ctx)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, "Next step: "+[]string{"B", "C"}[i], src.last().UserMessage)
			assert.Equal(t, types.HintStarting, src.last().ActionType)
			assert.False(t, s.PendingAdvance())

			none, err := s.ContinueIfAdvanced(ctx)
			require.NoError(t, err)
			assert.Nil(t, none)
			continue
		}
		assert.False(t, turn.Advanced, "last step %s keeps the pointer", desc)
		assert.True(t, turn.Completed)
		assert.Equal(t, "Confirmed. Finishing task...", turn.Reply.Message)
	}

	task := s.Task()
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.CurrentStep)
	assert.Equal(t, []types.StepStatus{types.StepCompleted, types.StepCompleted, types.StepCompleted}, statuses(task))

	next, err := s.ContinueIfAdvanced(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
	_, err = s.Send(ctx, "anything else?")
	assert.ErrorIs(t, err, ErrTaskCompleted)
}

func TestSessionHistoryWindow(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()

	_, err := s.Start(ctx, "Trip", []string{"A", "B"}, nil)
	require.NoError(t, err)
	_, err = s.Send(ctx, "one")
	require.NoError(t, err)
	prev := src.last().PreviousMessages
	require.Len(t, prev, 2)
	assert.Equal(t, types.RoleUser, prev[0].Role)
	assert.Equal(t, types.RoleAgent, prev[1].Role)

	_, err = s.Send(ctx, "two")
	require.NoError(t, err)
	_, err = s.Send(ctx, "three")
	require.NoError(t, err)
	prev = src.last().PreviousMessages
	require.Len(t, prev, 4)
	assert.Equal(t, "two", prev[2].Content)
	assert.Equal(t, types.RoleAgent, prev[3].Role)
	assert.Equal(t, "three", src.last().UserMessage)

	msgs := s.Messages()
	assert.Len(t, msgs, 8)
	for _, m := range msgs {
		if m.Role == types.RoleUser {
			assert.Nil(t, m.Reply)
		} else {
			assert.NotNil(t, m.Reply)
		}
	}

	_, err = s.Send(ctx, "   ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSessionWithoutTask(t *testing.T) {
	s := newTestSession(&script{})
	_, err := s.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoTask)
	_, err = s.SubmitCorrection(context.Background(), 0, "x")
	assert.ErrorIs(t, err, ErrNoTask)
	_, err = s.Start(context.Background(), "", []string{"A"}, nil)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Nil(t, s.Task())
}

func TestSessionHandleActions(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A", "B"}, nil)
	require.NoError(t, err)

	_, err = s.HandleAction(ctx, "class", "First")
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, action.ErrUnknownOption)
	_, err = s.HandleAction(ctx, "name", "  ")
	assert.ErrorIs(t, err, action.ErrEmptyInput)
	_, err = s.HandleAction(ctx, "depart", "October 18th, 2026")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.HandleAction(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrValidation)
	calls := src.calls()

	turn, err := s.HandleAction(ctx, "class", "Business")
	require.NoError(t, err)
	assert.False(t, turn.Advanced)
	assert.Equal(t, calls+1, src.calls())
	assert.Equal(t, "Business", src.last().UserMessage)
	assert.Equal(t, "select", src.last().ActionType)

	_, err = s.HandleAction(ctx, "name", " Ada ")
	require.NoError(t, err)
	assert.Equal(t, "Ada", src.last().UserMessage)
	assert.Equal(t, "input", src.last().ActionType)
}

func TestSessionSubmitDates(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A", "B"}, nil)
	require.NoError(t, err)

	batch := s.DateBatch()
	require.Equal(t, 2, batch.Len())
	_, err = s.SubmitDates(ctx, batch)
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, batch.SetDate("depart", time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, batch.SetDate("return", time.Date(2026, 10, 23, 0, 0, 0, 0, time.UTC)))
	calls := src.calls()

	turns, err := s.SubmitDates(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	assert.Equal(t, calls+2, src.calls())

	src.mu.Lock()
	depart, ret := src.requests[calls], src.requests[calls+1]
	src.mu.Unlock()
	assert.Equal(t, "October 21st, 2026", depart.UserMessage)
	assert.Equal(t, "date", depart.ActionType)
	assert.Equal(t, "October 23rd, 2026 at 9:00 AM", ret.UserMessage)
	assert.Equal(t, "datetime", ret.ActionType)
}

func TestSessionSubmitCorrection(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A", "B", "C"}, nil)
	require.NoError(t, err)
	_, err = s.HandleAction(ctx, "ok", "")
	require.NoError(t, err)
	require.True(t, s.PendingAdvance())

	turn, err := s.SubmitCorrection(ctx, 0, " wrong airport ")
	require.NoError(t, err)
	assert.Equal(t, "User correction for step 1: wrong airport", src.last().UserMessage)
	assert.Equal(t, types.HintCorrection, src.last().ActionType)
	assert.Equal(t, 0, src.last().StepIndex)
	assert.Equal(t, 0, turn.Task.CurrentStep)
	assert.Equal(t, []string{"wrong airport"}, turn.Task.Steps[0].Corrections)
	assert.Equal(t, types.StepPending, turn.Task.Steps[1].Status)
	assert.False(t, s.PendingAdvance())

	_, err = s.SubmitCorrection(ctx, 5, "x")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSessionRejectsOverlappingTurns(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A", "B"}, nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	src.set(func(req *types.OracleRequest) (string, error) {
		close(entered)
		<-release
		return `{"message":"done","actions":[]}`, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, "first")
		done <- err
	}()
	<-entered

	_, err = s.Send(ctx, "second")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.Start(ctx, "Other", []string{"X"}, nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "Trip", s.Task().Title)
	last := s.LastReply()
	require.NotNil(t, last)
	assert.Equal(t, "done", last.Message)
}

func TestSessionResetDiscardsInFlightTurn(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A", "B"}, nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	src.set(func(req *types.OracleRequest) (string, error) {
		close(entered)
		<-release
		return `{"message":"late","actions":[]}`, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, "slow")
		done <- err
	}()
	<-entered
	s.Reset()
	close(release)

	assert.ErrorIs(t, <-done, ErrTaskDiscarded)
	assert.Nil(t, s.Task())
	assert.Empty(t, s.Messages())
}

func TestSessionDiscardedTurnKeepsBackoffReset(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A"}, nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	src.set(func(req *types.OracleRequest) (string, error) {
		close(entered)
		<-release
		return "", errors.New("error, status code: 429")
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, "slow")
		done <- err
	}()
	<-entered
	s.Reset()
	close(release)

	assert.ErrorIs(t, <-done, ErrTaskDiscarded)
	assert.Equal(t, 0, s.Pacing().RetryAttempt)
	assert.False(t, s.Pacing().LastRequest.IsZero())
}

func TestSessionOracleFailureKeepsTask(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A", "B"}, nil)
	require.NoError(t, err)
	before := s.Task()

	src.set(func(req *types.OracleRequest) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	})
	_, err = s.Send(ctx, "hello")
	require.ErrorIs(t, err, oracle.ErrUnavailable)
	assert.Contains(t, s.LastError(), "connection refused")

	after := s.Task()
	assert.Equal(t, statuses(before), statuses(after))
	assert.Equal(t, before.CurrentStep, after.CurrentStep)

	src.set(nil)
	_, err = s.Send(ctx, "hello again")
	require.NoError(t, err)
	assert.Empty(t, s.LastError())
}

func TestSessionRateLimitNotice(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A"}, nil)
	require.NoError(t, err)

	src.set(func(req *types.OracleRequest) (string, error) {
		return "", errors.New("error, status code: 429")
	})
	_, err = s.Send(ctx, "hi")
	require.ErrorIs(t, err, oracle.ErrRateLimited)
	assert.Equal(t, "Rate limited. Please wait 5 seconds...", s.Notice())
	assert.Equal(t, "Rate limit exceeded. Please try again in a moment.", s.LastError())
	assert.Equal(t, 1, s.Pacing().RetryAttempt)

	_, err = s.Send(ctx, "hi")
	require.ErrorIs(t, err, oracle.ErrRateLimited)
	assert.Equal(t, "Rate limited. Please wait 10 seconds...", s.Notice())

	src.set(nil)
	_, err = s.Send(ctx, "hi")
	require.NoError(t, err)
	assert.Empty(t, s.Notice())
	assert.Equal(t, 0, s.Pacing().RetryAttempt)
}

func TestSessionNewTaskRestartsBackoff(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A"}, nil)
	require.NoError(t, err)

	limited := func(req *types.OracleRequest) (string, error) {
		return "", errors.New("error, status code: 429")
	}
	src.set(limited)
	for range 2 {
		_, err = s.Send(ctx, "hi")
		require.ErrorIs(t, err, oracle.ErrRateLimited)
	}
	assert.Equal(t, 2, s.Pacing().RetryAttempt)

	s.Reset()
	assert.Equal(t, 0, s.Pacing().RetryAttempt)

	_, err = s.Start(ctx, "Move", []string{"Pack", "Drive"}, nil)
	var rl *oracle.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 1, rl.Attempt)
	assert.Equal(t, 5*time.Second, rl.Wait)
	assert.Equal(t, "Rate limited. Please wait 5 seconds...", s.Notice())

	_, err = s.Send(ctx, "hi")
	require.ErrorIs(t, err, oracle.ErrRateLimited)
	_, err = s.Start(ctx, "Cook", []string{"Chop"}, nil)
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 1, rl.Attempt, "starting a task replaces the escalated backoff")
}

func TestSessionPacesTurns(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	var dispatched []time.Time
	src := oracle.SourceFunc(func(ctx context.Context, req *types.OracleRequest) (string, error) {
		dispatched = append(dispatched, clock.Now())
		return `{"message":"ok","actions":[]}`, nil
	})
	s := NewSession(oracle.NewClient(oracle.NewBoundary(src), oracle.WithClock(clock)))
	ctx := context.Background()

	_, err := s.Start(ctx, "Trip", []string{"A"}, nil)
	require.NoError(t, err)
	_, err = s.Send(ctx, "one")
	require.NoError(t, err)
	_, err = s.Send(ctx, "two")
	require.NoError(t, err)

	require.Len(t, dispatched, 3)
	for i := 1; i < len(dispatched); i++ {
		assert.GreaterOrEqual(t, dispatched[i].Sub(dispatched[i-1]), 2*time.Second)
	}
}

func TestSessionCheckpoint(t *testing.T) {
	src := &script{}
	s := newTestSession(src)
	ctx := context.Background()
	_, err := s.Start(ctx, "Trip", []string{"A", "B"}, nil)
	require.NoError(t, err)
	_, err = s.HandleAction(ctx, "ok", "")
	require.NoError(t, err)

	data, err := s.CreateCheckpoint()
	require.NoError(t, err)

	restored := newTestSession(src)
	require.NoError(t, restored.RestoreCheckpoint(data))
	task := restored.Task()
	require.NotNil(t, task)
	assert.Equal(t, s.Task().ID, task.ID)
	assert.Equal(t, 1, task.CurrentStep)
	assert.Equal(t, []types.StepStatus{types.StepCompleted, types.StepInProgress}, statuses(task))
	assert.True(t, restored.PendingAdvance())
	require.Len(t, restored.Messages(), 4)
	assert.Equal(t, s.Messages()[3].Content, restored.Messages()[3].Content)

	next, err := restored.ContinueIfAdvanced(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "Next step: B", src.last().UserMessage)

	assert.Error(t, restored.RestoreCheckpoint([]byte(`{"version":"0.9"}`)))
	assert.Error(t, restored.RestoreCheckpoint([]byte(`not json`)))
	assert.ErrorIs(t, restored.RestoreCheckpoint([]byte(`{"version":"1.0","task":{"steps":[],"currentStepIndex":0}}`)), ErrValidation)
}

func TestSessionTransitions(t *testing.T) {
	var transitions []Transition
	s := newTestSession(&script{}, WithObserver(func(tr Transition) {
		transitions = append(transitions, tr)
	}))
	ctx := context.Background()

	_, err := s.Start(ctx, "Trip", []string{"A", "B"}, nil)
	require.NoError(t, err)
	_, err = s.HandleAction(ctx, "ok", "")
	require.NoError(t, err)
	s.Reset()

	kinds := make([]TransitionKind, len(transitions))
	for i, tr := range transitions {
		kinds[i] = tr.Kind
	}
	assert.Equal(t, []TransitionKind{TransitionCreate, TransitionReply, TransitionReply, TransitionReset}, kinds)

	confirm := transitions[2]
	require.NotEmpty(t, confirm.Patch)
	before, err := sonic.Marshal(confirm.Before)
	require.NoError(t, err)
	after, err := sonic.Marshal(confirm.After)
	require.NoError(t, err)
	patched, err := jsonpatch.MergePatch(before, confirm.Patch)
	require.NoError(t, err)
	assert.JSONEq(t, string(after), string(patched))
	assert.Contains(t, string(confirm.Patch), `"currentStepIndex":1`)

	assert.Nil(t, transitions[3].After)
}
