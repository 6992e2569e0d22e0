package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbxark/stepagent/oracle"
	"github.com/tbxark/stepagent/types"
)

func TestParseDateArg(t *testing.T) {
	id, day, clock, err := parseDateArg("depart=2026-10-21", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "depart", id)
	assert.Equal(t, time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC), day)
	assert.Empty(t, clock)

	id, day, clock, err = parseDateArg("return=2026-10-23@14:30", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "return", id)
	assert.Equal(t, 23, day.Day())
	assert.Equal(t, "14:30", clock)

	for _, bad := range []string{"2026-10-21", "=2026-10-21", "depart=2026-13-01", "depart=tomorrow"} {
		_, _, _, err := parseDateArg(bad, time.UTC)
		assert.Error(t, err, bad)
	}
}

type recordingSource struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSource) Produce(ctx context.Context, req *types.OracleRequest) (string, error) {
	s.mu.Lock()
	s.messages = append(s.messages, req.UserMessage)
	s.mu.Unlock()
	if req.CurrentStep == "Pick dates" {
		return `{"message":"When do you leave?","confidence":70,"taskProgress":40,"actions":[{"id":"depart","type":"date","label":"Departure"}]}`, nil
	}
	return `{"message":"Where to?","confidence":85,"taskProgress":20,"actions":[{"id":"ok","type":"confirm","label":"Looks good"}]}`, nil
}

func (s *recordingSource) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func TestReplTaskFlow(t *testing.T) {
	src := &recordingSource{}
	client := oracle.NewClient(oracle.NewBoundary(src), oracle.WithMinInterval(0))
	in := strings.NewReader(strings.Join([]string{
		"Trip",
		"- Choose a city",
		"- Pick dates",
		"",
		"looks good",
		"/status",
		"/dates depart=2026-10-21",
		"/correct 3 too far",
		"/quit",
	}, "\n") + "\n")
	var out bytes.Buffer

	r := newRepl(context.Background(), client, 4, in, &out)
	require.NoError(t, r.loop())

	text := out.String()
	assert.Contains(t, text, "agent> Where to?")
	assert.Contains(t, text, "Confirmed. Moving to next step...")
	assert.Contains(t, text, "When do you leave?")
	assert.Contains(t, text, "> 2. Pick dates (in_progress)")
	assert.Contains(t, text, "step 3 has not been reached yet")

	assert.Equal(t, []string{
		"Starting task: Trip. First step: Choose a city",
		"Next step: Pick dates",
		"October 21st, 2026",
	}, src.received())
	assert.Equal(t, 1, r.session.Task().CurrentStep)
}

func TestReplDatesWithoutDateActions(t *testing.T) {
	src := &recordingSource{}
	client := oracle.NewClient(oracle.NewBoundary(src), oracle.WithMinInterval(0))
	in := strings.NewReader("Trip\nChoose a city\n\n/dates depart=2026-10-21\n")
	var out bytes.Buffer

	r := newRepl(context.Background(), client, 4, in, &out)
	require.NoError(t, r.loop())
	assert.Contains(t, out.String(), "the last reply has no date actions")
	assert.Len(t, src.received(), 1)
}
