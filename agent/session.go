package agent

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tbxark/stepagent/conversation"
	"github.com/tbxark/stepagent/oracle"
	"github.com/tbxark/stepagent/types"
)

const DefaultHistoryWindow = 4

// Session owns one task and its conversation log. Turns are serialized: a
// turn started while another is in flight fails with ErrBusy. Reset and
// Restore may run at any time; a turn that was in flight then fails with
// ErrTaskDiscarded and leaves the new state untouched.
type Session struct {
	client   *oracle.Client
	history  int
	observer Observer
	guard    *semaphore.Weighted

	mu         sync.Mutex
	task       *types.Task
	log        *conversation.Log
	pacing     oracle.Pacing
	generation uint64
	announce   bool
	lastError  string
	notice     string
}

type SessionOption func(*Session)

// WithHistory sets how many log entries are sent to the oracle as context.
func WithHistory(n int) SessionOption {
	return func(s *Session) {
		s.history = n
	}
}

func WithObserver(fn Observer) SessionOption {
	return func(s *Session) {
		s.observer = fn
	}
}

func NewSession(client *oracle.Client, opts ...SessionOption) *Session {
	s := &Session{
		client:  client,
		history: DefaultHistoryWindow,
		guard:   semaphore.NewWeighted(1),
		log:     conversation.NewLog(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Task returns a copy of the current task, or nil when none is set.
func (s *Session) Task() *types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Clone()
}

func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.All()
}

// LastReply is the reply attached to the most recent agent message.
func (s *Session) LastReply() *types.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReplyLocked()
}

func (s *Session) lastReplyLocked() *types.Reply {
	msg, ok := s.log.LastAgent()
	if !ok {
		return nil
	}
	return msg.Reply.Clone()
}

func (s *Session) Pacing() oracle.Pacing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pacing
}

// LastError is the user-facing text of the last failed turn.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Notice is a transient waiting message, set while backing off.
func (s *Session) Notice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notice
}

// PendingAdvance reports whether the pointer moved and the new step has not
// been introduced yet.
func (s *Session) PendingAdvance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announce
}

func (s *Session) setNotice(notice string) {
	s.mu.Lock()
	s.notice = notice
	s.mu.Unlock()
}

// Reset discards the task, clears the log and forgets the rate-limit backoff.
func (s *Session) Reset() {
	s.mu.Lock()
	before := s.task
	s.task = nil
	s.log.Clear()
	s.generation++
	s.pacing.RetryAttempt = 0
	s.announce = false
	s.lastError = ""
	s.notice = ""
	s.mu.Unlock()

	if before != nil {
		s.emit(TransitionReset, before, nil)
	}
}

func (s *Session) emit(kind TransitionKind, before, after *types.Task) {
	if s.observer != nil {
		s.observer(newTransition(kind, before, after))
	}
}
