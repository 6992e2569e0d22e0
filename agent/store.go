package agent

import (
	"context"
	"sync"
)

type sessionKeyContext struct{}

const defaultSessionKey = "default"

// WithSessionKey sets the routing key used to pick a session from a store.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyContext{}, key)
}

// SessionKeyFromContext gets the routing key from the context.
func SessionKeyFromContext(ctx context.Context) (string, bool) {
	value := ctx.Value(sessionKeyContext{})
	if value == nil {
		return "", false
	}
	key, ok := value.(string)
	return key, ok
}

func sessionKeyOrDefault(ctx context.Context) string {
	key, ok := SessionKeyFromContext(ctx)
	if ok && key != "" {
		return key
	}
	return defaultSessionKey
}

// SessionStore keeps one session per routing key in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  func(ctx context.Context) *Session
}

func NewSessionStore(factory func(ctx context.Context) *Session) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

// Get returns the session for the context key, creating it on first use.
func (m *SessionStore) Get(ctx context.Context) *Session {
	key := sessionKeyOrDefault(ctx)
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s = m.factory(ctx)
	m.sessions[key] = s
	return s
}

func (m *SessionStore) Lookup(ctx context.Context) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionKeyOrDefault(ctx)]
	m.mu.RUnlock()
	return s, ok
}

// Remove resets and forgets the session for the context key.
func (m *SessionStore) Remove(ctx context.Context) {
	key := sessionKeyOrDefault(ctx)
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		s.Reset()
	}
}

func (m *SessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
