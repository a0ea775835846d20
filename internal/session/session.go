// Package session models one client connection's lifetime. Components
// register on-end hooks when the session starts; the transport ends the
// session when the connection goes away, which runs the hooks. This is
// how writes get triggered by a disconnect without the component
// watching the connection itself.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var ErrEnded = errors.New("session ended")

// Hook runs once when the session ends. It gets a fresh context because
// the connection's own context is usually already canceled by then.
type Hook func(ctx context.Context) error

type Session struct {
	id     string
	userID string

	mu    sync.Mutex
	hooks map[int]hookEntry
	next  int
	ended bool
}

type hookEntry struct {
	name string
	fn   Hook
}

func New(userID string) *Session {
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		hooks:  make(map[int]hookEntry),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// OnEnd registers fn and returns a function that unregisters it.
// On a session that already ended nothing is registered and ok is false.
func (s *Session) OnEnd(name string, fn Hook) (cancel func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return func() {}, false
	}
	id := s.next
	s.next++
	s.hooks[id] = hookEntry{name: name, fn: fn}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.hooks, id)
	}, true
}

// End runs the registered hooks in registration order. Only the first
// call does anything.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	hooks := make([]hookEntry, 0, len(s.hooks))
	for i := 0; i < s.next; i++ {
		if h, ok := s.hooks[i]; ok {
			hooks = append(hooks, h)
		}
	}
	s.hooks = nil
	s.mu.Unlock()

	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			slog.Warn("session end hook failed", "session_id", s.id, "user_id", s.userID, "hook", h.name, "error", err)
		}
	}
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
