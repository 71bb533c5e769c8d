// Package session owns per-connection state: the session table, the
// registration gate, per-session key-value storage, and the subsystem event
// bus the dispatcher and platform listeners coordinate over.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/magestik247/sockethub/internal/queue"
)

// Queue is the slice of the queue client the session layer needs: producing
// onto a session's outgoing channel.
type Queue interface {
	Push(ctx context.Context, channel, payload string) error
}

// Session is the per-connection state handle. Frames sent through it travel
// the session's outgoing queue channel so the egress pump delivers them in
// order with listener responses.
type Session struct {
	id         string
	channel    string
	queue      Queue
	registered atomic.Bool

	mu    sync.RWMutex
	store map[string]any
}

// ID returns the session id as a decimal string.
func (s *Session) ID() string { return s.id }

// IsRegistered reports whether the register verb has completed on this
// session.
func (s *Session) IsRegistered() bool { return s.registered.Load() }

// SetRegistered flips the registration gate.
func (s *Session) SetRegistered(v bool) { s.registered.Store(v) }

// Send marshals a frame and pushes it onto the session's outgoing channel.
func (s *Session) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.queue.Push(ctx, s.channel, string(data))
}

// Set stores a value in the session's key-value store.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key] = value
}

// Get reads a value from the session's key-value store.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.store[key]
	return v, ok
}

// Manager tracks live sessions and exposes the subsystem bus.
type Manager struct {
	log         zerolog.Logger
	queue       Queue
	subsystem   *Subsystem
	sockethubID string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager bound to the queue and subsystem
// transport.
func NewManager(log zerolog.Logger, q Queue, transport Transport, sockethubID string) *Manager {
	return &Manager{
		log:         log.With().Str("component", "sessions").Logger(),
		queue:       q,
		subsystem:   NewSubsystem(log, transport),
		sockethubID: sockethubID,
		sessions:    make(map[string]*Session),
	}
}

// Get resolves the session for an id, creating it on first use.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s := &Session{
		id:      id,
		channel: queue.ChannelOutgoing(m.sockethubID, id),
		queue:   m.queue,
		store:   make(map[string]any),
	}
	m.sessions[id] = s
	m.log.Debug().Str("sid", id).Msg("session created")
	return s, nil
}

// Destroy drops a session and its state. Unknown ids are a no-op.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.log.Debug().Str("sid", id).Msg("session destroyed")
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Subsystem returns the shared event bus.
func (m *Manager) Subsystem() *Subsystem {
	return m.subsystem
}

// Shutdown unbinds the subsystem bus from its transport.
func (m *Manager) Shutdown() {
	m.subsystem.Close()
}
