package api

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/core"
	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// SessionManager holds the live session of every logged in user. All sessions
// share the remote store and the local mirror.
type SessionManager struct {
	remote remote.DocumentStore
	mirror store.Mirror
	opts   core.Options
	hub    *EventHub

	mux      sync.Mutex
	sessions map[string]*core.Session
}

// NewSessionManager wires every new session to hub when hub is not nil.
func NewSessionManager(rs remote.DocumentStore, mirror store.Mirror,
	opts core.Options, hub *EventHub) *SessionManager {
	return &SessionManager{
		remote:   rs,
		mirror:   mirror,
		opts:     opts,
		hub:      hub,
		sessions: make(map[string]*core.Session),
	}
}

// Open returns the session of userID, logging the user in if needed.
func (m *SessionManager) Open(ctx context.Context, userID string) (*core.Session, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s, nil
	}

	opts := m.opts
	if m.hub != nil {
		events := m.hub.For(userID)
		opts.Hooks, opts.Notifier = events, events
	}
	s, err := core.NewSession(ctx, userID, m.remote, m.mirror, opts)
	if err != nil {
		return nil, err
	}
	m.sessions[userID] = s
	return s, nil
}

// Get returns the open session of userID.
func (m *SessionManager) Get(userID string) (*core.Session, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, errors.Wrapf(core.ErrSessionClosed, "no session for %s", userID)
	}
	return s, nil
}

// Close logs userID out and disconnects its event streams.
func (m *SessionManager) Close(ctx context.Context, userID string) error {
	m.mux.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mux.Unlock()
	if !ok {
		return nil
	}
	if m.hub != nil {
		m.hub.CloseUser(userID)
	}
	return s.Close(ctx)
}

// CloseAll logs every user out.
func (m *SessionManager) CloseAll(ctx context.Context) {
	m.mux.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mux.Unlock()

	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			jww.WARN.Printf("[SessionManager] logout of %s: %+v", id, err)
		}
	}
}
