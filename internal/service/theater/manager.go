package theater

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/cognitive-theater/backend/internal/model/session"
	"github.com/cognitive-theater/backend/internal/service/agent"
)

// ErrSessionNotFound reports a session id with no live instance and no
// document on disk.
var ErrSessionNotFound = errors.New("session not found")

// Manager owns the process-wide cache of live Theater instances. Entries are
// populated lazily, never expire, and are evicted only on delete. Create is
// the single path that mints a session: looking up an unknown id never
// silently creates one, so the continue and history-fetch paths agree on
// not-found.
type Manager struct {
	mu     sync.Mutex
	cache  map[string]*Theater
	agents *agent.Registry
	store  *session.Store
	cfg    Config
}

// NewManager builds the session manager over one agent registry and store.
func NewManager(agents *agent.Registry, store *session.Store, cfg Config) *Manager {
	return &Manager{
		cache:  make(map[string]*Theater),
		agents: agents,
		store:  store,
		cfg:    cfg,
	}
}

// Create mints a new session id and registers an empty Theater for it.
func (m *Manager) Create(_ context.Context) *Theater {
	sessionID := uuid.NewString()
	t := New(sessionID, m.agents, m.store, m.cfg)

	m.mu.Lock()
	m.cache[sessionID] = t
	m.mu.Unlock()

	log.Printf("[theater] created session %s", sessionID)
	return t
}

// Get returns the live instance for an existing session, restoring it from
// disk on a cache miss. Unknown ids yield ErrSessionNotFound.
func (m *Manager) Get(_ context.Context, sessionID string) (*Theater, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.cache[sessionID]; ok {
		return t, nil
	}

	doc, err := m.store.Load(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore session %s: %w", sessionID, err)
	}

	log.Printf("[theater] cache miss, restoring session %s from disk", sessionID)
	t := Restore(doc, m.agents, m.store, m.cfg)
	m.cache[sessionID] = t
	return t, nil
}

// List returns session summaries, newest first.
func (m *Manager) List(_ context.Context) ([]session.Summary, error) {
	return m.store.List()
}

// Delete evicts any cached instance and removes the on-disk document.
// Deleting a session that does not exist succeeds.
func (m *Manager) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()

	return m.store.Delete(sessionID)
}
