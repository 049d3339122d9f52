package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/comicgen/comicd/pkg/models"
)

// Memory is the in-process Store used by tests and single-node development.
// All methods copy on the way in and out so callers never share state with
// the store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	versions map[string][]*models.Version // session id → creation order
	seen     map[string]map[string]bool   // session id → version id
	events   map[string][]StoredEvent     // session id → sequence order
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*models.Session),
		versions: make(map[string][]*models.Version),
		seen:     make(map[string]map[string]bool),
		events:   make(map[string][]StoredEvent),
	}
}

func (m *Memory) PutSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context, ownerID string, limit int) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if ownerID == "" || s.OwnerID == ownerID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindByClientToken(_ context.Context, ownerID, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.OwnerID == ownerID && s.ClientToken == token {
			return s.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.versions, id)
	delete(m.seen, id)
	delete(m.events, id)
	return nil
}

func (m *Memory) PutVersion(_ context.Context, v *models.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[v.SessionID] == nil {
		m.seen[v.SessionID] = make(map[string]bool)
	}
	if m.seen[v.SessionID][v.ID] {
		return nil // immutable; replay is a no-op
	}
	m.seen[v.SessionID][v.ID] = true
	m.versions[v.SessionID] = append(m.versions[v.SessionID], v)
	return nil
}

func (m *Memory) ListVersions(_ context.Context, sessionID string) ([]*models.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*models.Version(nil), m.versions[sessionID]...), nil
}

func (m *Memory) AppendEvent(_ context.Context, sessionID string, sequence int64, kind string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events[sessionID] {
		if e.Sequence == sequence {
			return nil // idempotent replay
		}
	}
	m.events[sessionID] = append(m.events[sessionID], StoredEvent{
		SessionID: sessionID,
		Sequence:  sequence,
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) ListEvents(_ context.Context, sessionID string, afterSeq int64) ([]StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StoredEvent
	for _, e := range m.events[sessionID] {
		if e.Sequence > afterSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) Close() error { return nil }
