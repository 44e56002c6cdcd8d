package session

import (
	"context"
	"sort"
	"sync"
)

// Backend is the persistence capability the Store is built on. It stores
// records verbatim and enforces nothing beyond session_id uniqueness; the
// lifecycle rules live in Store.
//
// Lookups return ErrNotFound when nothing matches. Insert returns
// ErrDuplicate when the session_id is already stored.
type Backend interface {
	FindByID(ctx context.Context, id string) (*Session, error)
	FindBySessionID(ctx context.Context, sessionID string) (*Session, error)
	// FindActive returns the most recently started active session.
	FindActive(ctx context.Context) (*Session, error)
	Insert(ctx context.Context, s *Session) error
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) (bool, error)
	// List returns all sessions ordered by StartedAt descending.
	List(ctx context.Context) ([]Session, error)
	Ping(ctx context.Context) error
	// Type names the backend for logs and health output.
	Type() string
}

// MemoryBackend keeps sessions in process memory. It is the ephemeral tier:
// always available, lost on restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions []Session
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) FindByID(_ context.Context, id string) (*Session, error) {
	return m.find(id, "")
}

func (m *MemoryBackend) FindBySessionID(_ context.Context, sessionID string) (*Session, error) {
	return m.find("", sessionID)
}

func (m *MemoryBackend) find(id, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := Resolve(m.sessions, id, sessionID)
	if i < 0 {
		return nil, ErrNotFound
	}
	s := m.sessions[i].Clone()
	return &s, nil
}

func (m *MemoryBackend) FindActive(ctx context.Context) (*Session, error) {
	all, _ := m.List(ctx)
	for i := range all {
		if all[i].IsActive() {
			return &all[i], nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) Insert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if Resolve(m.sessions, "", s.SessionID) >= 0 {
		return ErrDuplicate
	}
	m.sessions = append(m.sessions, s.Clone())
	return nil
}

func (m *MemoryBackend) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := Resolve(m.sessions, s.ID, "")
	if i < 0 {
		return ErrNotFound
	}
	m.sessions[i] = s.Clone()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := Resolve(m.sessions, id, "")
	if i < 0 {
		return false, nil
	}
	m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
	return true, nil
}

func (m *MemoryBackend) List(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, len(m.sessions))
	for i := range m.sessions {
		out[i] = m.sessions[i].Clone()
	}
	m.mu.RUnlock()
	SortByStartedDesc(out)
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Type() string { return "memory" }

// Len returns the number of stored sessions.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SortByStartedDesc orders sessions newest first. Ties are broken by ID so
// the order is stable for a given snapshot.
func SortByStartedDesc(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.After(b.StartedAt)
		}
		return a.ID < b.ID
	})
}
