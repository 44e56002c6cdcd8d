// Package mirror keeps a client-side, eventually consistent copy of the
// session list. Polled snapshots and pushed events both go through the same
// merge rule, so there is one place that decides between conflicting views.
package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/snarg/livescribe/internal/session"
)

// Mirror is safe for concurrent use.
type Mirror struct {
	mu          sync.RWMutex
	sessions    []session.Session
	loaded      bool
	unavailable bool
	lastErr     error
	lastSync    time.Time
	now         func() time.Time
}

// Snapshot is a point-in-time copy of the mirror.
type Snapshot struct {
	Sessions []session.Session // newest first

	// Loaded is false until the first successful fetch. Together with
	// Unavailable it separates "loading", "store unreachable" and "no
	// sessions yet".
	Loaded      bool
	Unavailable bool
	Err         error
	LastSync    time.Time
}

// Active returns the most recently started active session in the
// snapshot, or nil.
func (s Snapshot) Active() *session.Session {
	for i := range s.Sessions {
		if s.Sessions[i].IsActive() {
			return &s.Sessions[i]
		}
	}
	return nil
}

func New() *Mirror {
	return &Mirror{now: time.Now}
}

// Merge folds a polled list into the mirror and clears the unavailable
// flag. Sessions missing from remote are kept; deletions arrive through
// Remove.
func (m *Mirror) Merge(remote []session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeLocked(remote)
}

// MergeIfLive is Merge guarded by ctx: the list is discarded, and ctx.Err()
// returned, if ctx is done when the mirror lock is taken. A fetch that
// outlives its poller cannot overwrite newer state.
func (m *Mirror) MergeIfLive(ctx context.Context, remote []session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mergeLocked(remote)
	return nil
}

func (m *Mirror) mergeLocked(remote []session.Session) {
	for _, r := range remote {
		m.sessions = merge(m.sessions, r)
	}
	m.loaded = true
	m.unavailable = false
	m.lastErr = nil
	m.lastSync = m.now()
}

// Apply folds one pushed session into the mirror.
func (m *Mirror) Apply(s session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = merge(m.sessions, s)
}

// Remove drops the session with record id id. It reports whether one was
// present.
func (m *Mirror) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := session.Resolve(m.sessions, id, "")
	if i < 0 {
		return false
	}
	m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
	return true
}

// MarkUnavailable records a failed fetch. The mirrored sessions are kept.
func (m *Mirror) MarkUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = true
	m.lastErr = err
}

// Snapshot returns a deep copy, newest first.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Session, len(m.sessions))
	for i, s := range m.sessions {
		out[i] = s.Clone()
	}
	session.SortByStartedDesc(out)
	return Snapshot{
		Sessions:    out,
		Loaded:      m.loaded,
		Unavailable: m.unavailable,
		Err:         m.lastErr,
		LastSync:    m.lastSync,
	}
}

// merge applies remote to local and returns the updated slice.
//
// A match is found by record id, then by session id. Without a match the
// remote session is added. A match takes the remote record id, since the
// server may have moved the session to a new record. Otherwise a completed
// local session never changes. An
// active local session takes a remote completion (status, completion time
// and the longer transcript), and otherwise takes the remote transcript
// only when it is strictly longer, so a stale poll cannot shrink it.
func merge(local []session.Session, remote session.Session) []session.Session {
	i := session.Resolve(local, remote.ID, remote.SessionID)
	if i < 0 {
		return append(local, remote.Clone())
	}

	l := &local[i]
	if remote.ID != "" {
		l.ID = remote.ID
	}
	if !l.IsActive() {
		return local
	}

	longer := len(remote.Transcript) > len(l.Transcript)
	if longer {
		l.Transcript = remote.Transcript
		l.LastUpdated = remote.LastUpdated
	}
	if remote.Title != "" && remote.Title != l.Title && (longer || !remote.IsActive()) {
		l.Title = remote.Title
	}
	if !remote.IsActive() {
		l.Status = session.StatusCompleted
		if remote.CompletedAt != nil {
			t := *remote.CompletedAt
			l.CompletedAt = &t
			l.LastUpdated = t
		}
	}
	return local
}
