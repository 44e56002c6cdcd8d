package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventKind names a store mutation.
type EventKind string

const (
	EventCreated   EventKind = "session_created"
	EventUpdated   EventKind = "session_updated"
	EventCompleted EventKind = "session_completed"
	EventDeleted   EventKind = "session_deleted"
)

// Observer is notified after every successful mutation. It is called while
// the session's key lock is held, so per-session notifications arrive in
// mutation order. Implementations must not block.
type Observer interface {
	SessionChanged(kind EventKind, s Session)
}

// UpsertParams are the inputs to Store.Upsert.
type UpsertParams struct {
	SessionID string
	UserID    string
	Chunk     string
	Title     string

	// ReplaceTitle lets a non-empty Title overwrite the title of an existing
	// active session. Without it the title is only used at creation.
	ReplaceTitle bool
}

// Store enforces the session lifecycle over a Backend. Every mutation holds
// a per-session_id lock for its whole read-check-write, so concurrent
// deliveries for one session never lose an append.
type Store struct {
	backend  Backend
	locks    *keyMutex
	observer Observer
	log      zerolog.Logger

	now   func() time.Time
	newID func() string
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Backend  Backend
	Observer Observer // optional
	Log      zerolog.Logger

	// Now and NewID default to time.Now and uuid v4.
	Now   func() time.Time
	NewID func() string
}

// NewStore creates a Store over opts.Backend.
func NewStore(opts StoreOptions) *Store {
	s := &Store{
		backend:  opts.Backend,
		locks:    newKeyMutex(),
		observer: opts.Observer,
		log:      opts.Log.With().Str("backend", opts.Backend.Type()).Logger(),
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}
	return s
}

// SetObserver replaces the mutation observer. Call before serving traffic.
func (st *Store) SetObserver(o Observer) { st.observer = o }

// Backend returns the underlying backend.
func (st *Store) Backend() Backend { return st.backend }

// Upsert creates the session on first sight of p.SessionID, appends
// " " + p.Chunk while it is active, and does nothing once it is completed.
// It returns the record id in every case.
func (st *Store) Upsert(ctx context.Context, p UpsertParams) (string, error) {
	if p.SessionID == "" {
		return "", fmt.Errorf("%w: empty session_id", ErrInvalid)
	}

	unlock := st.locks.Lock(p.SessionID)
	defer unlock()

	existing, err := st.backend.FindBySessionID(ctx, p.SessionID)
	if errors.Is(err, ErrNotFound) {
		return st.createLocked(ctx, p)
	}
	if err != nil {
		return "", unavailable("find session", err)
	}
	return st.appendLocked(ctx, existing, p)
}

func (st *Store) createLocked(ctx context.Context, p UpsertParams) (string, error) {
	now := st.now()
	title := p.Title
	if title == "" {
		title = DefaultTitle(p.SessionID)
	}
	s := &Session{
		ID:          st.newID(),
		SessionID:   p.SessionID,
		UserID:      p.UserID,
		Title:       title,
		Transcript:  p.Chunk,
		Status:      StatusActive,
		StartedAt:   now,
		LastUpdated: now,
	}

	err := st.backend.Insert(ctx, s)
	if errors.Is(err, ErrDuplicate) {
		// Another writer sharing the backend created it first.
		existing, findErr := st.backend.FindBySessionID(ctx, p.SessionID)
		if findErr != nil {
			return "", unavailable("find session after conflict", findErr)
		}
		return st.appendLocked(ctx, existing, p)
	}
	if err != nil {
		return "", unavailable("insert session", err)
	}

	st.log.Debug().Str("session_id", s.SessionID).Str("id", s.ID).Msg("session created")
	st.notify(EventCreated, s)
	return s.ID, nil
}

func (st *Store) appendLocked(ctx context.Context, s *Session, p UpsertParams) (string, error) {
	if !s.IsActive() {
		st.log.Debug().Str("session_id", s.SessionID).Msg("ignoring delivery for completed session")
		return s.ID, nil
	}

	s.Transcript = s.Transcript + " " + p.Chunk
	s.LastUpdated = st.now()
	if p.ReplaceTitle && p.Title != "" {
		s.Title = p.Title
	}
	err := st.backend.Update(ctx, s)
	if errors.Is(err, ErrNotFound) {
		// Completed or deleted by another writer sharing the backend.
		st.log.Debug().Str("session_id", s.SessionID).Msg("session frozen before append, chunk dropped")
		return s.ID, nil
	}
	if err != nil {
		return "", unavailable("update session", err)
	}
	st.notify(EventUpdated, s)
	return s.ID, nil
}

// Complete moves the session to completed. Completing an already completed
// session returns it unchanged. A missing session yields ErrNotFound.
func (st *Store) Complete(ctx context.Context, sessionID string) (*Session, error) {
	return st.CompleteAt(ctx, sessionID, time.Time{})
}

// CompleteAt is Complete with an explicit completion time, for records that
// were completed elsewhere first. A zero at means now. The time is clamped
// to the session's start.
func (st *Store) CompleteAt(ctx context.Context, sessionID string, at time.Time) (*Session, error) {
	unlock := st.locks.Lock(sessionID)
	defer unlock()

	s, err := st.backend.FindBySessionID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("complete %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("find session", err)
	}
	if !s.IsActive() {
		return s, nil
	}

	if at.IsZero() {
		at = st.now()
	}
	if at.Before(s.StartedAt) {
		at = s.StartedAt
	}
	s.Status = StatusCompleted
	s.CompletedAt = &at
	s.LastUpdated = at
	err = st.backend.Update(ctx, s)
	if errors.Is(err, ErrNotFound) {
		// Another writer froze or removed it since the read.
		return st.Get(ctx, sessionID)
	}
	if err != nil {
		return nil, unavailable("complete session", err)
	}

	st.log.Info().Str("session_id", s.SessionID).Int("transcript_len", len(s.Transcript)).Msg("session completed")
	st.notify(EventCompleted, s)
	return s, nil
}

// Import stores s as given, keeping its record id and timestamps. It is how
// a record moves between stores. ErrDuplicate means the session_id (or the
// id) is already taken.
func (st *Store) Import(ctx context.Context, s Session) error {
	if s.ID == "" || s.SessionID == "" {
		return fmt.Errorf("%w: import needs id and session_id", ErrInvalid)
	}

	unlock := st.locks.Lock(s.SessionID)
	defer unlock()

	rec := s.Clone()
	err := st.backend.Insert(ctx, &rec)
	if errors.Is(err, ErrDuplicate) {
		return fmt.Errorf("import %q: %w", s.SessionID, ErrDuplicate)
	}
	if err != nil {
		return unavailable("import session", err)
	}

	kind := EventCreated
	if !rec.IsActive() {
		kind = EventCompleted
	}
	st.log.Debug().Str("session_id", rec.SessionID).Str("id", rec.ID).Msg("session imported")
	st.notify(kind, &rec)
	return nil
}

// Remove permanently deletes the session with record id id. It reports
// whether a record existed; a missing record is not an error.
func (st *Store) Remove(ctx context.Context, id string) (bool, error) {
	s, err := st.backend.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("find session", err)
	}

	unlock := st.locks.Lock(s.SessionID)
	defer unlock()

	ok, err := st.backend.Delete(ctx, id)
	if err != nil {
		return false, unavailable("delete session", err)
	}
	if ok {
		st.log.Info().Str("session_id", s.SessionID).Str("id", id).Msg("session deleted")
		st.notify(EventDeleted, s)
	}
	return ok, nil
}

// List returns every stored session, newest first.
func (st *Store) List(ctx context.Context) ([]Session, error) {
	out, err := st.backend.List(ctx)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	return out, nil
}

// Get returns the session with the given correlation key.
func (st *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	s, err := st.backend.FindBySessionID(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("find session", err)
	}
	return s, nil
}

// Active returns the most recently started active session.
func (st *Store) Active(ctx context.Context) (*Session, error) {
	s, err := st.backend.FindActive(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("find active session", err)
	}
	return s, nil
}

// Ping checks backend reachability.
func (st *Store) Ping(ctx context.Context) error {
	if err := st.backend.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (st *Store) notify(kind EventKind, s *Session) {
	if st.observer != nil {
		st.observer.SessionChanged(kind, s.Clone())
	}
}

// unavailable marks err as a transient store failure unless it already is.
func unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

type statusCounter interface {
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// CountByStatus returns session counts keyed by status. Backends that can
// count natively do so; the rest are counted from List.
func (st *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if c, ok := st.backend.(statusCounter); ok {
		return c.CountByStatus(ctx)
	}
	all, err := st.backend.List(ctx)
	if err != nil {
		return nil, unavailable("count sessions", err)
	}
	counts := make(map[Status]int, 2)
	for _, s := range all {
		counts[s.Status]++
	}
	return counts, nil
}
