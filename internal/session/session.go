// Package session owns transcription sessions: the record type, the
// persistence backend contract, and the Store that enforces the session
// lifecycle on top of a backend.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a session. The only legal transition is
// StatusActive -> StatusCompleted.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

var (
	// ErrNotFound is returned when no stored session matches the lookup.
	ErrNotFound = errors.New("session not found")

	// ErrUnavailable marks a transient persistence failure (backend
	// unreachable, timed out). Callers may retry or fall back.
	ErrUnavailable = errors.New("session store unavailable")

	// ErrDuplicate is returned by a Backend when an insert collides with an
	// existing session_id.
	ErrDuplicate = errors.New("duplicate session_id")

	// ErrInvalid is returned for malformed input (empty session id).
	ErrInvalid = errors.New("invalid session input")
)

// Session is one transcription session.
type Session struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id,omitempty"`
	Title       string     `json:"title"`
	Transcript  string     `json:"transcript"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
}

// IsActive reports whether the session still accepts transcript appends.
func (s *Session) IsActive() bool { return s.Status == StatusActive }

// Duration returns how long the session ran: until CompletedAt once
// completed, until now while active.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// MarshalJSON adds the derived duration_seconds field.
func (s Session) MarshalJSON() ([]byte, error) {
	type plain Session
	return json.Marshal(struct {
		plain
		DurationSeconds int64 `json:"duration_seconds"`
	}{
		plain:           plain(s),
		DurationSeconds: int64(s.Duration(time.Now()).Seconds()),
	})
}

// Clone returns a deep copy, so callers can hand sessions out without
// sharing the CompletedAt pointer.
func (s Session) Clone() Session {
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// DefaultTitle is the title given to a session created without one.
func DefaultTitle(sessionID string) string {
	return "Transcription " + sessionID
}

// Resolve finds a session in sessions, matching by record id first and by
// correlation key second. Empty keys never match. It returns the index of the
// match or -1. This is the one lookup rule shared by the stores and the
// client mirror.
func Resolve(sessions []Session, id, sessionID string) int {
	if id != "" {
		for i := range sessions {
			if sessions[i].ID == id {
				return i
			}
		}
	}
	if sessionID != "" {
		for i := range sessions {
			if sessions[i].SessionID == sessionID {
				return i
			}
		}
	}
	return -1
}
