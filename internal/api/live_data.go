package api

import (
	"context"

	"github.com/snarg/livescribe/internal/session"
	"github.com/snarg/livescribe/internal/transcript"
)

// LiveDataSource provides real-time data from the ingest layer to the API.
// The ingest package implements it; api owns the interface so neither side
// imports the other's internals.
type LiveDataSource interface {
	// Subscribe returns a channel that receives events matching the filter,
	// and a cancel function to unsubscribe.
	Subscribe(filter EventFilter) (<-chan SSEEvent, func())

	// ReplaySince returns buffered events since the given event ID (for Last-Event-ID recovery).
	ReplaySince(lastEventID string, filter EventFilter) []SSEEvent

	// SubscriberCount returns the number of connected SSE and WebSocket clients.
	SubscriberCount() int

	// WatcherStatus returns the file watcher status, or nil if not active.
	WatcherStatus() *WatcherStatusData

	// FallbackSessionCount returns how many sessions wait in the ephemeral
	// fallback store for the primary to recover.
	FallbackSessionCount() int
}

// SessionService is the store surface served under /api/v1/sessions.
type SessionService interface {
	List(ctx context.Context) ([]session.Session, error)
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	Active(ctx context.Context) (*session.Session, error)
	Upsert(ctx context.Context, p session.UpsertParams) (string, error)
	Complete(ctx context.Context, sessionID string) (*session.Session, error)
	Remove(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
}

// Tier names where a delivery was stored.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
	// TierPending means the ack deadline passed before the write finished.
	// The write continues in the background.
	TierPending Tier = "pending"
)

// IngestResult describes an accepted delivery.
type IngestResult struct {
	SessionID string
	Segments  int
	Tier      Tier
}

// WebhookIngestor accepts segment deliveries from the device.
type WebhookIngestor interface {
	Ingest(ctx context.Context, d transcript.Delivery) (IngestResult, error)
}

// WatcherStatusData represents the status of the drop-directory ingest mode.
type WatcherStatusData struct {
	Status         string `json:"status"` // "watching", "stopped"
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesRejected  int64  `json:"files_rejected"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	Types      []string
	SessionIDs []string
}

// SSEEvent represents a session event ready for transmission.
type SSEEvent struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Data      []byte `json:"-"` // pre-serialized JSON payload
}
