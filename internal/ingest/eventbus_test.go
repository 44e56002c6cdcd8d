package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/snarg/livescribe/internal/api"
	"github.com/snarg/livescribe/internal/session"
)

// ── EventBus Publish/Subscribe ────────────────────────────────────────

func TestEventBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_event", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(api.EventFilter{})
		defer cancel()

		eb.Publish("session_created", "S1", map[string]string{"msg": "hello"})

		select {
		case evt := <-ch:
			if evt.Type != "session_created" {
				t.Errorf("Type = %q, want session_created", evt.Type)
			}
			if evt.SessionID != "S1" {
				t.Errorf("SessionID = %q, want S1", evt.SessionID)
			}
			if evt.ID == "" {
				t.Error("expected non-empty event ID")
			}
			var payload map[string]string
			if err := json.Unmarshal(evt.Data, &payload); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if payload["msg"] != "hello" {
				t.Errorf("payload msg = %q, want hello", payload["msg"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("filtered_subscriber_misses_non_matching", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(api.EventFilter{Types: []string{"session_completed"}})
		defer cancel()

		eb.Publish("session_updated", "S1", "x")

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
			// expected
		}
	})

	t.Run("cancel_closes_channel", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(api.EventFilter{})
		cancel()
		cancel()

		eb.Publish("session_created", "S1", "x")

		if _, ok := <-ch; ok {
			t.Fatal("should not receive event after cancel")
		}
		if n := eb.SubscriberCount(); n != 0 {
			t.Errorf("SubscriberCount = %d, want 0", n)
		}
	})

	t.Run("observer_publishes_session", func(t *testing.T) {
		eb := NewEventBus(64)
		ch, cancel := eb.Subscribe(api.EventFilter{SessionIDs: []string{"S2"}})
		defer cancel()

		eb.SessionChanged(session.EventCreated, session.Session{ID: "r1", SessionID: "S1"})
		eb.SessionChanged(session.EventCompleted, session.Session{ID: "r2", SessionID: "S2", Status: session.StatusCompleted})

		select {
		case evt := <-ch:
			if evt.Type != "session_completed" {
				t.Errorf("Type = %q, want session_completed", evt.Type)
			}
			var s session.Session
			if err := json.Unmarshal(evt.Data, &s); err != nil {
				t.Fatalf("Data is not a session: %v", err)
			}
			if s.ID != "r2" || s.Status != session.StatusCompleted {
				t.Errorf("payload = %+v", s)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})
}

// ── EventBus ReplaySince ─────────────────────────────────────────────

func TestEventBusReplaySince(t *testing.T) {
	t.Run("replay_all_when_empty_lastID", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish("session_created", "S1", "a")
		eb.Publish("session_updated", "S1", "b")

		events := eb.ReplaySince("", api.EventFilter{})
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
	})

	t.Run("replay_after_specific_id", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish("session_created", "S1", "a")
		firstID := eb.ReplaySince("", api.EventFilter{})[0].ID

		eb.Publish("session_updated", "S1", "b")

		events := eb.ReplaySince(firstID, api.EventFilter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (after first)", len(events))
		}
		if events[0].Type != "session_updated" {
			t.Errorf("Type = %q, want session_updated", events[0].Type)
		}
	})

	t.Run("replay_with_filter", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish("session_created", "S1", "a")
		eb.Publish("session_created", "S2", "b")

		events := eb.ReplaySince("", api.EventFilter{SessionIDs: []string{"S2"}})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (filtered)", len(events))
		}
		if events[0].SessionID != "S2" {
			t.Errorf("SessionID = %q, want S2", events[0].SessionID)
		}
	})

	t.Run("unknown_lastID_replays_all", func(t *testing.T) {
		eb := NewEventBus(64)
		eb.Publish("session_created", "S1", "a")

		events := eb.ReplaySince("nonexistent-id", api.EventFilter{})
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (fallback replay all)", len(events))
		}
	})

	t.Run("ring_wraps", func(t *testing.T) {
		eb := NewEventBus(2)
		eb.Publish("session_created", "S1", "a")
		eb.Publish("session_created", "S2", "b")
		eb.Publish("session_created", "S3", "c")

		events := eb.ReplaySince("", api.EventFilter{})
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
		if events[0].SessionID != "S2" || events[1].SessionID != "S3" {
			t.Errorf("replayed %s,%s want S2,S3", events[0].SessionID, events[1].SessionID)
		}
	})
}

func TestMatchesFilter(t *testing.T) {
	tests := []struct {
		name   string
		event  api.SSEEvent
		filter api.EventFilter
		want   bool
	}{
		{"empty_filter_matches_all", api.SSEEvent{Type: "session_created", SessionID: "S1"}, api.EventFilter{}, true},
		{"type_match", api.SSEEvent{Type: "session_created"}, api.EventFilter{Types: []string{"session_created"}}, true},
		{"type_no_match", api.SSEEvent{Type: "session_created"}, api.EventFilter{Types: []string{"session_deleted"}}, false},
		{"type_trimmed", api.SSEEvent{Type: "session_deleted"}, api.EventFilter{Types: []string{"session_created", " session_deleted"}}, true},
		{"session_match", api.SSEEvent{Type: "session_updated", SessionID: "S1"}, api.EventFilter{SessionIDs: []string{"S1", "S2"}}, true},
		{"session_no_match", api.SSEEvent{Type: "session_updated", SessionID: "S3"}, api.EventFilter{SessionIDs: []string{"S1"}}, false},
		{"multi_one_fails", api.SSEEvent{Type: "session_updated", SessionID: "S1"}, api.EventFilter{Types: []string{"session_completed"}, SessionIDs: []string{"S1"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesFilter(tt.event, tt.filter)
			if got != tt.want {
				t.Errorf("matchesFilter(%+v, %+v) = %v, want %v", tt.event, tt.filter, got, tt.want)
			}
		})
	}
}
