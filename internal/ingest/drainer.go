package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/snarg/livescribe/internal/metrics"
	"github.com/snarg/livescribe/internal/session"
)

// Drain moves fallback sessions into the primary store and removes them
// from the fallback. A session the primary has never seen is inserted as it
// is, keeping its record id and timestamps. A session with a primary twin
// gets its fallback transcript appended as one chunk, then the fallback
// completion time if it was completed while degraded. Drain stops at the
// first primary failure and returns how many sessions it moved.
func (in *Ingestor) Drain(ctx context.Context) (int, error) {
	pending, err := in.fallback.List(ctx)
	if err != nil {
		return 0, err
	}

	moved := 0
	// Oldest first so primary start times keep their relative order.
	for i := len(pending) - 1; i >= 0; i-- {
		if err := in.drainOne(ctx, pending[i].SessionID); err != nil {
			return moved, err
		}
		moved++
		metrics.FallbackDrainedTotal.Inc()
	}
	return moved, nil
}

func (in *Ingestor) drainOne(ctx context.Context, sessionID string) error {
	unlock := in.locks.Lock(sessionID)
	defer unlock()

	// Re-read under the lock; a delivery may have appended since List.
	f, err := in.fallback.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, in.writeTimeout)
	defer cancel()

	_, err = in.primary.Get(wctx, f.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		err = in.primary.Import(wctx, *f)
		if errors.Is(err, session.ErrDuplicate) {
			// Created by another writer since the lookup; merge into it.
			err = in.appendToTwin(wctx, f)
		}
	} else if err == nil {
		err = in.appendToTwin(wctx, f)
	}
	if err != nil {
		return err
	}
	if _, err := in.fallback.Remove(ctx, f.ID); err != nil {
		return err
	}

	in.log.Info().Str("session_id", f.SessionID).Int("transcript_len", len(f.Transcript)).
		Msg("fallback session drained into primary")
	return nil
}

func (in *Ingestor) appendToTwin(ctx context.Context, f *session.Session) error {
	if _, err := in.primary.Upsert(ctx, session.UpsertParams{
		SessionID: f.SessionID,
		UserID:    f.UserID,
		Chunk:     f.Transcript,
		Title:     f.Title,
	}); err != nil {
		return err
	}
	if f.IsActive() {
		return nil
	}
	var at time.Time
	if f.CompletedAt != nil {
		at = *f.CompletedAt
	}
	_, err := in.primary.CompleteAt(ctx, f.SessionID, at)
	return err
}

// RunDrainer drains the fallback every interval until ctx is cancelled.
// Ticks are skipped while the fallback is empty or the primary is down.
func (in *Ingestor) RunDrainer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if in.FallbackSessionCount() == 0 {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := in.primary.Ping(pctx)
			cancel()
			if err != nil {
				in.log.Debug().Err(err).Msg("primary still unavailable, drain deferred")
				continue
			}
			n, err := in.Drain(ctx)
			if err != nil {
				in.log.Warn().Err(err).Int("drained", n).Msg("fallback drain interrupted")
			}
		}
	}
}
