package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/api"
	"github.com/snarg/livescribe/internal/archive"
	"github.com/snarg/livescribe/internal/metrics"
	"github.com/snarg/livescribe/internal/session"
)

// Archiver writes every completed session to an archive store. Completions
// are batched so a burst of stops does not fan out into concurrent uploads.
type Archiver struct {
	bus     *EventBus
	store   archive.Store
	batcher *Batcher[session.Session]
	log     zerolog.Logger

	cancel func()
	wg     sync.WaitGroup
}

// NewArchiver creates an archiver. Call Start to subscribe.
func NewArchiver(bus *EventBus, store archive.Store, log zerolog.Logger) *Archiver {
	a := &Archiver{
		bus:   bus,
		store: store,
		log:   log.With().Str("component", "archiver").Str("archive", store.Type()).Logger(),
	}
	a.batcher = NewBatcher(16, 2*time.Second, a.flush)
	return a
}

// Start subscribes to completion events.
func (a *Archiver) Start() {
	ch, cancel := a.bus.Subscribe(api.EventFilter{Types: []string{string(session.EventCompleted)}})
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for e := range ch {
			var s session.Session
			if err := json.Unmarshal(e.Data, &s); err != nil {
				a.log.Warn().Err(err).Str("event_id", e.ID).Msg("undecodable completion event")
				continue
			}
			a.batcher.Add(s)
		}
	}()
	a.log.Info().Msg("archiver started")
}

// Stop unsubscribes and flushes pending documents.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.batcher.Stop()
}

func (a *Archiver) flush(batch []session.Session) {
	for _, s := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		key, err := archive.Write(ctx, a.store, s)
		cancel()
		if err != nil {
			metrics.ArchiveWritesTotal.WithLabelValues("error").Inc()
			a.log.Error().Err(err).Str("session_id", s.SessionID).Str("key", key).Msg("archive write failed")
			continue
		}
		metrics.ArchiveWritesTotal.WithLabelValues("ok").Inc()
		a.log.Info().Str("session_id", s.SessionID).Str("key", key).Msg("transcript archived")
	}
}
