package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/api"
	"github.com/snarg/livescribe/internal/mirror"
	"github.com/snarg/livescribe/internal/session"
	"github.com/snarg/livescribe/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

// flakyBackend is a MemoryBackend that can be switched off or made to block.
type flakyBackend struct {
	*session.MemoryBackend
	down  atomic.Bool
	block atomic.Pointer[chan struct{}]
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{MemoryBackend: session.NewMemoryBackend()}
}

func (f *flakyBackend) gate(ctx context.Context) error {
	if ch := f.block.Load(); ch != nil {
		select {
		case <-*ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.down.Load() {
		return errDown
	}
	return nil
}

func (f *flakyBackend) FindBySessionID(ctx context.Context, sid string) (*session.Session, error) {
	if err := f.gate(ctx); err != nil {
		return nil, err
	}
	return f.MemoryBackend.FindBySessionID(ctx, sid)
}

func (f *flakyBackend) FindByID(ctx context.Context, id string) (*session.Session, error) {
	if err := f.gate(ctx); err != nil {
		return nil, err
	}
	return f.MemoryBackend.FindByID(ctx, id)
}

func (f *flakyBackend) FindActive(ctx context.Context) (*session.Session, error) {
	if err := f.gate(ctx); err != nil {
		return nil, err
	}
	return f.MemoryBackend.FindActive(ctx)
}

func (f *flakyBackend) List(ctx context.Context) ([]session.Session, error) {
	if err := f.gate(ctx); err != nil {
		return nil, err
	}
	return f.MemoryBackend.List(ctx)
}

func (f *flakyBackend) Ping(ctx context.Context) error { return f.gate(ctx) }

type ingestFixture struct {
	in      *Ingestor
	backend *flakyBackend
	primary *session.Store
}

func newIngestFixture(t *testing.T, ack time.Duration) *ingestFixture {
	t.Helper()
	b := newFlakyBackend()
	primary := session.NewStore(session.StoreOptions{Backend: b, Log: zerolog.Nop()})
	in := NewIngestor(IngestorOptions{
		Primary:      primary,
		Log:          zerolog.Nop(),
		AckTimeout:   ack,
		WriteTimeout: 5 * time.Second,
	})
	return &ingestFixture{in: in, backend: b, primary: primary}
}

func delivery(sid, text string) transcript.Delivery {
	return transcript.Delivery{
		SessionID: sid,
		Segments:  []transcript.Segment{{Text: text, IsUser: true}},
	}
}

func (f *ingestFixture) primaryTranscript(t *testing.T, sid string) string {
	t.Helper()
	s, err := f.backend.MemoryBackend.FindBySessionID(context.Background(), sid)
	require.NoError(t, err)
	return s.Transcript
}

func TestIngestPrimaryAppends(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()

	res, err := f.in.Ingest(ctx, delivery("S1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, api.TierPrimary, res.Tier)
	assert.Equal(t, "S1", res.SessionID)
	assert.Equal(t, 1, res.Segments)

	_, err = f.in.Ingest(ctx, delivery("S1", "world"))
	require.NoError(t, err)

	s, err := f.primary.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", s.Transcript)
	assert.Equal(t, "OMI Transcription S1", s.Title)
	assert.Equal(t, session.StatusActive, s.Status)
}

func TestIngestRejectsEmptySegments(t *testing.T) {
	f := newIngestFixture(t, time.Second)

	_, err := f.in.Ingest(context.Background(), transcript.Delivery{SessionID: "S1"})
	assert.ErrorIs(t, err, transcript.ErrNoSegments)
	assert.Equal(t, 0, f.backend.Len())
}

func TestIngestGeneratesSessionID(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	f.in.now = func() time.Time { return time.UnixMilli(1700000000123) }

	res, err := f.in.Ingest(context.Background(), transcript.Delivery{
		UserID:   "u1",
		Segments: []transcript.Segment{{Text: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "session-1700000000123", res.SessionID)

	s, err := f.primary.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "OMI Transcription New", s.Title)
	assert.Equal(t, "u1", s.UserID)
}

func TestIngestBodySessionID(t *testing.T) {
	f := newIngestFixture(t, time.Second)

	res, err := f.in.Ingest(context.Background(), transcript.Delivery{
		BodySessionID: "from-body",
		Segments:      []transcript.Segment{{Text: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from-body", res.SessionID)
}

func TestIngestFallbackAndDrain(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.in.Ingest(ctx, delivery("S1", "hello"))
	require.NoError(t, err)

	f.backend.down.Store(true)
	res, err := f.in.Ingest(ctx, delivery("S1", "world"))
	require.NoError(t, err)
	assert.Equal(t, api.TierFallback, res.Tier)
	assert.Equal(t, 1, f.in.FallbackSessionCount())

	_, err = f.in.List(ctx)
	assert.ErrorIs(t, err, session.ErrUnavailable)

	f.backend.down.Store(false)

	// Sticky: the session keeps routing to the fallback until drained.
	res, err = f.in.Ingest(ctx, delivery("S1", "again"))
	require.NoError(t, err)
	assert.Equal(t, api.TierFallback, res.Tier)
	assert.Equal(t, "hello", f.primaryTranscript(t, "S1"))

	list, err := f.in.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hello world again", list[0].Transcript)

	n, err := f.in.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.in.FallbackSessionCount())
	assert.Equal(t, "hello world again", f.primaryTranscript(t, "S1"))

	res, err = f.in.Ingest(ctx, delivery("S1", "more"))
	require.NoError(t, err)
	assert.Equal(t, api.TierPrimary, res.Tier)
	assert.Equal(t, "hello world again more", f.primaryTranscript(t, "S1"))
}

func TestIngestFallbackOnlySessionIsListed(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.in.Ingest(ctx, delivery("old", "x"))
	require.NoError(t, err)

	f.backend.down.Store(true)
	_, err = f.in.Ingest(ctx, delivery("new", "y"))
	require.NoError(t, err)
	f.backend.down.Store(false)

	list, err := f.in.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].SessionID)

	active, err := f.in.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", active.SessionID)
}

func TestIngestAcksBeforeSlowWrite(t *testing.T) {
	f := newIngestFixture(t, 20*time.Millisecond)
	release := make(chan struct{})
	f.backend.block.Store(&release)

	start := time.Now()
	res, err := f.in.Ingest(context.Background(), delivery("S1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, api.TierPending, res.Tier)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, f.in.PendingWrites())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.in.Wait(ctx))

	assert.Equal(t, 0, f.in.PendingWrites())
	assert.Equal(t, "hello", f.primaryTranscript(t, "S1"))
}

func TestIngestCompletedSessionIsFrozen(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.in.Ingest(ctx, delivery("S1", "hello"))
	require.NoError(t, err)
	done, err := f.in.Complete(ctx, "S1")
	require.NoError(t, err)

	_, err = f.in.Ingest(ctx, delivery("S1", "late"))
	require.NoError(t, err)

	s, err := f.in.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "hello", s.Transcript)
	assert.Equal(t, session.StatusCompleted, s.Status)
	assert.True(t, done.CompletedAt.Equal(*s.CompletedAt))
}

func TestCompleteWhileDegraded(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.in.Ingest(ctx, delivery("S1", "hello"))
	require.NoError(t, err)
	orig, err := f.primary.Get(ctx, "S1")
	require.NoError(t, err)

	f.backend.down.Store(true)
	_, err = f.in.Ingest(ctx, delivery("S1", "world"))
	require.NoError(t, err)

	// The merged session cannot be built, so nothing is completed.
	_, err = f.in.Complete(ctx, "S1")
	assert.ErrorIs(t, err, session.ErrUnavailable)
	fs, err := f.in.fallback.Get(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, fs.IsActive())

	f.backend.down.Store(false)
	s, err := f.in.Complete(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, orig.ID, s.ID)
	assert.Equal(t, "hello world", s.Transcript)
	assert.Equal(t, session.StatusCompleted, s.Status)
	require.NotNil(t, s.CompletedAt)

	_, err = f.in.Drain(ctx)
	require.NoError(t, err)

	p, err := f.primary.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, orig.ID, p.ID)
	assert.Equal(t, "hello world", p.Transcript)
	assert.Equal(t, session.StatusCompleted, p.Status)
	assert.True(t, p.StartedAt.Equal(orig.StartedAt))
	require.NotNil(t, p.CompletedAt)
	assert.True(t, p.CompletedAt.Equal(*s.CompletedAt), "drain keeps the completion time")
}

func TestDrainKeepsFallbackOnlyIdentity(t *testing.T) {
	b := newFlakyBackend()
	primary := session.NewStore(session.StoreOptions{Backend: b, Log: zerolog.Nop()})
	degradedAt := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)
	in := NewIngestor(IngestorOptions{
		Primary:      primary,
		Log:          zerolog.Nop(),
		AckTimeout:   time.Second,
		WriteTimeout: 5 * time.Second,
		Now:          func() time.Time { return degradedAt },
	})
	ctx := context.Background()

	b.down.Store(true)
	_, err := in.Ingest(ctx, delivery("S7", "offline words"))
	require.NoError(t, err)
	b.down.Store(false)

	done, err := in.Complete(ctx, "S7")
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	n, err := in.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := primary.Get(ctx, "S7")
	require.NoError(t, err)
	assert.Equal(t, done.ID, p.ID)
	assert.Equal(t, "offline words", p.Transcript)
	assert.Equal(t, "OMI Transcription S7", p.Title)
	assert.Equal(t, session.StatusCompleted, p.Status)
	assert.True(t, p.StartedAt.Equal(degradedAt))
	require.NotNil(t, p.CompletedAt)
	assert.True(t, p.CompletedAt.Equal(*done.CompletedAt))
}

func TestCompleteUnknownAndRemoveUnknown(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.in.Complete(ctx, "unknown-id")
	assert.ErrorIs(t, err, session.ErrNotFound)

	ok, err := f.in.Remove(ctx, "unknown-id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveFallbackRecord(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()

	f.backend.down.Store(true)
	_, err := f.in.Ingest(ctx, delivery("S1", "hello"))
	require.NoError(t, err)

	_, err = f.in.Get(ctx, "S1")
	assert.ErrorIs(t, err, session.ErrUnavailable, "no partial view while the primary is down")

	f.backend.down.Store(false)
	s, err := f.in.Get(ctx, "S1")
	require.NoError(t, err)

	ok, err := f.in.Remove(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, f.in.FallbackSessionCount())
}

func TestRemovePrimaryDropsPendingChunks(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.in.Ingest(ctx, delivery("S1", "hello"))
	require.NoError(t, err)
	f.backend.down.Store(true)
	_, err = f.in.Ingest(ctx, delivery("S1", "world"))
	require.NoError(t, err)
	f.backend.down.Store(false)

	s, err := f.in.Get(ctx, "S1")
	require.NoError(t, err)
	ok, err := f.in.Remove(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 0, f.in.FallbackSessionCount())
	_, err = f.in.Get(ctx, "S1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

// mirrorFeed applies every event it sees to a client mirror, the way the
// watch client applies the pushed feed.
type mirrorFeed struct {
	mu     sync.Mutex
	mirror *mirror.Mirror
	seen   []session.Session
}

func (m *mirrorFeed) SessionChanged(kind session.EventKind, s session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, s)
	if kind == session.EventDeleted {
		m.mirror.Remove(s.ID)
		return
	}
	m.mirror.Apply(s)
}

func TestPushedEventsConvergeThroughOutage(t *testing.T) {
	feed := &mirrorFeed{mirror: mirror.New()}
	b := newFlakyBackend()
	primary := session.NewStore(session.StoreOptions{Backend: b, Observer: feed, Log: zerolog.Nop()})
	in := NewIngestor(IngestorOptions{
		Primary:      primary,
		Observer:     feed,
		Log:          zerolog.Nop(),
		AckTimeout:   time.Second,
		WriteTimeout: 5 * time.Second,
	})
	ctx := context.Background()

	_, err := in.Ingest(ctx, delivery("S1", "hello"))
	require.NoError(t, err)

	b.down.Store(true)
	_, err = in.Ingest(ctx, delivery("S1", "world"))
	require.NoError(t, err)
	_, err = in.Complete(ctx, "S1")
	require.ErrorIs(t, err, session.ErrUnavailable)

	b.down.Store(false)
	_, err = in.Ingest(ctx, delivery("S1", "again"))
	require.NoError(t, err)
	done, err := in.Complete(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "hello world again", done.Transcript)

	_, err = in.Drain(ctx)
	require.NoError(t, err)

	list, err := in.List(ctx)
	require.NoError(t, err)
	feed.mirror.Merge(list)

	snap := feed.mirror.Snapshot()
	require.Len(t, snap.Sessions, 1)
	got := snap.Sessions[0]
	assert.Equal(t, done.ID, got.ID)
	assert.Equal(t, "hello world again", got.Transcript)
	assert.Equal(t, session.StatusCompleted, got.Status)

	for _, s := range feed.seen {
		assert.True(t, strings.HasPrefix(s.Transcript, "hello"), "event carried %q", s.Transcript)
		assert.Equal(t, done.ID, s.ID)
	}
}

func TestFallbackObserverEvents(t *testing.T) {
	f := newIngestFixture(t, time.Second)
	ctx := context.Background()
	_, err := f.in.Ingest(ctx, delivery("S1", "hello"))
	require.NoError(t, err)
	twin, err := f.primary.Get(ctx, "S1")
	require.NoError(t, err)

	eb := NewEventBus(8)
	o := fallbackObserver{in: f.in, next: eb}

	o.SessionChanged(session.EventDeleted, session.Session{ID: "fb", SessionID: "S1"})
	o.SessionChanged(session.EventCreated, session.Session{ID: "fb", SessionID: "S1", Transcript: "world", Status: session.StatusActive})
	o.SessionChanged(session.EventCreated, session.Session{ID: "fb2", SessionID: "S2", Transcript: "solo", Status: session.StatusActive})

	f.backend.down.Store(true)
	o.SessionChanged(session.EventUpdated, session.Session{ID: "fb", SessionID: "S1", Transcript: "more", Status: session.StatusActive})

	events := eb.ReplaySince("", api.EventFilter{})
	require.Len(t, events, 2)
	assert.Equal(t, "session_updated", events[0].Type, "a fallback record with a primary twin is an update of the twin")
	assert.Contains(t, string(events[0].Data), twin.ID)
	assert.Contains(t, string(events[0].Data), "hello world")
	assert.Equal(t, "session_created", events[1].Type)
	assert.Contains(t, string(events[1].Data), "fb2")
}
