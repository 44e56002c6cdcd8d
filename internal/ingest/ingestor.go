package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/api"
	"github.com/snarg/livescribe/internal/metrics"
	"github.com/snarg/livescribe/internal/session"
	"github.com/snarg/livescribe/internal/transcript"
)

const (
	webhookTitlePrefix = "OMI Transcription "
	webhookTitleNew    = "OMI Transcription New"
)

var (
	_ api.WebhookIngestor = (*Ingestor)(nil)
	_ api.SessionService  = (*Ingestor)(nil)
)

// IngestorOptions configures an Ingestor.
type IngestorOptions struct {
	Primary  *session.Store
	Observer session.Observer // receives fallback-tier changes; optional
	Log      zerolog.Logger

	// AckTimeout bounds how long Ingest waits before acknowledging.
	AckTimeout time.Duration
	// WriteTimeout bounds a single background primary write.
	WriteTimeout time.Duration

	Now func() time.Time
}

// Ingestor stores deliveries in two tiers. Every chunk goes to the primary
// store unless the primary fails, in which case it lands in an in-memory
// fallback store. A session that has a fallback record keeps routing there
// until Drain replays it into the primary, so each chunk is written to
// exactly one tier and appends never reorder.
//
// Ingestor also serves the merged primary+fallback view to the API.
type Ingestor struct {
	primary  *session.Store
	fallback *session.Store
	observer session.Observer
	locks    *session.KeyLocker
	log      zerolog.Logger

	ackTimeout   time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	pending atomic.Int64
	wg      sync.WaitGroup
}

// NewIngestor creates an Ingestor over opts.Primary with a fresh fallback tier.
func NewIngestor(opts IngestorOptions) *Ingestor {
	in := &Ingestor{
		primary:      opts.Primary,
		observer:     opts.Observer,
		locks:        session.NewKeyLocker(),
		log:          opts.Log,
		ackTimeout:   opts.AckTimeout,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
	}
	if in.ackTimeout <= 0 {
		in.ackTimeout = 1500 * time.Millisecond
	}
	if in.writeTimeout <= 0 {
		in.writeTimeout = 10 * time.Second
	}
	if in.now == nil {
		in.now = time.Now
	}
	in.fallback = session.NewStore(session.StoreOptions{
		Backend:  session.NewMemoryBackend(),
		Observer: fallbackObserver{in: in, next: opts.Observer},
		Log:      opts.Log.With().Str("tier", "fallback").Logger(),
		Now:      in.now,
	})
	return in
}

// twinLookupTimeout bounds the primary read behind each fallback event.
const twinLookupTimeout = 500 * time.Millisecond

// fallbackObserver publishes fallback-tier changes as the merged session a
// reader would get from Get, never the bare fallback record. Deletions are
// drains, not user removals, and are dropped. While the primary cannot be
// read the change is held back; the drain announces the final record.
type fallbackObserver struct {
	in   *Ingestor
	next session.Observer
}

func (o fallbackObserver) SessionChanged(kind session.EventKind, f session.Session) {
	if o.next == nil || kind == session.EventDeleted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), twinLookupTimeout)
	defer cancel()

	v, err := o.in.merged(ctx, f)
	if err != nil {
		o.in.log.Debug().Err(err).Str("session_id", f.SessionID).Str("event", string(kind)).
			Msg("primary unreachable, fallback change held until drain")
		return
	}
	if kind == session.EventCreated && v.ID != f.ID {
		kind = session.EventUpdated
	}
	o.next.SessionChanged(kind, v)
}

// Ingest validates and stores one delivery. It returns once the write has
// finished or the ack deadline has passed, whichever comes first. A write
// still running at the deadline keeps going in the background.
func (in *Ingestor) Ingest(ctx context.Context, d transcript.Delivery) (api.IngestResult, error) {
	return in.ingest(ctx, "webhook", d)
}

// IngestFrom is Ingest for transports other than the webhook. source labels
// metrics and logs.
func (in *Ingestor) IngestFrom(ctx context.Context, source string, d transcript.Delivery) (api.IngestResult, error) {
	return in.ingest(ctx, source, d)
}

func (in *Ingestor) ingest(ctx context.Context, source string, d transcript.Delivery) (api.IngestResult, error) {
	if err := d.Validate(); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(source, metrics.OutcomeRejected).Inc()
		return api.IngestResult{}, err
	}

	sid, ok := d.ResolveSessionID()
	title := webhookTitlePrefix + sid
	if !ok {
		sid = fmt.Sprintf("session-%d", in.now().UnixMilli())
		title = webhookTitleNew
		in.log.Warn().Str("source", source).Str("session_id", sid).Msg("delivery without session id, using generated id")
	}

	p := session.UpsertParams{
		SessionID: sid,
		UserID:    d.UserID,
		Chunk:     transcript.Normalize(d.Segments),
		Title:     title,
	}
	res := api.IngestResult{SessionID: sid, Segments: len(d.Segments)}

	done := make(chan writeResult, 1)
	in.pending.Add(1)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer in.pending.Add(-1)
		r := in.write(p)
		if r.err == nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues(source, string(r.tier)).Inc()
		} else {
			metrics.WebhookDeliveriesTotal.WithLabelValues(source, metrics.OutcomeLost).Inc()
			in.log.Error().Err(r.err).Str("source", source).Str("session_id", sid).Msg("delivery lost")
		}
		done <- r
	}()

	timer := time.NewTimer(in.ackTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		res.Tier = r.tier
		return res, r.err
	case <-timer.C:
	case <-ctx.Done():
	}
	metrics.WebhookAckTimeoutsTotal.Inc()
	in.log.Warn().Str("source", source).Str("session_id", sid).Dur("ack_timeout", in.ackTimeout).
		Msg("store write still running, acknowledging early")
	res.Tier = api.TierPending
	return res, nil
}

type writeResult struct {
	id   string
	tier api.Tier
	err  error
}

// write stores p in exactly one tier. It detaches from any caller context so
// an acknowledged delivery is not cancelled when its request ends.
func (in *Ingestor) write(p session.UpsertParams) writeResult {
	unlock := in.locks.Lock(p.SessionID)
	defer unlock()
	return in.writeLocked(p)
}

func (in *Ingestor) writeLocked(p session.UpsertParams) writeResult {
	if in.inFallback(p.SessionID) {
		return in.writeFallback(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), in.writeTimeout)
	defer cancel()

	start := time.Now()
	id, err := in.primary.Upsert(ctx, p)
	metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		return writeResult{id: id, tier: api.TierPrimary}
	}
	if !errors.Is(err, session.ErrUnavailable) {
		return writeResult{err: err}
	}

	in.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("primary store failed, writing to fallback")
	return in.writeFallback(p)
}

func (in *Ingestor) writeFallback(p session.UpsertParams) writeResult {
	id, err := in.fallback.Upsert(context.Background(), p)
	if err != nil {
		return writeResult{err: err}
	}
	return writeResult{id: id, tier: api.TierFallback}
}

func (in *Ingestor) inFallback(sessionID string) bool {
	_, err := in.fallback.Get(context.Background(), sessionID)
	return err == nil
}

// Wait blocks until background writes finish or ctx is done.
func (in *Ingestor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingWrites returns the number of background writes in flight.
func (in *Ingestor) PendingWrites() int { return int(in.pending.Load()) }

// FallbackSessionCount returns the number of sessions waiting to be drained.
func (in *Ingestor) FallbackSessionCount() int {
	if mb, ok := in.fallback.Backend().(*session.MemoryBackend); ok {
		return mb.Len()
	}
	return 0
}

// ── Session service ──────────────────────────────────────────────────

// Upsert stores an administrative upsert synchronously, with the same tier
// routing as deliveries.
func (in *Ingestor) Upsert(ctx context.Context, p session.UpsertParams) (string, error) {
	if p.SessionID == "" {
		return "", fmt.Errorf("%w: empty session_id", session.ErrInvalid)
	}
	unlock := in.locks.Lock(p.SessionID)
	defer unlock()
	r := in.writeLocked(p)
	return r.id, r.err
}

// Complete completes the session in whichever tier holds its newest chunks
// and returns the merged result. A fallback completion reaches the primary,
// with its completion time, when it is drained. If the session has fallback
// chunks and the primary cannot be read, nothing is changed and the error
// wraps session.ErrUnavailable.
func (in *Ingestor) Complete(ctx context.Context, sessionID string) (*session.Session, error) {
	unlock := in.locks.Lock(sessionID)
	defer unlock()

	if !in.inFallback(sessionID) {
		return in.primary.Complete(ctx, sessionID)
	}

	ps, err := in.primary.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("complete %q: %w", sessionID, err)
	}
	fs, ferr := in.fallback.Complete(ctx, sessionID)
	if ferr != nil {
		return nil, ferr
	}
	if ps == nil {
		return fs, nil
	}
	v := pendingView(*ps, *fs)
	return &v, nil
}

// Remove deletes record id from both tiers. A fallback record and its
// primary twin have different ids; removing the primary record also drops
// the twin's pending fallback chunks so the session does not come back.
func (in *Ingestor) Remove(ctx context.Context, id string) (bool, error) {
	fromFallback := false
	if fs, err := in.fallback.Backend().FindByID(ctx, id); err == nil {
		fromFallback = in.dropFallback(ctx, *fs)
		if fromFallback && in.observer != nil {
			in.observer.SessionChanged(session.EventDeleted, *fs)
		}
	}
	if ps, err := in.primary.Backend().FindByID(ctx, id); err == nil {
		if fs, err := in.fallback.Get(ctx, ps.SessionID); err == nil {
			in.dropFallback(ctx, *fs)
		}
	}

	ok, err := in.primary.Remove(ctx, id)
	if err != nil {
		if fromFallback {
			return true, nil
		}
		return false, err
	}
	return ok || fromFallback, nil
}

func (in *Ingestor) dropFallback(ctx context.Context, fs session.Session) bool {
	unlock := in.locks.Lock(fs.SessionID)
	defer unlock()
	ok, _ := in.fallback.Remove(ctx, fs.ID)
	return ok
}

// List returns every session, newest first. Fallback chunks are overlaid on
// their primary record so nothing disappears from view while the primary is
// degraded. A primary failure is reported as session.ErrUnavailable.
func (in *Ingestor) List(ctx context.Context) ([]session.Session, error) {
	primary, err := in.primary.List(ctx)
	if err != nil {
		return nil, err
	}
	fallback, err := in.fallback.List(ctx)
	if err != nil || len(fallback) == 0 {
		return primary, nil
	}

	out := primary
	for _, f := range fallback {
		if i := session.Resolve(out, "", f.SessionID); i >= 0 {
			out[i] = pendingView(out[i], f)
			continue
		}
		out = append(out, f)
	}
	session.SortByStartedDesc(out)
	return out, nil
}

// Get returns the merged view of one session. A session with fallback
// chunks is only returned once its primary twin, or the lack of one, is
// known; a partial transcript is never served.
func (in *Ingestor) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	fs, err := in.fallback.Get(ctx, sessionID)
	if err != nil {
		return in.primary.Get(ctx, sessionID)
	}
	v, err := in.merged(ctx, *fs)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Active returns the most recently started active session across both tiers.
func (in *Ingestor) Active(ctx context.Context) (*session.Session, error) {
	ps, perr := in.primary.Active(ctx)
	if perr != nil && !errors.Is(perr, session.ErrNotFound) {
		return nil, perr
	}
	fs, ferr := in.fallback.Active(ctx)
	if ferr != nil {
		return ps, perr
	}
	v, err := in.merged(ctx, *fs)
	if err != nil {
		return nil, err
	}
	if !v.IsActive() || (perr == nil && ps.StartedAt.After(v.StartedAt)) {
		return ps, perr
	}
	return &v, nil
}

// merged overlays fallback record f on its primary twin, or returns f when
// the primary has none.
func (in *Ingestor) merged(ctx context.Context, f session.Session) (session.Session, error) {
	ps, err := in.primary.Get(ctx, f.SessionID)
	switch {
	case err == nil:
		return pendingView(*ps, f), nil
	case errors.Is(err, session.ErrNotFound):
		return f, nil
	default:
		return session.Session{}, err
	}
}

// Ping checks the primary store.
func (in *Ingestor) Ping(ctx context.Context) error {
	return in.primary.Ping(ctx)
}

// CountByStatus counts primary sessions by status.
func (in *Ingestor) CountByStatus(ctx context.Context) (map[session.Status]int, error) {
	return in.primary.CountByStatus(ctx)
}

// pendingView is what p will look like once fallback record f is drained
// into it. A completed primary is frozen and ignores f.
func pendingView(p, f session.Session) session.Session {
	if !p.IsActive() {
		return p
	}
	v := p.Clone()
	v.Transcript = strings.Join([]string{p.Transcript, f.Transcript}, " ")
	v.LastUpdated = f.LastUpdated
	if !f.IsActive() {
		v.Status = f.Status
		v.CompletedAt = f.CompletedAt
	}
	return v
}
