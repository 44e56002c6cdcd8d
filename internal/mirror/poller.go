package mirror

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/session"
)

// Lister fetches the full remote session list. An error wrapping
// session.ErrUnavailable means the store could not be reached.
type Lister interface {
	List(ctx context.Context) ([]session.Session, error)
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	// Interval between fetches. Default 2s.
	Interval time.Duration
	// Timeout bounds one fetch. Default Interval.
	Timeout time.Duration
	// OnUpdate, if set, receives the mirror snapshot after every fetch,
	// successful or not.
	OnUpdate func(Snapshot)
	Log      zerolog.Logger
}

// Poller periodically merges the remote list into a Mirror.
type Poller struct {
	src      Lister
	mirror   *Mirror
	interval time.Duration
	timeout  time.Duration
	onUpdate func(Snapshot)
	log      zerolog.Logger
}

func NewPoller(src Lister, m *Mirror, opts PollerOptions) *Poller {
	p := &Poller{
		src:      src,
		mirror:   m,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		onUpdate: opts.OnUpdate,
		log:      opts.Log.With().Str("component", "poller").Logger(),
	}
	if p.interval <= 0 {
		p.interval = 2 * time.Second
	}
	if p.timeout <= 0 {
		p.timeout = p.interval
	}
	return p
}

// PollOnce fetches and merges once. A result that arrives after ctx is
// cancelled is discarded and ctx.Err() is returned. A failed fetch marks the
// mirror unavailable and returns the error.
func (p *Poller) PollOnce(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	list, err := p.src.List(fctx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.mirror.MarkUnavailable(err)
		p.log.Debug().Err(err).Msg("poll failed")
	} else if merr := p.mirror.MergeIfLive(ctx, list); merr != nil {
		return merr
	}
	if p.onUpdate != nil {
		p.onUpdate(p.mirror.Snapshot())
	}
	return err
}

// Run polls immediately and then every interval until ctx is cancelled.
// Failed polls are skipped; Run only returns when ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.log.Debug().Dur("interval", p.interval).Msg("poller started")
	defer p.log.Debug().Msg("poller stopped")

	if p.PollOnce(ctx) != nil && ctx.Err() != nil {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}
