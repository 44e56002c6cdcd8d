package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snarg/livescribe/internal/session"
)

// IngestStats exposes live ingest state to the collector.
type IngestStats interface {
	FallbackSessionCount() int
	PendingWrites() int
	SubscriberCount() int
}

// SessionCounter counts stored sessions by status.
type SessionCounter interface {
	CountByStatus(ctx context.Context) (map[session.Status]int, error)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool     *pgxpool.Pool
	stats    IngestStats
	sessions SessionCounter

	sessionsByStatus *prometheus.Desc
	storeUp          *prometheus.Desc
	fallbackSessions *prometheus.Desc
	pendingWrites    *prometheus.Desc
	subscribers      *prometheus.Desc
	dbTotalConns     *prometheus.Desc
	dbAcquiredConns  *prometheus.Desc
	dbIdleConns      *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// Any argument may be nil; its gauges then report 0.
func NewCollector(pool *pgxpool.Pool, sessions SessionCounter, stats IngestStats) *Collector {
	return &Collector{
		pool:     pool,
		stats:    stats,
		sessions: sessions,
		sessionsByStatus: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"Stored sessions by status.",
			[]string{"status"}, nil,
		),
		storeUp: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", "up"),
			"Whether the primary session store answered the last scrape.",
			nil, nil,
		),
		fallbackSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "fallback_sessions"),
			"Sessions held in the ephemeral fallback store.",
			nil, nil,
		),
		pendingWrites: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pending_store_writes"),
			"Background store writes still in flight.",
			nil, nil,
		),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "event_subscribers_active"),
			"Current number of SSE and WebSocket subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsByStatus
	ch <- c.storeUp
	ch <- c.fallbackSessions
	ch <- c.pendingWrites
	ch <- c.subscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectSessions(ch)

	var fallback, pending, subs int
	if c.stats != nil {
		fallback = c.stats.FallbackSessionCount()
		pending = c.stats.PendingWrites()
		subs = c.stats.SubscriberCount()
	}
	ch <- prometheus.MustNewConstMetric(c.fallbackSessions, prometheus.GaugeValue, float64(fallback))
	ch <- prometheus.MustNewConstMetric(c.pendingWrites, prometheus.GaugeValue, float64(pending))
	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(subs))

	// Database pool stats
	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}

func (c *Collector) collectSessions(ch chan<- prometheus.Metric) {
	counts := map[session.Status]int{}
	up := 0.0
	if c.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if got, err := c.sessions.CountByStatus(ctx); err == nil {
			counts = got
			up = 1
		}
	}
	for _, st := range []session.Status{session.StatusActive, session.StatusCompleted} {
		ch <- prometheus.MustNewConstMetric(c.sessionsByStatus, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
	ch <- prometheus.MustNewConstMetric(c.storeUp, prometheus.GaugeValue, up)
}
