package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/config"
	"github.com/snarg/livescribe/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions holds the dependencies the HTTP surface is built from.
type ServerOptions struct {
	Config    *config.Config
	Sessions  SessionService
	Webhook   WebhookIngestor
	Live      LiveDataSource   // optional
	MQTT      ConnectionStatus // optional
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

// NewRouter builds the full route tree. It is separate from NewServer so
// tests can drive it with httptest.
func NewRouter(opts ServerOptions) chi.Router {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORSWithOrigins(cfg.CORSOriginList()))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	// Device webhook. The device cannot send a bearer token, so it is
	// mounted outside the auth group.
	webhook := NewWebhookHandler(opts.Webhook)
	webhook.Routes(r, "/webhook")
	webhook.Routes(r, "/api/omi/webhook")

	r.Route("/api/v1", func(r chi.Router) {
		health := NewHealthHandler(opts.Sessions, opts.Live, opts.MQTT, cfg.StoreType(), opts.Version, opts.StartTime)
		r.Get("/health", health.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			NewSessionsHandler(opts.Sessions).Routes(r)
			NewEventsHandler(opts.Live, cfg.CORSOriginList()).Routes(r)
		})
	})

	return r
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(opts),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
