package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/api"
	"github.com/snarg/livescribe/internal/archive"
	"github.com/snarg/livescribe/internal/config"
	"github.com/snarg/livescribe/internal/database"
	"github.com/snarg/livescribe/internal/ingest"
	"github.com/snarg/livescribe/internal/metrics"
	"github.com/snarg/livescribe/internal/mqttclient"
	"github.com/snarg/livescribe/internal/session"
	"github.com/snarg/livescribe/internal/sqlitedb"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Postgres URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.SQLitePath, "sqlite", "", "SQLite database path (overrides SQLITE_PATH)")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "drop directory for JSON deliveries (overrides WATCH_DIR)")
	flag.StringVar(&overrides.ArchiveDir, "archive-dir", "", "directory for completed transcripts (overrides ARCHIVE_DIR)")
	flag.Parse()

	fullVersion := fmt.Sprintf("%s (commit=%s)", version, commit)
	if *showVersion {
		fmt.Println("livescribe", fullVersion)
		return
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", fullVersion).
		Str("store", cfg.StoreType()).
		Strs("ingest", cfg.IngestModes()).
		Msg("livescribe starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := ingest.NewEventBus(1024)

	// Primary store
	backend, pool, closeBackend := openBackend(ctx, cfg, log)
	defer closeBackend()
	primary := session.NewStore(session.StoreOptions{
		Backend:  backend,
		Observer: bus,
		Log:      log.With().Str("component", "store").Logger(),
	})

	in := ingest.NewIngestor(ingest.IngestorOptions{
		Primary:      primary,
		Observer:     bus,
		Log:          log.With().Str("component", "ingest").Logger(),
		AckTimeout:   cfg.WebhookAckTimeout,
		WriteTimeout: cfg.StoreWriteTimeout,
	})

	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()
	go in.RunDrainer(drainCtx, cfg.DrainInterval)

	// Archive of completed transcripts
	archiveStore, err := archive.New(cfg.S3, cfg.ArchiveDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize archive")
	}
	var archiver *ingest.Archiver
	if archiveStore != nil {
		archiver = ingest.NewArchiver(bus, archiveStore, log)
		archiver.Start()
		log.Info().Str("type", archiveStore.Type()).Msg("transcript archive enabled")
	}

	// MQTT ingress
	var mqttStatus api.ConnectionStatus
	var mqtt *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		router := ingest.NewMessageRouter(ctx, in, log)
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    cfg.MQTTTopics,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Handler:   router.HandleMessage,
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		mqttStatus = mqtt
	}

	// Drop-directory ingress
	var watcher *ingest.FileWatcher
	if cfg.WatchDir != "" {
		watcher = ingest.NewFileWatcher(in, cfg.WatchDir, log)
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("watch_dir", cfg.WatchDir).Msg("failed to start file watcher")
		}
	}

	live := ingest.NewLiveSource(bus, in, watcher)
	prometheus.MustRegister(metrics.NewCollector(pool, in, live))

	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Sessions:  in,
		Webhook:   in,
		Live:      live,
		MQTT:      mqttStatus,
		Version:   fullVersion,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if watcher != nil {
		watcher.Stop()
	}
	if mqtt != nil {
		mqtt.Close()
	}

	// Let acknowledged writes land, then move what is left in the fallback.
	if err := in.Wait(shutdownCtx); err != nil {
		log.Warn().Int("pending", in.PendingWrites()).Msg("shutdown with store writes still running")
	}
	stopDrain()
	if n := in.FallbackSessionCount(); n > 0 {
		if moved, err := in.Drain(shutdownCtx); err != nil {
			log.Error().Err(err).Int("drained", moved).Int("lost", n-moved).
				Msg("fallback sessions not persisted")
		}
	}
	if archiver != nil {
		archiver.Stop()
	}

	log.Info().Msg("livescribe stopped")
}

// openBackend selects the primary persistence backend: Postgres, then
// SQLite, then process memory.
func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (session.Backend, *pgxpool.Pool, func()) {
	switch cfg.StoreType() {
	case "postgres":
		dbLog := log.With().Str("component", "database").Logger()
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.Options{}, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		return db.Sessions(), db.Pool, db.Close

	case "sqlite":
		b, err := sqlitedb.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("failed to open sqlite database")
		}
		return b, nil, func() { b.Close() }

	default:
		log.Warn().Msg("no DATABASE_URL or SQLITE_PATH set, sessions are lost on restart")
		return session.NewMemoryBackend(), nil, func() {}
	}
}
