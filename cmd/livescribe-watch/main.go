package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/client"
	"github.com/snarg/livescribe/internal/dashboard"
	"github.com/snarg/livescribe/internal/mirror"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	server := flag.String("server", envOr("LIVESCRIBE_SERVER", "http://localhost:8080"), "livescribe server URL")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "API bearer token")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	noPush := flag.Bool("no-push", false, "poll only, do not open the WebSocket event feed")
	logFile := flag.String("log-file", "", "write logs to this file (default: discard)")
	flag.Parse()

	var out io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	log := zerolog.New(out).With().Timestamp().Logger()

	c, err := client.New(*server, *token)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mir := mirror.New()
	p := tea.NewProgram(dashboard.New(c, mir, *server), tea.WithAltScreen())

	poller := mirror.NewPoller(c, mir, mirror.PollerOptions{
		Interval: *interval,
		OnUpdate: func(s mirror.Snapshot) { p.Send(dashboard.SnapshotMsg{Snapshot: s}) },
		Log:      log,
	})
	go poller.Run(ctx)

	if !*noPush {
		go streamEvents(ctx, c, mir, p, log)
	}

	_, err = p.Run()
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// streamEvents applies pushed session events to the mirror, reconnecting
// with backoff. The poller keeps the mirror converging while the feed is down.
func streamEvents(ctx context.Context, c *client.Client, mir *mirror.Mirror, p *tea.Program, log zerolog.Logger) {
	var lastID string
	attempt := 0
	for {
		events, err := c.Subscribe(ctx, lastID)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("event feed connect failed")
		} else {
			attempt = 0
			p.Send(dashboard.StreamStatusMsg{Connected: true})
			for e := range events {
				lastID = e.ID
				if e.Deleted() {
					mir.Remove(e.Session.ID)
				} else {
					mir.Apply(e.Session)
				}
				p.Send(dashboard.SnapshotMsg{Snapshot: mir.Snapshot()})
			}
			p.Send(dashboard.StreamStatusMsg{Connected: false})
			log.Info().Msg("event feed closed")
		}

		delay := time.Duration(1<<min(attempt, 4)) * time.Second
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
