// Package archive writes completed transcripts as Markdown documents to local
// disk, an S3-compatible bucket, or both.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/config"
	"github.com/snarg/livescribe/internal/session"
)

const contentType = "text/markdown; charset=utf-8"

// Store abstracts archive backends.
type Store interface {
	// Save stores data under key. key format: {YYYY-MM-DD}/{session_id}.md
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for an archived document.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a document exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// New creates a Store from config. It returns a nil Store when archival is
// not configured. An S3 bucket that cannot be reached at startup is an error.
func New(cfg config.S3Config, dir string, log zerolog.Logger) (Store, error) {
	if !cfg.Enabled() {
		if dir == "" {
			return nil, nil
		}
		return NewLocalStore(dir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache || dir == "" {
		return s3store, nil
	}
	return NewTieredStore(s3store, NewLocalStore(dir), log), nil
}

// Key returns the archive key for s.
func Key(s session.Session) string {
	return s.StartedAt.UTC().Format("2006-01-02") + "/" + safeName(s.SessionID) + ".md"
}

// safeName keeps session ids from escaping their date directory.
func safeName(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	id = r.Replace(id)
	if id == "" || id == "." {
		return "_"
	}
	return id
}

// Render formats a session as a Markdown document.
func Render(s session.Session) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", s.Title)
	fmt.Fprintf(&b, "- Session: `%s`\n", s.SessionID)
	if s.UserID != "" {
		fmt.Fprintf(&b, "- User: `%s`\n", s.UserID)
	}
	fmt.Fprintf(&b, "- Started: %s\n", s.StartedAt.UTC().Format(time.RFC3339))
	if s.CompletedAt != nil {
		fmt.Fprintf(&b, "- Completed: %s\n", s.CompletedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Duration: %s\n\n", s.Duration(s.LastUpdated).Round(time.Second))
	b.WriteString(strings.TrimSpace(s.Transcript))
	b.WriteString("\n")
	return b.Bytes()
}

// Write renders s and saves it under Key(s).
func Write(ctx context.Context, st Store, s session.Session) (string, error) {
	key := Key(s)
	if err := st.Save(ctx, key, Render(s), contentType); err != nil {
		return key, err
	}
	return key, nil
}
