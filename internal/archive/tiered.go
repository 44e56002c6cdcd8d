package archive

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// TieredStore writes to local disk first and copies to S3 best-effort.
// Reads prefer local disk and cache S3 hits locally.
type TieredStore struct {
	remote Store
	local  *LocalStore
	log    zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + S3-backup store.
func NewTieredStore(r Store, local *LocalStore, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		remote: r,
		local:  local,
		log:    log.With().Str("component", "tiered-archive").Logger(),
	}
}

// Save fails only when the local write fails.
func (s *TieredStore) Save(ctx context.Context, key string, data []byte, ct string) error {
	if err := s.local.Save(ctx, key, data, ct); err != nil {
		return err
	}
	if err := s.remote.Save(ctx, key, data, ct); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("remote archive write failed, local copy kept")
	}
	return nil
}

func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.remote.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	if cacheErr := s.local.Save(ctx, key, data, ""); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache remote document locally")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	if s.local.Exists(ctx, key) {
		return true
	}
	return s.remote.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
