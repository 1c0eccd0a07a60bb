package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FailoverStore serves from a primary store and falls back to a secondary
// when the primary errors. Cache entries are disposable, so losing the
// primary only costs warm-cache hits, never correctness.
type FailoverStore struct {
	primary   Store
	fallback  Store
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverStore(primary, fallback Store, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (s *FailoverStore) primaryUp() bool {
	if !s.isDown.Load() {
		return true
	}
	// Probe the primary again after a minute.
	last := time.Unix(s.lastCheck.Load(), 0)
	return time.Since(last) > time.Minute
}

func (s *FailoverStore) markDown(err error, op string) {
	s.isDown.Store(true)
	s.lastCheck.Store(time.Now().Unix())
	s.logger.Error().Err(err).Str("op", op).Msg("Primary cache store failed, falling back to memory")
}

func (s *FailoverStore) Get(ctx context.Context, url string) (*Entry, error) {
	if s.primaryUp() {
		entry, err := s.primary.Get(ctx, url)
		if err == nil {
			s.isDown.Store(false)
			return entry, nil
		}
		s.markDown(err, "get")
	}
	return s.fallback.Get(ctx, url)
}

func (s *FailoverStore) Set(ctx context.Context, entry *Entry) error {
	if s.primaryUp() {
		err := s.primary.Set(ctx, entry)
		if err == nil {
			s.isDown.Store(false)
			return nil
		}
		s.markDown(err, "set")
	}
	return s.fallback.Set(ctx, entry)
}

func (s *FailoverStore) Delete(ctx context.Context, url string) error {
	if s.primaryUp() {
		err := s.primary.Delete(ctx, url)
		if err == nil {
			s.isDown.Store(false)
			return nil
		}
		s.markDown(err, "delete")
	}
	return s.fallback.Delete(ctx, url)
}

func (s *FailoverStore) PurgeStale(ctx context.Context) (int, error) {
	// Purge runs on both stores: stale generations must not survive in
	// either place.
	fallbackPurged, fallbackErr := s.fallback.PurgeStale(ctx)
	if s.primaryUp() {
		primaryPurged, err := s.primary.PurgeStale(ctx)
		if err == nil {
			s.isDown.Store(false)
			return primaryPurged + fallbackPurged, fallbackErr
		}
		s.markDown(err, "purge")
	}
	return fallbackPurged, fallbackErr
}
