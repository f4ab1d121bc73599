// Package cache provides a TTL key-value store with tag- and pattern-based
// invalidation. Values are opaque byte slices so that every backend can hold
// them without knowing what they encode.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often expired entries are purged when no
// interval is configured.
const DefaultSweepInterval = 5 * time.Minute

// Stats reports entry count and lookup counters.
type Stats struct {
	Count  int    `json:"count"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Store is the contract shared by the in-memory and Redis backends.
type Store interface {
	// Set stores value under key for ttl. A non-positive ttl removes the key.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error
	// Get returns the value while it is fresh. Expired entries are misses.
	Get(ctx context.Context, key string) ([]byte, bool)
	// GetStale returns the value if it expired less than grace ago. It does
	// not touch the hit/miss counters.
	GetStale(ctx context.Context, key string, grace time.Duration) ([]byte, bool)
	InvalidateByTag(ctx context.Context, tag string) (int, error)
	InvalidateByPattern(ctx context.Context, substr string) (int, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	// Sweep evicts entries that can no longer be served, returning how many
	// were removed.
	Sweep(ctx context.Context) (int, error)
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Store, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("cache sweep", zap.Int("evicted", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
