package invalidation

import (
	"context"
	"time"

	"CryptoHub/internal/cache"
	"CryptoHub/internal/observability"

	"github.com/rs/zerolog"
)

// PollingSource is the fallback when no change feed is available: it
// invalidates the watched prefixes on a fixed interval, degrading the
// cache to interval-bounded staleness without changing its contract.
type PollingSource struct {
	interval time.Duration
	prefixes []string
	log      zerolog.Logger
}

func NewPollingSource(interval time.Duration, prefixes []string) *PollingSource {
	return &PollingSource{
		interval: interval,
		prefixes: prefixes,
		log:      observability.NewLogger("invalidation-poll"),
	}
}

// DefaultPrefixes covers every owner-scoped table the sync core caches.
func DefaultPrefixes() []string {
	out := make([]string, 0, len(tablePrefixes))
	seen := make(map[string]bool, len(tablePrefixes))
	for _, p := range tablePrefixes {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Subscribe implements cache.InvalidationSource. Blocks until ctx is
// cancelled.
func (s *PollingSource) Subscribe(ctx context.Context, fn func(cache.Invalidation)) error {
	s.log.Info().Dur("interval", s.interval).Msg("polling invalidation active")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, p := range s.prefixes {
				fn(cache.Invalidation{Prefix: p, At: now})
			}
		}
	}
}
