package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CryptoHub/internal/cache"
	"CryptoHub/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// changeSubjectPrefix is the subject space the remote data service
// publishes row changes on: hub.changes.<table>.
const changeSubjectPrefix = "hub.changes."

// tablePrefixes maps a changed table to the cache key prefix that row
// changes on it make stale.
var tablePrefixes = map[string]string{
	"swap_transactions": "swaps:",
	"user_portfolios":   "portfolio:",
	"fiat_balances":     "fiat:",
	"fiat_transactions": "fiat:",
	"credit_scores":     "credit:",
}

// changeEvent is one row change published by the remote data service.
type changeEvent struct {
	Table  string    `json:"table"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// NATSSource subscribes to the remote store's change feed and maps
// each table change to a cache invalidation, scoped to the owning user
// when the event carries one. Plain core NATS: a missed invalidation
// only means the staleness window does the work instead, so durable
// delivery buys nothing here.
type NATSSource struct {
	nc      *nats.Conn
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewNATSSource(nc *nats.Conn, metrics *observability.Metrics) *NATSSource {
	return &NATSSource{
		nc:      nc,
		metrics: metrics,
		log:     observability.NewLogger("invalidation-nats"),
	}
}

// Subscribe implements cache.InvalidationSource. Blocks until ctx is
// cancelled, then drains the subscription.
func (s *NATSSource) Subscribe(ctx context.Context, fn func(cache.Invalidation)) error {
	sub, err := s.nc.Subscribe(changeSubjectPrefix+">", func(msg *nats.Msg) {
		var ev changeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.log.Warn().Str("subject", msg.Subject).Err(err).Msg("bad change event")
			return
		}

		prefix, ok := tablePrefixes[ev.Table]
		if !ok {
			return
		}
		s.metrics.InvalidationEvents.WithLabelValues(ev.Table).Inc()

		if ev.UserID != "" {
			prefix += ev.UserID
		}
		fn(cache.Invalidation{Prefix: prefix, At: ev.At})
	})
	if err != nil {
		return fmt.Errorf("subscribe change feed: %w", err)
	}

	s.log.Info().Str("subject", changeSubjectPrefix+">").Msg("subscribed to change feed")

	<-ctx.Done()
	return sub.Drain()
}
