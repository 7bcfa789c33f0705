package cache

import (
	"context"
	"time"
)

// Invalidation is one change-feed event: entries whose keys start with
// Prefix are no longer trustworthy as of At.
type Invalidation struct {
	Prefix string
	At     time.Time
}

// InvalidationSource is an abstract remote change feed the cache
// subscribes to. The NATS subscriber implements it; a polling fallback
// may implement it too without changing the cache's contract.
type InvalidationSource interface {
	// Subscribe delivers invalidations to fn until ctx is cancelled.
	Subscribe(ctx context.Context, fn func(Invalidation)) error
}
