package market

import (
	"context"
	"encoding/json"
	"time"

	"CryptoHub/internal/cache"
)

// pricesKey is the cache key for the whole polled quote set.
const pricesKey = "market:prices"

// Service serves market quotes through the query cache: one cached
// entry covering the configured asset set, refreshed in the background
// on the provider's poll interval. A failed poll keeps serving the
// last-known-good quotes.
type Service struct {
	client *Client
	cache  *cache.Cache
	assets []string
	opts   cache.Options
}

func NewService(client *Client, c *cache.Cache, assets []string, pollInterval time.Duration) *Service {
	return &Service{
		client: client,
		cache:  c,
		assets: assets,
		opts: cache.Options{
			// Stay fresh slightly past one poll so readers between
			// refreshes never trigger a foreground fetch.
			StaleAfter:   pollInterval * 2,
			RefetchEvery: pollInterval,
			DropAfter:    24 * time.Hour,
			Decode:       decodeQuotes,
		},
	}
}

// Prices returns the current quote set, from cache when fresh.
func (s *Service) Prices(ctx context.Context) (map[string]Quote, error) {
	v, err := s.cache.Get(ctx, pricesKey, s.fetch, s.opts)
	if err != nil {
		return nil, err
	}
	return v.(map[string]Quote), nil
}

// Prime fetches once at startup so the background refresh schedule is
// established before the first reader arrives.
func (s *Service) Prime(ctx context.Context) error {
	_, err := s.Prices(ctx)
	return err
}

func (s *Service) fetch(ctx context.Context) (interface{}, error) {
	return s.client.Fetch(ctx, s.assets)
}

func decodeQuotes(data []byte) (interface{}, error) {
	var quotes map[string]Quote
	if err := json.Unmarshal(data, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}
