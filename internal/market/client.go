package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CryptoHub/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Quote is one asset's current market snapshot.
type Quote struct {
	Asset     string          `json:"asset"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	VolumeUSD decimal.Decimal `json:"volume_usd"`
	Change24h decimal.Decimal `json:"change_24h"`
}

// Client polls the market data provider over HTTP. The provider pushes
// nothing; staleness between polls is absorbed by the query cache.
type Client struct {
	baseURL string
	client  *http.Client
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewClient(baseURL string, metrics *observability.Metrics) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		metrics: metrics,
		log:     observability.NewLogger("market-client"),
	}
}

// Fetch returns current price/volume/change for the given asset ids,
// keyed by id. Unknown ids are absent from the result, not an error.
func (c *Client) Fetch(ctx context.Context, assets []string) (map[string]Quote, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(assets, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_vol", "true")
	q.Set("include_24hr_change", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build market request: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	c.metrics.MarketPollDur.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.MarketPolls.WithLabelValues("error").Inc()
		c.metrics.MarketPollErrors.Inc()
		return nil, fmt.Errorf("market call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.MarketPolls.WithLabelValues("error").Inc()
		c.metrics.MarketPollErrors.Inc()
		return nil, fmt.Errorf("market call: status %d", resp.StatusCode)
	}

	// Provider shape: {"ethereum":{"usd":1.0,"usd_24h_vol":2.0,"usd_24h_change":3.0}}
	var raw map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		c.metrics.MarketPolls.WithLabelValues("error").Inc()
		c.metrics.MarketPollErrors.Inc()
		return nil, fmt.Errorf("decode market response: %w", err)
	}

	quotes := make(map[string]Quote, len(raw))
	for asset, fields := range raw {
		quotes[asset] = Quote{
			Asset:     asset,
			PriceUSD:  parseNumber(fields["usd"]),
			VolumeUSD: parseNumber(fields["usd_24h_vol"]),
			Change24h: parseNumber(fields["usd_24h_change"]),
		}
	}

	c.metrics.MarketPolls.WithLabelValues("ok").Inc()
	c.log.Debug().Int("assets", len(quotes)).Msg("market poll completed")
	return quotes, nil
}

func parseNumber(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
