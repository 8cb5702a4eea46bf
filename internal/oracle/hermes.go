package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/compoundr/internal/metrics"
	"github.com/wnt/compoundr/internal/utils"
)

// HermesClient fetches Pyth price feeds from a Hermes endpoint.
type HermesClient struct {
	httpClient *utils.HTTPClient
	feedIDs    map[string]string // symbol -> Pyth price feed ID
	maxAge     time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHermesClient creates a new Hermes price client. feedIDs maps
// caller-chosen symbols (pool addresses in this service) to Pyth price feed
// IDs.
func NewHermesClient(baseURL string, feedIDs map[string]string, maxAge time.Duration, logger zerolog.Logger) *HermesClient {
	return &HermesClient{
		httpClient: utils.NewHTTPClient(
			utils.WithBaseURL(baseURL),
			utils.WithTimeout(10*time.Second),
		),
		feedIDs: feedIDs,
		maxAge:  maxAge,
		logger:  logger.With().Str("component", "hermes_oracle").Logger(),
		now:     time.Now,
	}
}

// priceFeed mirrors one entry of the Hermes latest_price_feeds response
type priceFeed struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
}

// GetPrice returns the latest published price for a symbol
func (c *HermesClient) GetPrice(ctx context.Context, symbol string) (Price, error) {
	feedID, ok := c.feedIDs[symbol]
	if !ok {
		metrics.RecordPriceLookup("unavailable")
		return Price{}, fmt.Errorf("%w: no feed configured for symbol %q", ErrUnavailable, symbol)
	}

	resp, err := c.httpClient.Get(ctx, "/v2/latest_price_feeds", map[string]string{"ids[]": feedID})
	if err != nil {
		metrics.RecordPriceLookup("unavailable")
		return Price{}, fmt.Errorf("%w: fetching feed %s: %v", ErrUnavailable, feedID, err)
	}

	var feeds []priceFeed
	if err := resp.DecodeJSON(&feeds); err != nil {
		metrics.RecordPriceLookup("unavailable")
		return Price{}, fmt.Errorf("%w: decoding feed %s: %v", ErrUnavailable, feedID, err)
	}

	if len(feeds) == 0 {
		metrics.RecordPriceLookup("unavailable")
		return Price{}, fmt.Errorf("%w: feed %s returned no data", ErrUnavailable, feedID)
	}

	feed := feeds[0]
	raw, err := decimal.NewFromString(feed.Price.Price)
	if err != nil {
		metrics.RecordPriceLookup("unavailable")
		return Price{}, fmt.Errorf("%w: parsing price %q: %v", ErrUnavailable, feed.Price.Price, err)
	}

	price := Price{
		Value: raw.Shift(feed.Price.Expo),
		AsOf:  time.Unix(feed.Price.PublishTime, 0),
	}

	if age := c.now().Sub(price.AsOf); age > c.maxAge {
		metrics.RecordPriceLookup("stale")
		return price, fmt.Errorf("%w: %s published %s ago", ErrStale, symbol, age.Round(time.Second))
	}

	metrics.RecordPriceLookup("success")
	c.logger.Debug().
		Str("symbol", symbol).
		Str("price", price.Value.String()).
		Time("as_of", price.AsOf).
		Msg("Fetched price")

	return price, nil
}
