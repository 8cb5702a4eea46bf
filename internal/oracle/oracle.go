// Package oracle supplies advisory spot prices for valuation and logging.
// Price failures are soft: the compounding engine proceeds without them.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable marks a network or parse failure while fetching a price.
	ErrUnavailable = errors.New("price unavailable")

	// ErrStale marks a price older than the configured freshness bound.
	ErrStale = errors.New("price stale")
)

// Price is a spot price together with its publish time.
type Price struct {
	Value decimal.Decimal
	AsOf  time.Time
}

// PriceOracle returns the current price for a trading-pair symbol.
type PriceOracle interface {
	GetPrice(ctx context.Context, symbol string) (Price, error)
}
