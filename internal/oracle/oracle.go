package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which oracle produced a quote.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// ErrPriceUnavailable signals that every configured oracle failed or
// returned an unusable price. Callers must skip the cycle, never treat
// it as a zero price.
var ErrPriceUnavailable = errors.New("oracle: price unavailable from all sources")

// PriceQuote is a point-in-time observation of the token's USD price.
type PriceQuote struct {
	Source     Source
	USDPrice   decimal.Decimal
	ObservedAt time.Time
}

// PriceFetcher retrieves a single source's USD price quote.
type PriceFetcher interface {
	FetchPrice(ctx context.Context) (decimal.Decimal, error)
}
