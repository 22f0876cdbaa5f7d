package oracle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Feed chains the primary and fallback oracles into a single quote
// source. A failed or non-positive primary price falls through to the
// fallback; only when both are unusable does the feed report
// ErrPriceUnavailable. There is no retry beyond the fallback hop: the
// daemon's next tick is the retry mechanism.
type Feed struct {
	primary  PriceFetcher
	fallback PriceFetcher
	logger   zerolog.Logger
	now      func() time.Time
}

// NewFeed constructs a quote feed. fallback may be nil.
func NewFeed(primary, fallback PriceFetcher, logger zerolog.Logger) *Feed {
	return &Feed{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With().Str("component", "price_feed").Logger(),
		now:      time.Now,
	}
}

// FetchCurrentPrice returns the current USD price quote.
func (f *Feed) FetchCurrentPrice(ctx context.Context) (PriceQuote, error) {
	price, err := f.primary.FetchPrice(ctx)
	if err == nil && price.IsPositive() {
		return PriceQuote{Source: SourcePrimary, USDPrice: price, ObservedAt: f.now().UTC()}, nil
	}

	if err != nil {
		f.logger.Warn().Err(err).Msg("primary oracle failed, trying fallback")
	} else {
		f.logger.Warn().Str("usd_price", price.String()).Msg("primary oracle returned non-positive price, trying fallback")
	}

	if f.fallback == nil {
		return PriceQuote{}, ErrPriceUnavailable
	}

	price, err = f.fallback.FetchPrice(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("fallback oracle failed")
		return PriceQuote{}, ErrPriceUnavailable
	}
	if !price.IsPositive() {
		f.logger.Warn().Str("usd_price", price.String()).Msg("fallback oracle returned non-positive price")
		return PriceQuote{}, ErrPriceUnavailable
	}

	return PriceQuote{Source: SourceFallback, USDPrice: price, ObservedAt: f.now().UTC()}, nil
}
