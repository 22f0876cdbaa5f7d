package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DexScreenerOptions parameterise the fallback oracle client.
type DexScreenerOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// DexScreener fetches the token USD price from a DexScreener-shaped
// pairs endpoint. Used only when the primary oracle fails.
type DexScreener struct {
	opts   DexScreenerOptions
	logger zerolog.Logger
	client *http.Client
}

// NewDexScreener constructs the fallback oracle client.
func NewDexScreener(opts DexScreenerOptions, logger zerolog.Logger) *DexScreener {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &DexScreener{
		opts:   opts,
		logger: logger.With().Str("component", "oracle_fallback").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

type dexScreenerResponse struct {
	Pairs []struct {
		PriceUsd string `json:"priceUsd"`
	} `json:"pairs"`
}

// FetchPrice retrieves the USD price of the first pair carrying one.
func (d *DexScreener) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	if d.opts.URL == "" {
		return decimal.Decimal{}, errors.New("fallback oracle url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.URL, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, httpStatusError("fallback oracle", resp.StatusCode, payload)
	}

	var body dexScreenerResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode fallback oracle response: %w", err)
	}
	if len(body.Pairs) == 0 {
		return decimal.Decimal{}, errors.New("fallback oracle returned no pairs")
	}

	for _, pair := range body.Pairs {
		if pair.PriceUsd == "" {
			continue
		}
		price, err := decimal.NewFromString(pair.PriceUsd)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("parse priceUsd: %w", err)
		}
		return price, nil
	}

	return decimal.Decimal{}, errors.New("fallback oracle pairs carry no priceUsd")
}

var _ PriceFetcher = (*DexScreener)(nil)
