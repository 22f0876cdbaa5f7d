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

// PrimaryOptions parameterise the primary oracle client.
type PrimaryOptions struct {
	URL       string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Primary fetches the token USD price from the primary oracle endpoint,
// a JSON object carrying a usdPrice field.
type Primary struct {
	opts   PrimaryOptions
	logger zerolog.Logger
	client *http.Client
}

// NewPrimary constructs a primary oracle client.
func NewPrimary(opts PrimaryOptions, logger zerolog.Logger) *Primary {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Primary{
		opts:   opts,
		logger: logger.With().Str("component", "oracle_primary").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

type primaryResponse struct {
	USDPrice json.Number `json:"usdPrice"`
}

// FetchPrice retrieves the current USD price from the primary oracle.
func (p *Primary) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	if p.opts.URL == "" {
		return decimal.Decimal{}, errors.New("primary oracle url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if p.opts.APIKey != "" {
		req.Header.Set("X-API-Key", p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, httpStatusError("primary oracle", resp.StatusCode, payload)
	}

	var body primaryResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode primary oracle response: %w", err)
	}
	if body.USDPrice == "" {
		return decimal.Decimal{}, errors.New("primary oracle response missing usdPrice")
	}

	price, err := decimal.NewFromString(body.USDPrice.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse usdPrice: %w", err)
	}

	return price, nil
}

func httpStatusError(source string, status int, payload []byte) error {
	trimmed := strings.TrimSpace(string(payload))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	if trimmed != "" {
		return fmt.Errorf("%s error (%d): %s", source, status, trimmed)
	}
	return fmt.Errorf("%s error (%d)", source, status)
}

var _ PriceFetcher = (*Primary)(nil)
