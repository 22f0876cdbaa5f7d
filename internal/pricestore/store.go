package pricestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CommittedPrice is the durable record of the last confirmed on-chain
// price update. A single record exists at a time; writes overwrite.
type CommittedPrice struct {
	USDPrice    decimal.Decimal `json:"price"`
	CommittedAt time.Time       `json:"timestamp"`
	CommittedBy string          `json:"updatedBy"`
}

// Store persists the last committed price in a single-slot JSON file.
// It is the sole baseline for percentage-change calculations across
// process restarts.
type Store struct {
	path   string
	logger zerolog.Logger
}

// New constructs a file-backed store.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "price_history").Logger(),
	}
}

// Read returns the last committed price, or nil when no usable record
// exists. A missing or corrupt file is the expected first-run state,
// not an error.
func (s *Store) Read() (*CommittedPrice, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("history file unreadable, treating as first run")
		}
		return nil, nil
	}

	var rec CommittedPrice
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("history file corrupt, treating as first run")
		return nil, nil
	}
	if !rec.USDPrice.IsPositive() || rec.CommittedAt.IsZero() {
		s.logger.Warn().Str("path", s.path).Msg("history record invalid, treating as first run")
		return nil, nil
	}

	return &rec, nil
}

// Write overwrites the stored record. The write goes through a temp
// file and rename so a crash cannot leave a half-written record.
func (s *Store) Write(rec CommittedPrice) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".price_history-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp history file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp history file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace history file: %w", err)
	}

	return nil
}
