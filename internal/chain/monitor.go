package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PurchaseEvent is a decoded CreditsPurchased log.
type PurchaseEvent struct {
	Buyer       common.Address
	Tier        string
	TokenAmount *big.Int
	Credits     *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// PriceUpdateEvent is a decoded PricesUpdated log.
type PriceUpdateEvent struct {
	Updater     common.Address
	BlockNumber uint64
	TxHash      common.Hash
}

// PollResult summarises one monitor poll. LargePurchases holds the
// subset of purchase events above the threshold and not seen before.
type PollResult struct {
	FromBlock         uint64
	ToBlock           uint64
	PurchaseEvents    []PurchaseEvent
	PriceUpdateEvents []PriceUpdateEvent
	LargePurchases    []PurchaseEvent
}

// SeenStore deduplicates purchase events across the lookback overlap.
// May be nil, in which case every observed event counts.
type SeenStore interface {
	// MarkSeen records the event key and reports whether it was new.
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// MonitorOptions parameterise the event monitor.
type MonitorOptions struct {
	ContractAddress string
	LookbackBlocks  uint64
	// LargePurchase is the whole-token threshold above which a purchase
	// triggers an out-of-band policy check.
	LargePurchase decimal.Decimal
	TokenDecimals int32
	RecheckDelay  time.Duration
}

// Monitor polls the payments contract for purchase and price-update
// events over a sliding block window. The cursor only advances after a
// successful query, and each poll re-scans a small lookback overlap to
// tolerate missed polls and shallow reorgs.
type Monitor struct {
	backend  Backend
	contract common.Address
	opts     MonitorOptions
	seen     SeenStore
	logger   zerolog.Logger

	threshold *big.Int // large purchase, smallest units

	// recheck fires the out-of-band policy check.
	recheck func()

	mu             sync.Mutex
	lastChecked    uint64
	recheckPending bool
	recheckTimer   *time.Timer
}

// NewMonitor constructs an event monitor. recheck may be nil.
func NewMonitor(backend Backend, opts MonitorOptions, seen SeenStore, recheck func(), logger zerolog.Logger) *Monitor {
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = 100
	}
	if opts.RecheckDelay <= 0 {
		opts.RecheckDelay = 30 * time.Second
	}

	threshold := opts.LargePurchase.Mul(decimal.New(1, opts.TokenDecimals)).Round(0).BigInt()

	return &Monitor{
		backend:   backend,
		contract:  common.HexToAddress(opts.ContractAddress),
		opts:      opts,
		seen:      seen,
		logger:    logger.With().Str("component", "event_monitor").Logger(),
		threshold: threshold,
		recheck:   recheck,
	}
}

// LastCheckedBlock reports the current cursor position.
func (m *Monitor) LastCheckedBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChecked
}

// PollOnce scans from max(cursor+1, head-lookback) to the current head.
// No new blocks is a no-op. On a failed query the cursor is left
// unchanged so the next poll retries the same range.
func (m *Monitor) PollOnce(ctx context.Context) (PollResult, error) {
	head, err := m.backend.BlockNumber(ctx)
	if err != nil {
		return PollResult{}, fmt.Errorf("fetch head block: %w", err)
	}

	m.mu.Lock()
	cursor := m.lastChecked
	m.mu.Unlock()

	from := cursor + 1
	if head > m.opts.LookbackBlocks && head-m.opts.LookbackBlocks > from {
		from = head - m.opts.LookbackBlocks
	}
	if from > head {
		return PollResult{FromBlock: from, ToBlock: head}, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{m.contract},
		Topics: [][]common.Hash{{
			paymentsABI.Events["CreditsPurchased"].ID,
			paymentsABI.Events["PricesUpdated"].ID,
		}},
	}

	logs, err := m.backend.FilterLogs(ctx, query)
	if err != nil {
		return PollResult{}, fmt.Errorf("filter logs [%d, %d]: %w", from, head, err)
	}

	result := PollResult{FromBlock: from, ToBlock: head}
	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case paymentsABI.Events["CreditsPurchased"].ID:
			ev, decodeErr := decodePurchase(lg)
			if decodeErr != nil {
				m.logger.Warn().Err(decodeErr).Str("tx", lg.TxHash.Hex()).Msg("undecodable purchase event")
				continue
			}
			result.PurchaseEvents = append(result.PurchaseEvents, ev)
			if m.handlePurchase(ctx, ev) {
				result.LargePurchases = append(result.LargePurchases, ev)
			}
		case paymentsABI.Events["PricesUpdated"].ID:
			ev, decodeErr := decodePriceUpdate(lg)
			if decodeErr != nil {
				m.logger.Warn().Err(decodeErr).Str("tx", lg.TxHash.Hex()).Msg("undecodable price update event")
				continue
			}
			result.PriceUpdateEvents = append(result.PriceUpdateEvents, ev)
		}
	}

	m.mu.Lock()
	if head > m.lastChecked {
		m.lastChecked = head
	}
	m.mu.Unlock()

	return result, nil
}

// Stop cancels a pending recheck timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recheckTimer != nil {
		m.recheckTimer.Stop()
		m.recheckTimer = nil
	}
	m.recheckPending = false
}

// handlePurchase reports whether the event is a fresh large purchase.
func (m *Monitor) handlePurchase(ctx context.Context, ev PurchaseEvent) bool {
	if ev.TokenAmount == nil || m.threshold.Sign() == 0 || ev.TokenAmount.Cmp(m.threshold) < 0 {
		return false
	}

	if m.seen != nil {
		key := fmt.Sprintf("purchase:%s:%d", ev.TxHash.Hex(), ev.LogIndex)
		fresh, err := m.seen.MarkSeen(ctx, key)
		if err != nil {
			m.logger.Warn().Err(err).Msg("event dedup unavailable, treating event as fresh")
		} else if !fresh {
			return false
		}
	}

	m.logger.Info().
		Str("buyer", ev.Buyer.Hex()).
		Str("tier", ev.Tier).
		Str("token_amount", ev.TokenAmount.String()).
		Msg("large purchase observed, scheduling price re-check")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recheck == nil || m.recheckPending {
		return true
	}
	m.recheckPending = true
	// The delay lets the market price react to the purchase before we
	// re-price off it. Rechecks coalesce while one is pending.
	m.recheckTimer = time.AfterFunc(m.opts.RecheckDelay, func() {
		m.mu.Lock()
		m.recheckPending = false
		m.recheckTimer = nil
		m.mu.Unlock()
		m.recheck()
	})
	return true
}

func decodePurchase(lg types.Log) (PurchaseEvent, error) {
	if len(lg.Topics) < 2 {
		return PurchaseEvent{}, fmt.Errorf("purchase log missing buyer topic")
	}

	var data struct {
		PackageTier string
		TokenAmount *big.Int
		Credits     *big.Int
		Timestamp   *big.Int
	}
	if err := paymentsABI.UnpackIntoInterface(&data, "CreditsPurchased", lg.Data); err != nil {
		return PurchaseEvent{}, err
	}

	return PurchaseEvent{
		Buyer:       common.BytesToAddress(lg.Topics[1].Bytes()),
		Tier:        data.PackageTier,
		TokenAmount: data.TokenAmount,
		Credits:     data.Credits,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}, nil
}

func decodePriceUpdate(lg types.Log) (PriceUpdateEvent, error) {
	if len(lg.Topics) < 2 {
		return PriceUpdateEvent{}, fmt.Errorf("price update log missing updater topic")
	}
	return PriceUpdateEvent{
		Updater:     common.BytesToAddress(lg.Topics[1].Bytes()),
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
	}, nil
}
