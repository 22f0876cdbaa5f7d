package policy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricekeeper/internal/oracle"
	"pricekeeper/internal/pricestore"
)

const utcDateLayout = "2006-01-02"

// HistoryReader supplies the last committed price baseline.
type HistoryReader interface {
	Read() (*pricestore.CommittedPrice, error)
}

// Options tune the decision engine.
type Options struct {
	ChangeThreshold   decimal.Decimal
	MinUpdateInterval time.Duration
	MaxDailyUpdates   int
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	ShouldUpdate bool
	Reason       string
}

// State is a snapshot of the engine's counters, for status reporting.
type State struct {
	LastUpdate time.Time
	DailyCount int
	ResetDate  string
}

// Engine decides whether the on-chain price table warrants an update.
// Evaluate never mutates the rate-limit counters beyond the daily UTC
// reset; RecordCommit mutates them only once the caller has a
// confirmed commit. Counters are in-memory: after a restart the engine
// behaves as on a fresh day, which the interval and threshold gates
// keep safe.
type Engine struct {
	opts    Options
	history HistoryReader
	logger  zerolog.Logger
	now     func() time.Time

	lastUpdate time.Time
	dailyCount int
	resetDate  string
}

// NewEngine constructs a decision engine.
func NewEngine(opts Options, history HistoryReader, logger zerolog.Logger) *Engine {
	if opts.MinUpdateInterval <= 0 {
		panic("policy: min update interval must be positive")
	}
	if opts.MaxDailyUpdates <= 0 {
		panic("policy: max daily updates must be positive")
	}
	return &Engine{
		opts:    opts,
		history: history,
		logger:  logger.With().Str("component", "policy_engine").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluate decides whether the current quote warrants a commit.
func (e *Engine) Evaluate(quote oracle.PriceQuote) Decision {
	now := e.now().UTC()
	e.rollDailyWindow(now)

	if !e.lastUpdate.IsZero() {
		elapsed := now.Sub(e.lastUpdate)
		if elapsed < e.opts.MinUpdateInterval {
			return Decision{Reason: fmt.Sprintf(
				"too soon: %s since last update, minimum interval %s",
				elapsed.Round(time.Second), e.opts.MinUpdateInterval)}
		}
	}

	if e.dailyCount >= e.opts.MaxDailyUpdates {
		return Decision{Reason: fmt.Sprintf(
			"daily cap reached (%d/%d)", e.dailyCount, e.opts.MaxDailyUpdates)}
	}

	baseline, err := e.history.Read()
	if err != nil || baseline == nil {
		return Decision{ShouldUpdate: true, Reason: "initial price setup"}
	}
	if !baseline.USDPrice.IsPositive() {
		// A zero baseline cannot anchor a percentage; force a fresh commit.
		return Decision{ShouldUpdate: true, Reason: "invalid baseline, forcing fresh commit"}
	}

	change := quote.USDPrice.Sub(baseline.USDPrice).Div(baseline.USDPrice)
	pct := change.Mul(decimal.NewFromInt(100))

	if change.Abs().GreaterThanOrEqual(e.opts.ChangeThreshold) {
		return Decision{ShouldUpdate: true, Reason: fmt.Sprintf(
			"%s%% price change (%s)", signedFixed(pct), direction(change))}
	}

	return Decision{Reason: fmt.Sprintf(
		"within threshold: %s%% change, threshold %s%%",
		signedFixed(pct), e.opts.ChangeThreshold.Mul(decimal.NewFromInt(100)).StringFixed(1))}
}

// RecordCommit advances the rate-limit counters after a confirmed
// commit. Never call it for failed or merely-submitted transactions.
func (e *Engine) RecordCommit(at time.Time) {
	at = at.UTC()
	e.rollDailyWindow(at)
	e.lastUpdate = at
	e.dailyCount++
}

// Snapshot reports the current counters.
func (e *Engine) Snapshot() State {
	return State{
		LastUpdate: e.lastUpdate,
		DailyCount: e.dailyCount,
		ResetDate:  e.resetDate,
	}
}

func (e *Engine) rollDailyWindow(now time.Time) {
	date := now.Format(utcDateLayout)
	if date != e.resetDate {
		if e.resetDate != "" && e.dailyCount > 0 {
			e.logger.Debug().Str("date", date).Int("previous_count", e.dailyCount).Msg("daily update counter reset")
		}
		e.dailyCount = 0
		e.resetDate = date
	}
}

func direction(change decimal.Decimal) string {
	switch change.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

func signedFixed(pct decimal.Decimal) string {
	s := pct.StringFixed(1)
	if pct.Sign() >= 0 {
		return "+" + s
	}
	return s
}
