package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricekeeper/internal/alerting"
	"pricekeeper/internal/chain"
	"pricekeeper/internal/metrics"
	"pricekeeper/internal/oracle"
	"pricekeeper/internal/policy"
	"pricekeeper/internal/pricestore"
	"pricekeeper/internal/storage"
)

// QuoteFeed supplies the current off-chain price.
type QuoteFeed interface {
	FetchCurrentPrice(ctx context.Context) (oracle.PriceQuote, error)
}

// PriceCommitter executes the batched on-chain update.
type PriceCommitter interface {
	Commit(ctx context.Context, quote oracle.PriceQuote, targets []chain.TierTarget) (chain.TxOutcome, error)
}

// HistoryStore persists the committed-price baseline.
type HistoryStore interface {
	Read() (*pricestore.CommittedPrice, error)
	Write(rec pricestore.CommittedPrice) error
}

// CycleResult summarises one automation cycle for the supervisor.
type CycleResult struct {
	CycleID   string
	Trigger   string
	StartedAt time.Time
	Quote     *oracle.PriceQuote
	Decision  policy.Decision
	Outcome   *chain.TxOutcome
	Err       error
}

// Status classifies a finished cycle for operator-facing reporting.
func (r CycleResult) Status() string {
	switch {
	case r.Err != nil && errors.Is(r.Err, oracle.ErrPriceUnavailable):
		return "skipped: PriceUnavailable"
	case r.Err != nil:
		return "failed: " + r.Err.Error()
	case r.Decision.ShouldUpdate && r.Outcome != nil:
		return "committed: " + r.Decision.Reason
	case r.Decision.Reason != "":
		return "skipped: " + r.Decision.Reason
	default:
		return "skipped: commit already in flight"
	}
}

// Service orchestrates one automation cycle: fetch a quote, evaluate
// the update policy, and execute plus record the commit when due.
type Service struct {
	feed      QuoteFeed
	engine    *policy.Engine
	history   HistoryStore
	committer PriceCommitter
	targets   []chain.TierTarget

	decisions storage.DecisionStore
	commits   storage.CommitStore
	notifier  alerting.Notifier
	mets      *metrics.Set
	channels  []string
	logger    zerolog.Logger
	now       func() time.Time

	// commitMu enforces the at-most-one-in-flight-commit rule; a tick
	// arriving while a commit waits for confirmation is skipped, not
	// queued.
	commitMu sync.Mutex
}

// Options carry the optional collaborators.
type Options struct {
	Decisions storage.DecisionStore
	Commits   storage.CommitStore
	Notifier  alerting.Notifier
	Metrics   *metrics.Set
	Channels  []string
}

// New constructs the cycle service.
func New(feed QuoteFeed, engine *policy.Engine, history HistoryStore, committer PriceCommitter, targets []chain.TierTarget, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		feed:      feed,
		engine:    engine,
		history:   history,
		committer: committer,
		targets:   targets,
		decisions: opts.Decisions,
		commits:   opts.Commits,
		notifier:  opts.Notifier,
		mets:      opts.Metrics,
		channels:  opts.Channels,
		logger:    logger.With().Str("component", "cycle_service").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the service's time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Engine exposes the policy engine for status snapshots.
func (s *Service) Engine() *policy.Engine {
	return s.engine
}

// RunCycle executes one automation cycle. trigger labels what started
// it; force bypasses the policy gates for operator-driven updates.
// Per-cycle errors are returned inside the result, never panicked.
func (s *Service) RunCycle(ctx context.Context, trigger string, force bool) CycleResult {
	started := s.now().UTC()
	result := CycleResult{
		CycleID:   uuid.NewString(),
		Trigger:   trigger,
		StartedAt: started,
	}

	if !s.commitMu.TryLock() {
		s.logger.Warn().Str("trigger", trigger).Msg("commit still in flight, skipping cycle")
		s.countCycle("skipped_busy")
		return result
	}
	defer s.commitMu.Unlock()

	if s.mets != nil {
		defer func(t0 time.Time) {
			s.mets.CycleDuration.Observe(time.Since(t0).Seconds())
		}(time.Now())
	}

	logger := s.logger.With().Str("cycle_id", result.CycleID).Str("trigger", trigger).Logger()

	quote, err := s.feed.FetchCurrentPrice(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("no usable price this cycle")
		result.Err = err
		s.countCycle("price_unavailable")
		return result
	}
	result.Quote = &quote
	if s.mets != nil {
		s.mets.LastQuotedPrice.Set(quote.USDPrice.InexactFloat64())
	}

	baseline, _ := s.history.Read()

	if force {
		result.Decision = policy.Decision{ShouldUpdate: true, Reason: "manual trigger"}
	} else {
		result.Decision = s.engine.Evaluate(quote)
	}

	s.auditDecision(ctx, result, quote)

	if !result.Decision.ShouldUpdate {
		logger.Info().
			Str("usd_price", quote.USDPrice.String()).
			Str("reason", result.Decision.Reason).
			Msg("skipping price update")
		s.countCycle("skipped")
		return result
	}

	logger.Info().
		Str("usd_price", quote.USDPrice.String()).
		Str("source", string(quote.Source)).
		Str("reason", result.Decision.Reason).
		Msg("executing price update")

	outcome, err := s.committer.Commit(ctx, quote, s.targets)
	committedBy := "automation"
	if force {
		committedBy = "manual"
	}

	if err != nil {
		// History and counters stay untouched so the next cycle
		// retries cleanly.
		result.Err = err
		if outcome.Hash != (chain.TxOutcome{}).Hash {
			result.Outcome = &outcome
		}
		logger.Error().Err(err).Msg("price commit failed")
		s.auditCommit(ctx, result, quote, outcome, committedBy)
		s.countCommit(string(outcome.Status))
		s.countCycle("commit_failed")
		s.notify(ctx, alerting.Notification{
			Kind:       alerting.KindCommitFailed,
			OccurredAt: s.now().UTC(),
			USDPrice:   quote.USDPrice,
			TxHash:     txHashString(outcome),
			Detail:     err.Error(),
			Channels:   s.channels,
		})
		return result
	}

	result.Outcome = &outcome
	confirmedAt := s.now().UTC()

	record := pricestore.CommittedPrice{
		USDPrice:    quote.USDPrice,
		CommittedAt: confirmedAt,
		CommittedBy: committedBy,
	}
	if writeErr := s.history.Write(record); writeErr != nil {
		// Non-fatal: the next cycle degrades to first-run behaviour.
		logger.Warn().Err(writeErr).Msg("failed to persist committed price")
	}
	s.engine.RecordCommit(confirmedAt)

	s.auditCommit(ctx, result, quote, outcome, committedBy)
	s.countCommit(string(chain.TxConfirmed))
	s.countCycle("committed")
	if s.mets != nil {
		s.mets.LastCommitPrice.Set(quote.USDPrice.InexactFloat64())
	}

	logger.Info().
		Str("tx", outcome.Hash.Hex()).
		Uint64("block", outcome.BlockNumber).
		Uint64("gas_used", outcome.GasUsed).
		Msg("price update confirmed")

	s.notify(ctx, alerting.Notification{
		Kind:          alerting.KindCommitConfirmed,
		OccurredAt:    confirmedAt,
		USDPrice:      quote.USDPrice,
		PreviousPrice: baselinePrice(baseline),
		ChangePct:     changePct(baseline, quote.USDPrice),
		TxHash:        outcome.Hash.Hex(),
		Detail:        result.Decision.Reason,
		Channels:      s.channels,
	})

	return result
}

func (s *Service) auditDecision(ctx context.Context, result CycleResult, quote oracle.PriceQuote) {
	if s.decisions == nil {
		return
	}

	outcome := storage.OutcomeSkip
	if result.Decision.ShouldUpdate {
		outcome = storage.OutcomeUpdate
	}

	rec := storage.CycleDecision{
		CycleID:     result.CycleID,
		EvaluatedAt: result.StartedAt,
		Trigger:     result.Trigger,
		Source:      string(quote.Source),
		USDPrice:    quote.USDPrice,
		Outcome:     outcome,
		Reason:      result.Decision.Reason,
	}
	if _, err := s.decisions.InsertDecision(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Msg("failed to audit decision")
	}
}

func (s *Service) auditCommit(ctx context.Context, result CycleResult, quote oracle.PriceQuote, outcome chain.TxOutcome, committedBy string) {
	if s.commits == nil {
		return
	}

	rec := storage.PriceCommit{
		CycleID:     result.CycleID,
		USDPrice:    quote.USDPrice,
		TxHash:      txHashString(outcome),
		Status:      string(outcome.Status),
		CommittedBy: committedBy,
		CommittedAt: s.now().UTC(),
	}
	if outcome.Status == chain.TxConfirmed || outcome.Status == chain.TxFailed {
		block := int64(outcome.BlockNumber)
		gas := int64(outcome.GasUsed)
		rec.BlockNumber = &block
		rec.GasUsed = &gas
	}
	if rec.Status == "" {
		rec.Status = string(chain.TxFailed)
	}
	if _, err := s.commits.InsertCommit(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Msg("failed to audit commit")
	}
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}

func (s *Service) countCycle(outcome string) {
	if s.mets != nil {
		s.mets.CyclesTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countCommit(status string) {
	if s.mets != nil && status != "" {
		s.mets.CommitsTotal.WithLabelValues(status).Inc()
	}
}

func txHashString(outcome chain.TxOutcome) string {
	empty := chain.TxOutcome{}
	if outcome.Hash == empty.Hash {
		return ""
	}
	return outcome.Hash.Hex()
}

func baselinePrice(rec *pricestore.CommittedPrice) decimal.Decimal {
	if rec == nil {
		return decimal.Decimal{}
	}
	return rec.USDPrice
}

func changePct(rec *pricestore.CommittedPrice, current decimal.Decimal) decimal.Decimal {
	if rec == nil || !rec.USDPrice.IsPositive() {
		return decimal.Decimal{}
	}
	return current.Sub(rec.USDPrice).Div(rec.USDPrice).Mul(decimal.NewFromInt(100))
}
