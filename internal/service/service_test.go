package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricekeeper/internal/alerting"
	"pricekeeper/internal/chain"
	"pricekeeper/internal/oracle"
	"pricekeeper/internal/policy"
	"pricekeeper/internal/pricestore"
)

type stubFeed struct {
	quote oracle.PriceQuote
	err   error
}

func (s *stubFeed) FetchCurrentPrice(ctx context.Context) (oracle.PriceQuote, error) {
	return s.quote, s.err
}

type memHistory struct {
	mu  sync.Mutex
	rec *pricestore.CommittedPrice
}

func (m *memHistory) Read() (*pricestore.CommittedPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec, nil
}

func (m *memHistory) Write(rec pricestore.CommittedPrice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &rec
	return nil
}

type stubCommitter struct {
	outcome chain.TxOutcome
	err     error
	calls   int
	block   chan struct{} // when set, Commit blocks until closed
}

func (s *stubCommitter) Commit(ctx context.Context, quote oracle.PriceQuote, targets []chain.TierTarget) (chain.TxOutcome, error) {
	s.calls++
	if s.block != nil {
		<-s.block
	}
	return s.outcome, s.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recordingNotifier) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]alerting.Kind, 0, len(r.notes))
	for _, n := range r.notes {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func testEngine(history policy.HistoryReader, at time.Time) *policy.Engine {
	engine := policy.NewEngine(policy.Options{
		ChangeThreshold:   decimal.RequireFromString("0.15"),
		MinUpdateInterval: time.Hour,
		MaxDailyUpdates:   6,
	}, history, zerolog.Nop())
	engine.SetClock(func() time.Time { return at })
	return engine
}

func confirmedOutcome() chain.TxOutcome {
	return chain.TxOutcome{
		Hash:        common.HexToHash("0xabc123"),
		Status:      chain.TxConfirmed,
		BlockNumber: 123,
		GasUsed:     98_765,
	}
}

func quoteOf(price string) oracle.PriceQuote {
	return oracle.PriceQuote{
		Source:     oracle.SourcePrimary,
		USDPrice:   decimal.RequireFromString(price),
		ObservedAt: time.Now().UTC(),
	}
}

func targets() []chain.TierTarget {
	return []chain.TierTarget{
		{Name: "starter", USDTarget: decimal.RequireFromString("0.35"), SafetyMultiplier: decimal.RequireFromString("1.05")},
	}
}

func TestRunCycleCommitsAndRecords(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &memHistory{}
	committer := &stubCommitter{outcome: confirmedOutcome()}
	notifier := &recordingNotifier{}

	svc := New(&stubFeed{quote: quoteOf("0.00125")}, testEngine(history, now), history, committer, targets(),
		Options{Notifier: notifier}, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })

	result := svc.RunCycle(context.Background(), "scheduled", false)
	if result.Err != nil {
		t.Fatalf("cycle error: %v", result.Err)
	}
	if !result.Decision.ShouldUpdate {
		t.Fatalf("first run must update: %s", result.Decision.Reason)
	}
	if result.Outcome == nil || result.Outcome.Status != chain.TxConfirmed {
		t.Fatalf("expected confirmed outcome, got %+v", result.Outcome)
	}
	if !strings.HasPrefix(result.Status(), "committed:") {
		t.Fatalf("unexpected status: %s", result.Status())
	}

	rec, _ := history.Read()
	if rec == nil {
		t.Fatal("history must be written after a confirmed commit")
	}
	if !rec.USDPrice.Equal(decimal.RequireFromString("0.00125")) || rec.CommittedBy != "automation" {
		t.Fatalf("unexpected history record: %+v", rec)
	}

	snap := svc.Engine().Snapshot()
	if snap.DailyCount != 1 || !snap.LastUpdate.Equal(now) {
		t.Fatalf("counters not advanced: %+v", snap)
	}

	kinds := notifier.kinds()
	if len(kinds) != 1 || kinds[0] != alerting.KindCommitConfirmed {
		t.Fatalf("expected one commit_confirmed alert, got %v", kinds)
	}
}

func TestRunCycleFailedCommitLeavesStateUntouched(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &memHistory{}
	hash := common.HexToHash("0xdeadbeef")
	committer := &stubCommitter{
		outcome: chain.TxOutcome{Hash: hash, Status: chain.TxFailed, BlockNumber: 99},
		err:     &chain.CommitError{Stage: "confirm", TxHash: &hash, Err: errors.New("transaction reverted")},
	}
	notifier := &recordingNotifier{}

	svc := New(&stubFeed{quote: quoteOf("0.002")}, testEngine(history, now), history, committer, targets(),
		Options{Notifier: notifier}, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })

	result := svc.RunCycle(context.Background(), "scheduled", false)
	if result.Err == nil {
		t.Fatal("expected the commit error to surface")
	}
	if !strings.HasPrefix(result.Status(), "failed:") {
		t.Fatalf("unexpected status: %s", result.Status())
	}

	if rec, _ := history.Read(); rec != nil {
		t.Fatalf("history must stay untouched after a failed commit: %+v", rec)
	}
	snap := svc.Engine().Snapshot()
	if snap.DailyCount != 0 || !snap.LastUpdate.IsZero() {
		t.Fatalf("counters must stay untouched after a failed commit: %+v", snap)
	}

	kinds := notifier.kinds()
	if len(kinds) != 1 || kinds[0] != alerting.KindCommitFailed {
		t.Fatalf("expected one commit_failed alert, got %v", kinds)
	}
}

func TestRunCyclePriceUnavailable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &memHistory{}
	committer := &stubCommitter{outcome: confirmedOutcome()}

	svc := New(&stubFeed{err: oracle.ErrPriceUnavailable}, testEngine(history, now), history, committer, targets(),
		Options{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })

	result := svc.RunCycle(context.Background(), "scheduled", false)
	if result.Status() != "skipped: PriceUnavailable" {
		t.Fatalf("unexpected status: %s", result.Status())
	}
	if committer.calls != 0 {
		t.Fatal("no commit may happen without a quote")
	}
}

func TestRunCycleSkipsWithinThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &memHistory{rec: &pricestore.CommittedPrice{
		USDPrice:    decimal.RequireFromString("0.00125"),
		CommittedAt: now.Add(-3 * time.Hour),
		CommittedBy: "automation",
	}}
	committer := &stubCommitter{outcome: confirmedOutcome()}

	svc := New(&stubFeed{quote: quoteOf("0.00126")}, testEngine(history, now), history, committer, targets(),
		Options{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })

	result := svc.RunCycle(context.Background(), "scheduled", false)
	if result.Decision.ShouldUpdate {
		t.Fatalf("sub-threshold move must skip: %s", result.Decision.Reason)
	}
	if committer.calls != 0 {
		t.Fatal("no commit may happen on a skip decision")
	}
	if !strings.HasPrefix(result.Status(), "skipped:") {
		t.Fatalf("unexpected status: %s", result.Status())
	}
}

func TestRunCycleForceBypassesPolicy(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &memHistory{rec: &pricestore.CommittedPrice{
		USDPrice:    decimal.RequireFromString("0.00125"),
		CommittedAt: now.Add(-5 * time.Minute), // well inside the interval gate
		CommittedBy: "automation",
	}}
	engine := testEngine(history, now)
	engine.RecordCommit(now.Add(-5 * time.Minute))
	committer := &stubCommitter{outcome: confirmedOutcome()}

	svc := New(&stubFeed{quote: quoteOf("0.00126")}, engine, history, committer, targets(),
		Options{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })

	result := svc.RunCycle(context.Background(), "manual", true)
	if result.Err != nil {
		t.Fatalf("forced cycle: %v", result.Err)
	}
	if result.Decision.Reason != "manual trigger" {
		t.Fatalf("unexpected decision: %+v", result.Decision)
	}
	if committer.calls != 1 {
		t.Fatalf("expected exactly one commit, got %d", committer.calls)
	}

	rec, _ := history.Read()
	if rec == nil || rec.CommittedBy != "manual" {
		t.Fatalf("forced commit must record updatedBy manual, got %+v", rec)
	}
}

func TestRunCycleSkipsWhileCommitInFlight(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &memHistory{}
	gate := make(chan struct{})
	committer := &stubCommitter{outcome: confirmedOutcome(), block: gate}

	svc := New(&stubFeed{quote: quoteOf("0.00125")}, testEngine(history, now), history, committer, targets(),
		Options{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return now })

	started := make(chan struct{})
	done := make(chan CycleResult, 1)
	go func() {
		close(started)
		done <- svc.RunCycle(context.Background(), "scheduled", false)
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first cycle take the lock

	second := svc.RunCycle(context.Background(), "event", false)
	if second.Status() != "skipped: commit already in flight" {
		t.Fatalf("unexpected status for concurrent cycle: %s", second.Status())
	}

	close(gate)
	first := <-done
	if first.Err != nil {
		t.Fatalf("first cycle: %v", first.Err)
	}
	if committer.calls != 1 {
		t.Fatalf("expected exactly one commit, got %d", committer.calls)
	}
}
