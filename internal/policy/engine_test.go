package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricekeeper/internal/oracle"
	"pricekeeper/internal/pricestore"
)

type stubHistory struct {
	rec *pricestore.CommittedPrice
	err error
}

func (s *stubHistory) Read() (*pricestore.CommittedPrice, error) {
	return s.rec, s.err
}

func testOptions() Options {
	return Options{
		ChangeThreshold:   decimal.NewFromFloat(0.15),
		MinUpdateInterval: time.Hour,
		MaxDailyUpdates:   6,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func quoteAt(price string, t time.Time) oracle.PriceQuote {
	return oracle.PriceQuote{
		Source:     oracle.SourcePrimary,
		USDPrice:   decimal.RequireFromString(price),
		ObservedAt: t,
	}
}

func committed(price string, at time.Time) *pricestore.CommittedPrice {
	return &pricestore.CommittedPrice{
		USDPrice:    decimal.RequireFromString(price),
		CommittedAt: at,
		CommittedBy: "automation",
	}
}

func TestEvaluateInitialSetup(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(testOptions(), &stubHistory{}, zerolog.Nop())
	engine.SetClock(fixedClock(now))

	decision := engine.Evaluate(quoteAt("0.002", now))
	if !decision.ShouldUpdate {
		t.Fatalf("expected update on first run, got skip: %s", decision.Reason)
	}
	if !strings.Contains(decision.Reason, "initial price setup") {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
}

func TestEvaluateThresholdExceeded(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &stubHistory{rec: committed("0.0010", now.Add(-2*time.Hour))}
	engine := NewEngine(testOptions(), history, zerolog.Nop())
	engine.SetClock(fixedClock(now))
	engine.RecordCommit(now.Add(-2 * time.Hour))

	decision := engine.Evaluate(quoteAt("0.00125", now))
	if !decision.ShouldUpdate {
		t.Fatalf("expected update on 25%% move, got skip: %s", decision.Reason)
	}
	if !strings.Contains(decision.Reason, "+25.0%") {
		t.Fatalf("expected +25.0%% in reason, got: %s", decision.Reason)
	}
	if !strings.Contains(decision.Reason, "up") {
		t.Fatalf("expected direction in reason, got: %s", decision.Reason)
	}
}

func TestEvaluateTooSoonBeatsThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &stubHistory{rec: committed("0.0010", now.Add(-20*time.Minute))}
	engine := NewEngine(testOptions(), history, zerolog.Nop())
	engine.SetClock(fixedClock(now))
	engine.RecordCommit(now.Add(-20 * time.Minute))

	decision := engine.Evaluate(quoteAt("0.00125", now))
	if decision.ShouldUpdate {
		t.Fatal("minimum interval must gate even a 25% move")
	}
	if !strings.Contains(decision.Reason, "too soon") {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
}

func TestEvaluateWithinThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &stubHistory{rec: committed("0.0010", now.Add(-3*time.Hour))}
	engine := NewEngine(testOptions(), history, zerolog.Nop())
	engine.SetClock(fixedClock(now))

	decision := engine.Evaluate(quoteAt("0.00105", now))
	if decision.ShouldUpdate {
		t.Fatalf("5%% move is below threshold, got update: %s", decision.Reason)
	}
	if !strings.Contains(decision.Reason, "within threshold") {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
}

func TestEvaluateDownwardMove(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &stubHistory{rec: committed("0.0010", now.Add(-3*time.Hour))}
	engine := NewEngine(testOptions(), history, zerolog.Nop())
	engine.SetClock(fixedClock(now))

	decision := engine.Evaluate(quoteAt("0.0008", now))
	if !decision.ShouldUpdate {
		t.Fatalf("20%% drop should trigger update, got: %s", decision.Reason)
	}
	if !strings.Contains(decision.Reason, "-20.0%") || !strings.Contains(decision.Reason, "down") {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
}

func TestEvaluateDailyCap(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)
	history := &stubHistory{rec: committed("0.0010", base)}
	engine := NewEngine(testOptions(), history, zerolog.Nop())

	for i := 0; i < 6; i++ {
		engine.RecordCommit(base.Add(time.Duration(i) * 2 * time.Hour))
	}

	now := base.Add(14 * time.Hour)
	engine.SetClock(fixedClock(now))

	decision := engine.Evaluate(quoteAt("0.0050", now))
	if decision.ShouldUpdate {
		t.Fatal("daily cap must gate even a large move")
	}
	if !strings.Contains(decision.Reason, "daily cap reached (6/6)") {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
}

func TestDailyCounterResetsOnUTCDateRollover(t *testing.T) {
	day1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	history := &stubHistory{rec: committed("0.0010", day1)}
	engine := NewEngine(testOptions(), history, zerolog.Nop())

	for i := 0; i < 6; i++ {
		engine.RecordCommit(day1.Add(time.Duration(i) * 2 * time.Hour))
	}

	day2 := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)
	engine.SetClock(fixedClock(day2))

	decision := engine.Evaluate(quoteAt("0.0050", day2))
	if !decision.ShouldUpdate {
		t.Fatalf("counter should reset on new UTC day, got: %s", decision.Reason)
	}
	if snap := engine.Snapshot(); snap.DailyCount != 0 {
		t.Fatalf("daily count should be 0 after rollover, got %d", snap.DailyCount)
	}
}

func TestEvaluateInvalidBaseline(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &stubHistory{rec: &pricestore.CommittedPrice{
		USDPrice:    decimal.Zero,
		CommittedAt: now.Add(-2 * time.Hour),
	}}
	engine := NewEngine(testOptions(), history, zerolog.Nop())
	engine.SetClock(fixedClock(now))

	decision := engine.Evaluate(quoteAt("0.002", now))
	if !decision.ShouldUpdate {
		t.Fatalf("zero baseline must force a fresh commit, got: %s", decision.Reason)
	}
	if !strings.Contains(decision.Reason, "invalid baseline") {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
}

func TestEvaluateDoesNotMutateCounters(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(testOptions(), &stubHistory{}, zerolog.Nop())
	engine.SetClock(fixedClock(now))

	for i := 0; i < 5; i++ {
		decision := engine.Evaluate(quoteAt("0.002", now))
		if !decision.ShouldUpdate {
			t.Fatalf("evaluation %d: expected update, got: %s", i, decision.Reason)
		}
	}

	snap := engine.Snapshot()
	if snap.DailyCount != 0 || !snap.LastUpdate.IsZero() {
		t.Fatalf("Evaluate must not advance counters: %+v", snap)
	}
}

func TestRecordCommitAdvancesCounters(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(testOptions(), &stubHistory{}, zerolog.Nop())
	engine.SetClock(fixedClock(now))

	engine.RecordCommit(now)

	snap := engine.Snapshot()
	if snap.DailyCount != 1 {
		t.Fatalf("expected daily count 1, got %d", snap.DailyCount)
	}
	if !snap.LastUpdate.Equal(now) {
		t.Fatalf("expected last update %s, got %s", now, snap.LastUpdate)
	}

	later := now.Add(30 * time.Minute)
	engine.SetClock(fixedClock(later))
	decision := engine.Evaluate(quoteAt("0.0050", later))
	if decision.ShouldUpdate {
		t.Fatal("commit 30 minutes ago must gate the next cycle")
	}
}
