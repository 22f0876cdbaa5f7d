package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleDecision records one policy evaluation, whether or not it led
// to a commit.
type CycleDecision struct {
	ID          int64
	CycleID     string
	EvaluatedAt time.Time
	Trigger     string
	Source      string
	USDPrice    decimal.Decimal
	Outcome     string
	Reason      string
	CreatedAt   time.Time
}

// Decision outcome values.
const (
	OutcomeUpdate = "update"
	OutcomeSkip   = "skip"
	OutcomeError  = "error"
)

// Cycle trigger values.
const (
	TriggerScheduled = "scheduled"
	TriggerEvent     = "event"
	TriggerManual    = "manual"
)

// PriceCommit records one confirmed or attempted on-chain price update.
type PriceCommit struct {
	ID          int64
	CycleID     string
	USDPrice    decimal.Decimal
	TxHash      string
	Status      string
	BlockNumber *int64
	GasUsed     *int64
	CommittedBy string
	CommittedAt time.Time
	CreatedAt   time.Time
}
