package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertDecisionSQL = `INSERT INTO cycle_decisions (
        cycle_id,
        evaluated_at,
        trigger,
        source,
        usd_price,
        outcome,
        reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentDecisionsSQL = `SELECT
        id,
        cycle_id,
        evaluated_at,
        trigger,
        source,
        usd_price,
        outcome,
        reason,
        created_at
    FROM cycle_decisions
    ORDER BY evaluated_at DESC
    LIMIT $1;`

	insertCommitSQL = `INSERT INTO price_commits (
        cycle_id,
        usd_price,
        tx_hash,
        status,
        block_number,
        gas_used,
        committed_by,
        committed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`

	listRecentCommitsSQL = `SELECT
        id,
        cycle_id,
        usd_price,
        tx_hash,
        status,
        block_number,
        gas_used,
        committed_by,
        committed_at,
        created_at
    FROM price_commits
    ORDER BY committed_at DESC
    LIMIT $1;`

	listCommitsBetweenSQL = `SELECT
        id,
        cycle_id,
        usd_price,
        tx_hash,
        status,
        block_number,
        gas_used,
        committed_by,
        committed_at,
        created_at
    FROM price_commits
    WHERE committed_at >= $1
      AND committed_at < $2
    ORDER BY committed_at;`

	countCommitsSQL = `SELECT COUNT(*) FROM price_commits;`
)

// DecisionStore defines operations for decision auditing.
type DecisionStore interface {
	InsertDecision(ctx context.Context, rec CycleDecision) (CycleDecision, error)
	ListRecentDecisions(ctx context.Context, limit int) ([]CycleDecision, error)
}

// CommitStore defines operations for commit history.
type CommitStore interface {
	InsertCommit(ctx context.Context, rec PriceCommit) (PriceCommit, error)
	ListRecentCommits(ctx context.Context, limit int) ([]PriceCommit, error)
	ListCommitsBetween(ctx context.Context, from, to time.Time) ([]PriceCommit, error)
	CountCommits(ctx context.Context) (int64, error)
}

// Store aggregates access to the audit trail tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertDecision persists one policy evaluation.
func (s *Store) InsertDecision(ctx context.Context, rec CycleDecision) (CycleDecision, error) {
	pool, err := s.getPool()
	if err != nil {
		return CycleDecision{}, err
	}

	row := pool.QueryRow(ctx, insertDecisionSQL,
		rec.CycleID,
		rec.EvaluatedAt,
		rec.Trigger,
		rec.Source,
		rec.USDPrice.String(),
		rec.Outcome,
		rec.Reason,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return CycleDecision{}, fmt.Errorf("insert decision: %w", scanErr)
	}
	return rec, nil
}

// ListRecentDecisions lists the most recent evaluations.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]CycleDecision, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()

	decisions := make([]CycleDecision, 0, limit)
	for rows.Next() {
		var (
			rec      CycleDecision
			priceStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.CycleID,
			&rec.EvaluatedAt,
			&rec.Trigger,
			&rec.Source,
			&priceStr,
			&rec.Outcome,
			&rec.Reason,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse usd price: %w", convErr)
		}
		rec.USDPrice = price
		decisions = append(decisions, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return decisions, nil
}

// InsertCommit persists one commit attempt.
func (s *Store) InsertCommit(ctx context.Context, rec PriceCommit) (PriceCommit, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceCommit{}, err
	}

	var block interface{}
	if rec.BlockNumber != nil {
		block = *rec.BlockNumber
	}
	var gas interface{}
	if rec.GasUsed != nil {
		gas = *rec.GasUsed
	}

	row := pool.QueryRow(ctx, insertCommitSQL,
		rec.CycleID,
		rec.USDPrice.String(),
		rec.TxHash,
		rec.Status,
		block,
		gas,
		rec.CommittedBy,
		rec.CommittedAt,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return PriceCommit{}, fmt.Errorf("insert commit: %w", scanErr)
	}
	return rec, nil
}

// ListRecentCommits lists the most recent commits ordered by descending time.
func (s *Store) ListRecentCommits(ctx context.Context, limit int) ([]PriceCommit, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCommitsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent commits: %w", queryErr)
	}
	defer rows.Close()

	return collectCommits(rows, limit)
}

// ListCommitsBetween lists commits within a time window.
func (s *Store) ListCommitsBetween(ctx context.Context, from, to time.Time) ([]PriceCommit, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCommitsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list commits between: %w", queryErr)
	}
	defer rows.Close()

	return collectCommits(rows, 0)
}

// CountCommits counts stored commit records.
func (s *Store) CountCommits(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countCommitsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count commits: %w", scanErr)
	}
	return count, nil
}

func collectCommits(rows pgx.Rows, sizeHint int) ([]PriceCommit, error) {
	commits := make([]PriceCommit, 0, sizeHint)
	for rows.Next() {
		rec, scanErr := scanCommit(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		commits = append(commits, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return commits, nil
}

func scanCommit(rows pgx.Rows) (PriceCommit, error) {
	var (
		rec      PriceCommit
		priceStr string
		block    sql.NullInt64
		gas      sql.NullInt64
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.CycleID,
		&priceStr,
		&rec.TxHash,
		&rec.Status,
		&block,
		&gas,
		&rec.CommittedBy,
		&rec.CommittedAt,
		&rec.CreatedAt,
	); err != nil {
		return PriceCommit{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceCommit{}, fmt.Errorf("parse usd price: %w", err)
	}
	rec.USDPrice = price

	if block.Valid {
		value := block.Int64
		rec.BlockNumber = &value
	}
	if gas.Valid {
		value := gas.Int64
		rec.GasUsed = &value
	}

	return rec, nil
}
