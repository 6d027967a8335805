// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
)

// pool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it
// in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Registry implements ingest.Registry on the ingest_periods table.
// It assumes a schema like:
//
//	CREATE TABLE ingest_periods (
//		force        TEXT NOT NULL,
//		period_start DATE NOT NULL,
//		status       TEXT NOT NULL DEFAULT 'missing',
//		claimed_at   TIMESTAMPTZ,
//		completed_at TIMESTAMPTZ,
//		last_error   TEXT,
//		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		PRIMARY KEY (force, period_start)
//	);
type Registry struct {
	pool pool
}

// NewRegistry creates a Registry on an existing pool.
func NewRegistry(p *pgxpool.Pool) *Registry {
	return &Registry{pool: p}
}

// NewRegistryWithPool constructs a Registry from any pool implementation
// (primarily for testing).
func NewRegistryWithPool(p pool) *Registry {
	return &Registry{pool: p}
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// ListMissing filters candidates down to periods without a Complete or
// InProgress row, ascending by start.
func (r *Registry) ListMissing(ctx context.Context, force string, candidates []time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT period_start, status FROM ingest_periods WHERE force = $1`, force)
	if err != nil {
		return nil, fmt.Errorf("query periods: %w", wrapConnErr(err))
	}
	defer rows.Close()

	claimed := make(map[string]ingest.PeriodStatus)
	for rows.Next() {
		var start time.Time
		var status string
		if err := rows.Scan(&start, &status); err != nil {
			return nil, fmt.Errorf("scan period row: %w", err)
		}
		claimed[start.UTC().Format("2006-01")] = ingest.PeriodStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate period rows: %w", wrapConnErr(err))
	}

	var missing []time.Time
	for _, candidate := range candidates {
		switch claimed[candidate.UTC().Format("2006-01")] {
		case ingest.StatusComplete, ingest.StatusInProgress:
			continue
		default:
			missing = append(missing, candidate)
		}
	}
	return missing, nil
}

// TryBegin atomically claims Missing|Failed -> InProgress. The conditional
// upsert is the compare-and-swap: a concurrent claimant loses when the
// WHERE clause matches zero rows.
func (r *Registry) TryBegin(ctx context.Context, p ingest.Period) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO ingest_periods (force, period_start, status, claimed_at, updated_at)
		VALUES ($1, $2, 'in_progress', NOW(), NOW())
		ON CONFLICT (force, period_start) DO UPDATE
		SET status = 'in_progress', claimed_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE ingest_periods.status IN ('missing', 'failed')`,
		p.Force, p.Start)
	if err != nil {
		return false, fmt.Errorf("claim period %s: %w", p.Key(), wrapConnErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

// Complete flips the period to Complete on the same transaction as the
// bulk write, then commits both. A handle from a different writer backend
// is a programming error.
func (r *Registry) Complete(ctx context.Context, p ingest.Period, handle ingest.WriteHandle) error {
	th, ok := handle.(*TxHandle)
	if !ok {
		return fmt.Errorf("complete %s: write handle is not a postgres transaction", p.Key())
	}
	tag, err := th.tx.Exec(ctx, `
		UPDATE ingest_periods
		SET status = 'complete', completed_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE force = $1 AND period_start = $2 AND status = 'in_progress'`,
		p.Force, p.Start)
	if err != nil {
		// The transaction holds a pooled connection; release it even though
		// the status flip failed.
		if rbErr := th.tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("mark complete %s: %w (rollback: %v)", p.Key(), wrapConnErr(err), rbErr)
		}
		return fmt.Errorf("mark complete %s: %w", p.Key(), wrapConnErr(err))
	}
	if tag.RowsAffected() != 1 {
		if rbErr := th.tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("period %s not in progress; rollback failed: %w", p.Key(), rbErr)
		}
		return fmt.Errorf("period %s is not in progress", p.Key())
	}
	if err := th.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", p.Key(), wrapConnErr(err))
	}
	return nil
}

// Fail reverts an InProgress claim to Failed with the captured reason.
func (r *Registry) Fail(ctx context.Context, p ingest.Period, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ingest_periods
		SET status = 'failed', last_error = $3, updated_at = NOW()
		WHERE force = $1 AND period_start = $2 AND status = 'in_progress'`,
		p.Force, p.Start, reason)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", p.Key(), wrapConnErr(err))
	}
	return nil
}

// ReclaimStale converts InProgress rows claimed before the cutoff to
// Failed so crashed runs cannot strand periods.
func (r *Registry) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.pool.Exec(ctx, `
		UPDATE ingest_periods
		SET status = 'failed', last_error = 'stale claim reclaimed', updated_at = NOW()
		WHERE status = 'in_progress' AND claimed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", wrapConnErr(err))
	}
	return int(tag.RowsAffected()), nil
}

// ListPeriods returns registry state for one force, ascending by start.
func (r *Registry) ListPeriods(ctx context.Context, force string) ([]ingest.PeriodState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT period_start, status, claimed_at, completed_at, COALESCE(last_error, '')
		FROM ingest_periods
		WHERE force = $1
		ORDER BY period_start ASC`, force)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", wrapConnErr(err))
	}
	defer rows.Close()

	var states []ingest.PeriodState
	for rows.Next() {
		var st ingest.PeriodState
		var start time.Time
		var status string
		if err := rows.Scan(&start, &status, &st.ClaimedAt, &st.CompletedAt, &st.LastError); err != nil {
			return nil, fmt.Errorf("scan period state: %w", err)
		}
		st.Period = ingest.Period{Force: force, Start: start.UTC()}
		st.Status = ingest.PeriodStatus(status)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate period states: %w", wrapConnErr(err))
	}
	return states, nil
}

// wrapConnErr tags transport failures as ErrConnectionLost. Server-side
// errors (PgError) mean the connection is fine and pass through.
func wrapConnErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return fmt.Errorf("%v: %w", err, ingest.ErrConnectionLost)
}
