package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
)

// QuarantineStore implements ingest.QuarantineStore on the failed_rows
// table. It assumes a schema like:
//
//	CREATE TABLE failed_rows (
//		id UUID PRIMARY KEY,
//		force TEXT NOT NULL,
//		period_start DATE NOT NULL,
//		raw_data JSONB NOT NULL,
//		field TEXT NOT NULL,
//		reason TEXT NOT NULL,
//		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type QuarantineStore struct {
	pool pool
}

// NewQuarantineStore creates a QuarantineStore on an existing pool.
func NewQuarantineStore(p *pgxpool.Pool) *QuarantineStore {
	return &QuarantineStore{pool: p}
}

// NewQuarantineStoreWithPool constructs a store from any pool
// implementation (primarily for testing).
func NewQuarantineStoreWithPool(p pool) *QuarantineStore {
	return &QuarantineStore{pool: p}
}

// WriteQuarantine inserts failed rows. Each insert is independent of the
// primary batch transaction and of the other quarantine rows.
func (s *QuarantineStore) WriteQuarantine(ctx context.Context, rows []ingest.QuarantinedRow) (int, error) {
	written := 0
	for _, row := range rows {
		raw, err := json.Marshal(row.Raw)
		if err != nil {
			return written, fmt.Errorf("marshal raw data for %s: %w", row.ID, err)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO failed_rows (id, force, period_start, raw_data, field, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			row.ID, row.Force, row.Period, raw, row.Field, row.Reason, row.CreatedAt)
		if err != nil {
			return written, fmt.Errorf("insert failed row %s: %w", row.ID, wrapConnErr(err))
		}
		written++
	}
	return written, nil
}

// ListQuarantined returns quarantined rows, optionally filtered by force
// and period, for remediation and postmortem.
func (s *QuarantineStore) ListQuarantined(ctx context.Context, force string, period *time.Time) ([]ingest.QuarantinedRow, error) {
	query := `
		SELECT id, force, period_start, raw_data, field, reason, created_at
		FROM failed_rows
		WHERE ($1 = '' OR force = $1)
		  AND ($2::date IS NULL OR period_start = $2)
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, force, period)
	if err != nil {
		return nil, fmt.Errorf("list quarantined: %w", wrapConnErr(err))
	}
	defer rows.Close()

	var out []ingest.QuarantinedRow
	for rows.Next() {
		var row ingest.QuarantinedRow
		var raw []byte
		if err := rows.Scan(&row.ID, &row.Force, &row.Period, &raw, &row.Field, &row.Reason, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quarantined row: %w", err)
		}
		if err := json.Unmarshal(raw, &row.Raw); err != nil {
			return nil, fmt.Errorf("decode raw data for %s: %w", row.ID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantined rows: %w", wrapConnErr(err))
	}
	return out, nil
}

// DeleteQuarantined removes rows that remediation successfully re-ingested.
func (s *QuarantineStore) DeleteQuarantined(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM failed_rows WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete quarantined rows: %w", wrapConnErr(err))
	}
	return nil
}

// UpdateQuarantineReason refreshes the failure reason after a remediation
// attempt that still failed.
func (s *QuarantineStore) UpdateQuarantineReason(ctx context.Context, id, field, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE failed_rows SET field = $2, reason = $3 WHERE id = $1`,
		id, field, reason)
	if err != nil {
		return fmt.Errorf("update quarantine reason for %s: %w", id, wrapConnErr(err))
	}
	return nil
}
