package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/stopsearch-ingest/internal/hash/sha256"
	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// recordColumns is the COPY column order for the stop_searches table.
var recordColumns = []string{
	"force",
	"type",
	"involved_person",
	"datetime",
	"operation",
	"operation_name",
	"latitude",
	"longitude",
	"street_id",
	"street_name",
	"gender",
	"age_range",
	"self_defined_ethnicity",
	"officer_defined_ethnicity",
	"legislation",
	"object_of_search",
	"outcome",
	"outcome_linked_to_object_of_search",
	"removal_of_more_than_outer_clothing",
	"outcome_object_id",
	"outcome_object_name",
	"record_hash",
}

// TxHandle wraps the open transaction a bulk write ran on. The registry
// commits it together with the Complete transition.
type TxHandle struct {
	tx pgx.Tx
}

// NewTxHandle wraps an existing transaction (primarily for testing).
func NewTxHandle(tx pgx.Tx) *TxHandle { return &TxHandle{tx: tx} }

// Commit commits the write on its own, outside any registry transition.
func (h *TxHandle) Commit(ctx context.Context) error {
	if err := h.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", wrapConnErr(err))
	}
	return nil
}

// Rollback abandons the uncommitted write.
func (h *TxHandle) Rollback(ctx context.Context) error {
	if err := h.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback batch: %w", err)
	}
	return nil
}

// RecordStoreConfig controls the table the store writes to.
type RecordStoreConfig struct {
	Table string
}

// RecordStore bulk-loads validated rows into Postgres via COPY.
// It assumes a schema like:
//
//	CREATE TABLE stop_searches (
//		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
//		force TEXT NOT NULL,
//		type TEXT NOT NULL,
//		involved_person BOOLEAN NOT NULL,
//		datetime TIMESTAMPTZ NOT NULL,
//		... remaining flattened columns ...
//		record_hash TEXT NOT NULL,
//		UNIQUE (force, datetime, record_hash)
//	);
//	CREATE INDEX ON stop_searches (force, datetime);
type RecordStore struct {
	pool   pool
	table  string
	hasher *sha256.Hasher
	logger *zap.Logger
}

// NewRecordStore creates a RecordStore on an existing pool.
func NewRecordStore(p *pgxpool.Pool, cfg RecordStoreConfig, logger *zap.Logger) (*RecordStore, error) {
	return newRecordStore(p, cfg, logger)
}

// NewRecordStoreWithPool constructs a store from any pool implementation
// (primarily for testing).
func NewRecordStoreWithPool(p pool, cfg RecordStoreConfig, logger *zap.Logger) (*RecordStore, error) {
	return newRecordStore(p, cfg, logger)
}

func newRecordStore(p pool, cfg RecordStoreConfig, logger *zap.Logger) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = "stop_searches"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: p, table: table, hasher: sha256.New(), logger: logger}, nil
}

// WriteBatch loads all rows in one COPY inside a transaction and returns
// the open handle. A unique violation degrades once to per-row inserts,
// quarantining only the duplicate rows instead of losing the batch.
func (s *RecordStore) WriteBatch(ctx context.Context, rows []ingest.CleanRecord) (ingest.WriteHandle, []ingest.QuarantinedRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin batch: %w", wrapConnErr(err))
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{s.table}, recordColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return s.rowValues(rows[i]), nil
		}))
	if err == nil {
		return &TxHandle{tx: tx}, nil, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("copy batch: %w", wrapConnErr(err))
	}

	// COPY is all-or-nothing, so one duplicate poisons the whole load.
	// Retry at row granularity with ON CONFLICT DO NOTHING and report the
	// skipped rows as quarantined.
	_ = tx.Rollback(ctx)
	s.logger.Warn("Bulk load hit a constraint violation, retrying per row",
		zap.Int("rows", len(rows)), zap.String("detail", pgErr.Detail))
	return s.writePerRow(ctx, rows)
}

func (s *RecordStore) writePerRow(ctx context.Context, rows []ingest.CleanRecord) (ingest.WriteHandle, []ingest.QuarantinedRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin per-row batch: %w", wrapConnErr(err))
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (force, datetime, record_hash) DO NOTHING`,
		s.table, columnList())

	var quarantined []ingest.QuarantinedRow
	now := time.Now().UTC()
	for _, row := range rows {
		tag, err := tx.Exec(ctx, insert, s.rowValues(row)...)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, nil, fmt.Errorf("per-row insert: %w", wrapConnErr(err))
		}
		if tag.RowsAffected() == 0 {
			quarantined = append(quarantined, ingest.QuarantinedRow{
				ID:        uuid.NewString(),
				Force:     row.Force,
				Period:    monthStart(row.Datetime),
				Raw:       rawFromClean(row),
				Field:     "record_hash",
				Reason:    "duplicate natural key (force, datetime, record_hash)",
				CreatedAt: now,
			})
		}
	}
	return &TxHandle{tx: tx}, quarantined, nil
}

// rowValues renders a record in recordColumns order.
func (s *RecordStore) rowValues(r ingest.CleanRecord) []any {
	return []any{
		r.Force,
		r.Type,
		r.InvolvedPerson,
		r.Datetime,
		r.Operation,
		r.OperationName,
		r.Latitude,
		r.Longitude,
		r.StreetID,
		r.StreetName,
		r.Gender,
		r.AgeRange,
		r.SelfDefinedEthnicity,
		r.OfficerDefinedEthnicity,
		r.Legislation,
		r.ObjectOfSearch,
		r.Outcome,
		r.OutcomeLinked,
		r.RemovalOfClothing,
		r.OutcomeObjectID,
		r.OutcomeObjectName,
		s.recordHash(r),
	}
}

// recordHash derives the record-identity component of the natural key
// from the fields that distinguish two searches at the same instant.
func (s *RecordStore) recordHash(r ingest.CleanRecord) string {
	identity := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		r.Force,
		r.Datetime.UTC().Format(time.RFC3339),
		r.Type,
		deref(r.Gender),
		deref(r.AgeRange),
		deref(r.ObjectOfSearch),
		deref(r.StreetName),
	)
	sum, err := s.hasher.Hash([]byte(identity))
	if err != nil {
		// SHA-256 over a byte slice cannot fail; keep the row loadable.
		return "unhashed"
	}
	return sum
}

func columnList() string {
	list := ""
	for i, c := range recordColumns {
		if i > 0 {
			list += ", "
		}
		list += c
	}
	return list
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// rawFromClean rebuilds a raw field map for quarantining rows that were
// already validated but rejected by the store.
func rawFromClean(r ingest.CleanRecord) map[string]any {
	raw := map[string]any{
		"force":    r.Force,
		"type":     r.Type,
		"datetime": r.Datetime.UTC().Format(time.RFC3339),
	}
	if r.Gender != nil {
		raw["gender"] = *r.Gender
	}
	if r.AgeRange != nil {
		raw["age_range"] = *r.AgeRange
	}
	if r.ObjectOfSearch != nil {
		raw["object_of_search"] = *r.ObjectOfSearch
	}
	if r.Outcome != nil {
		raw["outcome"] = *r.Outcome
	}
	return raw
}
