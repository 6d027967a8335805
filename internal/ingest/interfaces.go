package ingest

import (
	"context"
	"time"
)

// Registry tracks which (force, period) keys have been ingested. The
// TryBegin claim is the sole serialization point between concurrent
// workers and must be compare-and-swap atomic, including across processes
// for database-backed implementations.
type Registry interface {
	// ListMissing filters candidates down to periods not yet Complete or
	// InProgress, ascending by start. Candidates come from the upstream
	// availability endpoint, already horizon-filtered by the caller.
	ListMissing(ctx context.Context, force string, candidates []time.Time) ([]time.Time, error)

	// TryBegin atomically claims Missing|Failed -> InProgress. Exactly one
	// of any set of concurrent callers wins; losers get false.
	TryBegin(ctx context.Context, p Period) (bool, error)

	// Complete flips the period to its terminal state inside the same unit
	// of work as the bulk write represented by handle, then commits both.
	Complete(ctx context.Context, p Period, handle WriteHandle) error

	// Fail reverts an InProgress claim to Failed with the captured reason,
	// leaving the period claimable on the next run.
	Fail(ctx context.Context, p Period, reason string) error

	// ReclaimStale converts InProgress rows older than olderThan to Failed
	// so a crash between write and complete cannot strand a period.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	// ListPeriods returns registry state for the query API.
	ListPeriods(ctx context.Context, force string) ([]PeriodState, error)
}

// WriteHandle represents an open, uncommitted bulk write. Ingestion runs
// commit it through Registry.Complete so the status flip and the rows land
// together; remediation commits it directly. Rollback abandons it.
type WriteHandle interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RecordWriter persists validated rows through a bulk-load path.
type RecordWriter interface {
	// WriteBatch loads all rows atomically and returns the open handle.
	// On a constraint violation it degrades to per-row isolation once,
	// returning the offending rows as quarantined instead of failing the
	// whole batch.
	WriteBatch(ctx context.Context, rows []CleanRecord) (WriteHandle, []QuarantinedRow, error)
}

// QuarantineStore persists and maintains quarantined rows. Quarantine
// writes are independent of any open batch and never block it.
type QuarantineStore interface {
	WriteQuarantine(ctx context.Context, rows []QuarantinedRow) (int, error)
	ListQuarantined(ctx context.Context, force string, period *time.Time) ([]QuarantinedRow, error)
	DeleteQuarantined(ctx context.Context, ids []string) error
	UpdateQuarantineReason(ctx context.Context, id, field, reason string) error
}

// Fetcher retrieves raw records from the upstream API.
type Fetcher interface {
	// Availability maps force id to the months the upstream has published.
	Availability(ctx context.Context) (map[string][]time.Time, error)

	// Fetch returns every record for one (force, period), paginating
	// exhaustively. Partial results are never returned: any page failure
	// fails the whole period.
	Fetch(ctx context.Context, force string, period time.Time) ([]RawRecord, error)
}

// Archiver stores the raw payload of a fetched period before cleaning.
type Archiver interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run and failed-period events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
