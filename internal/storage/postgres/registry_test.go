package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
)

func testPeriod() ingest.Period {
	return ingest.Period{
		Force: "metropolitan",
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTryBeginWinsClaim(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	p := testPeriod()

	mock.ExpectExec("INSERT INTO ingest_periods").
		WithArgs(p.Force, p.Start).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := r.TryBegin(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryBeginLosesWhenNotClaimable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	p := testPeriod()

	// The conditional upsert matches zero rows for complete or
	// in-progress periods.
	mock.ExpectExec("INSERT INTO ingest_periods").
		WithArgs(p.Force, p.Start).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := r.TryBegin(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMissingFiltersClaimedStatuses(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := jan.AddDate(0, 1, 0)
	mar := jan.AddDate(0, 2, 0)
	apr := jan.AddDate(0, 3, 0)

	mock.ExpectQuery("SELECT period_start, status FROM ingest_periods").
		WithArgs("metropolitan").
		WillReturnRows(pgxmock.NewRows([]string{"period_start", "status"}).
			AddRow(jan, "complete").
			AddRow(feb, "in_progress").
			AddRow(mar, "failed"))

	missing, err := r.ListMissing(context.Background(), "metropolitan", []time.Time{jan, feb, mar, apr})
	require.NoError(t, err)

	// Failed and never-seen periods are candidates; complete and
	// in-progress are not.
	assert.Equal(t, []time.Time{mar, apr}, missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteCommitsStatusWithBatch(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	p := testPeriod()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ingest_periods").
		WithArgs(p.Force, p.Start).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = r.Complete(context.Background(), p, NewTxHandle(tx))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRollsBackWhenNotInProgress(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	p := testPeriod()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ingest_periods").
		WithArgs(p.Force, p.Start).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = r.Complete(context.Background(), p, NewTxHandle(tx))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in progress")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRollsBackOnExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	p := testPeriod()

	// The failed UPDATE must not strand the batch transaction on its
	// pooled connection.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ingest_periods").
		WithArgs(p.Force, p.Start).
		WillReturnError(assertableConnError{})
	mock.ExpectRollback()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = r.Complete(context.Background(), p, NewTxHandle(tx))
	require.ErrorIs(t, err, ingest.ErrConnectionLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRecordsReason(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	p := testPeriod()

	mock.ExpectExec("UPDATE ingest_periods").
		WithArgs(p.Force, p.Start, "fetch: status 502").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, r.Fail(context.Background(), p, "fetch: status 502"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStaleCountsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)

	mock.ExpectExec("UPDATE ingest_periods").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	reclaimed, err := r.ReclaimStale(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, reclaimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPeriods(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	claimed := jan.Add(12 * time.Hour)

	mock.ExpectQuery("SELECT period_start, status, claimed_at, completed_at").
		WithArgs("kent").
		WillReturnRows(pgxmock.NewRows([]string{"period_start", "status", "claimed_at", "completed_at", "coalesce"}).
			AddRow(jan, "failed", &claimed, (*time.Time)(nil), "fetch: status 502"))

	states, err := r.ListPeriods(context.Background(), "kent")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, ingest.StatusFailed, states[0].Status)
	assert.Equal(t, "kent", states[0].Period.Force)
	assert.Equal(t, "fetch: status 502", states[0].LastError)
	require.NotNil(t, states[0].ClaimedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionErrorsTagged(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistryWithPool(mock)
	p := testPeriod()

	mock.ExpectExec("INSERT INTO ingest_periods").
		WithArgs(p.Force, p.Start).
		WillReturnError(assertableConnError{})

	_, err = r.TryBegin(context.Background(), p)
	require.ErrorIs(t, err, ingest.ErrConnectionLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

type assertableConnError struct{}

func (assertableConnError) Error() string { return "conn closed" }
