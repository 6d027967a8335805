package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
)

// TxHandle is an uncommitted in-memory batch. The registry commits it
// with the Complete transition, mirroring the postgres handle contract.
type TxHandle struct {
	mu       sync.Mutex
	commitFn func() error
	done     bool
}

func (h *TxHandle) commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return fmt.Errorf("batch already finished")
	}
	h.done = true
	return h.commitFn()
}

// Commit applies the staged rows outside any registry transition.
func (h *TxHandle) Commit(context.Context) error {
	return h.commit()
}

// Rollback abandons the uncommitted batch.
func (h *TxHandle) Rollback(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = true
	return nil
}

// RecordStore implements ingest.RecordWriter in memory.
type RecordStore struct {
	mu   sync.Mutex
	rows []ingest.CleanRecord
	keys map[string]bool
}

// NewRecordStore returns an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{keys: make(map[string]bool)}
}

// WriteBatch stages rows and returns an uncommitted handle. Rows whose
// natural key already exists are reported as quarantined, mimicking the
// per-row fallback of the postgres store.
func (s *RecordStore) WriteBatch(_ context.Context, rows []ingest.CleanRecord) (ingest.WriteHandle, []ingest.QuarantinedRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []ingest.CleanRecord
	var quarantined []ingest.QuarantinedRow
	staged := make(map[string]bool)
	now := time.Now().UTC()

	for _, row := range rows {
		k := naturalKey(row)
		if s.keys[k] || staged[k] {
			quarantined = append(quarantined, ingest.QuarantinedRow{
				ID:        uuid.NewString(),
				Force:     row.Force,
				Period:    monthStart(row.Datetime),
				Raw:       map[string]any{"datetime": row.Datetime.Format(time.RFC3339), "type": row.Type},
				Field:     "record_hash",
				Reason:    "duplicate natural key (force, datetime, record_hash)",
				CreatedAt: now,
			})
			continue
		}
		staged[k] = true
		fresh = append(fresh, row)
	}

	handle := &TxHandle{commitFn: func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, row := range fresh {
			s.keys[naturalKey(row)] = true
		}
		s.rows = append(s.rows, fresh...)
		return nil
	}}
	return handle, quarantined, nil
}

// Rows returns a snapshot of the committed rows.
func (s *RecordStore) Rows() []ingest.CleanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ingest.CleanRecord, len(s.rows))
	copy(out, s.rows)
	return out
}

func naturalKey(r ingest.CleanRecord) string {
	gender, ageRange, object := "", "", ""
	if r.Gender != nil {
		gender = *r.Gender
	}
	if r.AgeRange != nil {
		ageRange = *r.AgeRange
	}
	if r.ObjectOfSearch != nil {
		object = *r.ObjectOfSearch
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		r.Force, r.Datetime.UTC().Format(time.RFC3339), r.Type, gender, ageRange, object)
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
