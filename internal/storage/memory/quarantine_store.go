package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
)

// QuarantineStore implements ingest.QuarantineStore in memory.
type QuarantineStore struct {
	mu   sync.Mutex
	rows map[string]ingest.QuarantinedRow
}

// NewQuarantineStore returns an empty QuarantineStore.
func NewQuarantineStore() *QuarantineStore {
	return &QuarantineStore{rows: make(map[string]ingest.QuarantinedRow)}
}

// WriteQuarantine stores failed rows keyed by id.
func (s *QuarantineStore) WriteQuarantine(_ context.Context, rows []ingest.QuarantinedRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.rows[row.ID] = row
	}
	return len(rows), nil
}

// ListQuarantined returns rows filtered by force and period, oldest first.
func (s *QuarantineStore) ListQuarantined(_ context.Context, force string, period *time.Time) ([]ingest.QuarantinedRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ingest.QuarantinedRow
	for _, row := range s.rows {
		if force != "" && row.Force != force {
			continue
		}
		if period != nil && !row.Period.Equal(*period) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteQuarantined removes remediated rows.
func (s *QuarantineStore) DeleteQuarantined(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rows, id)
	}
	return nil
}

// UpdateQuarantineReason refreshes the failure reason on a row.
func (s *QuarantineStore) UpdateQuarantineReason(_ context.Context, id, field, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Field = field
		row.Reason = reason
		s.rows[id] = row
	}
	return nil
}
