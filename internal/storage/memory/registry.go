// Package memory provides in-memory store implementations for tests and
// database-less runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
)

type periodKey struct {
	force string
	month string
}

type periodEntry struct {
	start       time.Time
	status      ingest.PeriodStatus
	claimedAt   *time.Time
	completedAt *time.Time
	lastError   string
}

// Registry implements ingest.Registry with a mutex-guarded map.
type Registry struct {
	mu      sync.Mutex
	entries map[periodKey]*periodEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[periodKey]*periodEntry)}
}

func key(p ingest.Period) periodKey {
	return periodKey{force: p.Force, month: p.Month()}
}

// ListMissing filters candidates down to periods not Complete or
// InProgress, ascending.
func (r *Registry) ListMissing(_ context.Context, force string, candidates []time.Time) ([]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missing []time.Time
	for _, candidate := range candidates {
		k := key(ingest.Period{Force: force, Start: candidate})
		if e, ok := r.entries[k]; ok {
			if e.status == ingest.StatusComplete || e.status == ingest.StatusInProgress {
				continue
			}
		}
		missing = append(missing, candidate)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Before(missing[j]) })
	return missing, nil
}

// TryBegin claims Missing|Failed -> InProgress under the lock.
func (r *Registry) TryBegin(_ context.Context, p ingest.Period) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	e, ok := r.entries[key(p)]
	if !ok {
		r.entries[key(p)] = &periodEntry{
			start:     p.Start,
			status:    ingest.StatusInProgress,
			claimedAt: &now,
		}
		return true, nil
	}
	if e.status == ingest.StatusComplete || e.status == ingest.StatusInProgress {
		return false, nil
	}
	e.status = ingest.StatusInProgress
	e.claimedAt = &now
	e.lastError = ""
	return true, nil
}

// Complete commits the write handle and flips the period to Complete.
func (r *Registry) Complete(ctx context.Context, p ingest.Period, handle ingest.WriteHandle) error {
	th, ok := handle.(*TxHandle)
	if !ok {
		return fmt.Errorf("complete %s: write handle is not a memory transaction", p.Key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key(p)]
	if !ok || e.status != ingest.StatusInProgress {
		if rbErr := th.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("period %s not in progress; rollback failed: %w", p.Key(), rbErr)
		}
		return fmt.Errorf("period %s is not in progress", p.Key())
	}
	if err := th.commit(); err != nil {
		return fmt.Errorf("commit %s: %w", p.Key(), err)
	}
	now := time.Now().UTC()
	e.status = ingest.StatusComplete
	e.completedAt = &now
	e.lastError = ""
	return nil
}

// Fail reverts an InProgress claim to Failed.
func (r *Registry) Fail(_ context.Context, p ingest.Period, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key(p)]
	if !ok || e.status != ingest.StatusInProgress {
		return nil
	}
	e.status = ingest.StatusFailed
	e.lastError = reason
	return nil
}

// ReclaimStale converts stale InProgress entries to Failed.
func (r *Registry) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	reclaimed := 0
	for _, e := range r.entries {
		if e.status == ingest.StatusInProgress && e.claimedAt != nil && e.claimedAt.Before(cutoff) {
			e.status = ingest.StatusFailed
			e.lastError = "stale claim reclaimed"
			reclaimed++
		}
	}
	return reclaimed, nil
}

// ListPeriods returns registry state for one force, ascending by start.
func (r *Registry) ListPeriods(_ context.Context, force string) ([]ingest.PeriodState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var states []ingest.PeriodState
	for k, e := range r.entries {
		if k.force != force {
			continue
		}
		states = append(states, ingest.PeriodState{
			Period:      ingest.Period{Force: force, Start: e.start},
			Status:      e.status,
			ClaimedAt:   e.claimedAt,
			CompletedAt: e.completedAt,
			LastError:   e.lastError,
		})
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Period.Start.Before(states[j].Period.Start)
	})
	return states, nil
}

// forceClaimedAt backdates a claim; used by tests to exercise reclaim.
func (r *Registry) forceClaimedAt(p ingest.Period, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key(p)]; ok {
		e.claimedAt = &at
	}
}
