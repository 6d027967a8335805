// Package orchestrator coordinates a full ingestion run: discover missing
// (force, period) keys, fan out bounded period pipelines, and fan results
// back into one aggregate.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stopsearch-ingest/internal/cleaner"
	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
	"github.com/JakeFAU/stopsearch-ingest/internal/metrics"
	"github.com/JakeFAU/stopsearch-ingest/internal/validator"
)

// Config controls default run scope and parallelism.
type Config struct {
	// Forces restricts runs to these force ids unless the scope narrows
	// further. Empty means every force the availability endpoint lists.
	Forces []string

	// HorizonMonths keeps only the most recent N months of availability.
	// Zero disables the horizon filter.
	HorizonMonths int

	// Concurrency bounds in-flight period pipelines across all forces.
	Concurrency int

	// ArchivePrefix is prepended to raw payload object paths.
	ArchivePrefix string

	// RunTopic and FailureTopic name the event destinations.
	RunTopic     string
	FailureTopic string
}

// Orchestrator wires the fetcher, cleaner, validator, and stores into the
// period pipeline.
type Orchestrator struct {
	cfg        Config
	registry   ingest.Registry
	writer     ingest.RecordWriter
	quarantine ingest.QuarantineStore
	fetcher    ingest.Fetcher
	archiver   ingest.Archiver
	publisher  ingest.Publisher
	clock      ingest.Clock
	logger     *zap.Logger
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	registry ingest.Registry,
	writer ingest.RecordWriter,
	quarantine ingest.QuarantineStore,
	fetcher ingest.Fetcher,
	archiver ingest.Archiver,
	publisher ingest.Publisher,
	clock ingest.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		writer:     writer,
		quarantine: quarantine,
		fetcher:    fetcher,
		archiver:   archiver,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
	}
}

// Scope narrows one run below the configured defaults. The zero value
// runs everything the configuration allows.
type Scope struct {
	// Forces restricts the run to these force ids.
	Forces []string

	// From and To bound candidate periods inclusively, when set.
	From *time.Time
	To   *time.Time
}

// periodFailedEvent is published once per period that did not complete.
type periodFailedEvent struct {
	RunID  string        `json:"run_id"`
	Period ingest.Period `json:"period"`
	Reason string        `json:"reason"`
}

// Run executes one ingestion pass. Period-level failures are recorded in
// the result and never abort siblings; the returned error is reserved for
// run-fatal conditions, chiefly registry or writer unavailability.
func (o *Orchestrator) Run(ctx context.Context, scope Scope) (ingest.BatchResult, error) {
	result := ingest.BatchResult{
		RunID:     uuid.NewString(),
		StartedAt: o.clock.Now(),
	}
	defer func() {
		result.FinishedAt = o.clock.Now()
		metrics.ObserveRunDuration(result.FinishedAt.Sub(result.StartedAt))
	}()

	availability, err := o.fetcher.Availability(ctx)
	if err != nil {
		return result, fmt.Errorf("fetch availability: %w", err)
	}

	var work []ingest.Period
	for _, force := range o.selectForces(scope, availability) {
		candidates := o.filterCandidates(scope, availability[force])
		missing, err := o.registry.ListMissing(ctx, force, candidates)
		if err != nil {
			return result, fmt.Errorf("list missing periods for %s: %w", force, err)
		}
		for _, start := range missing {
			work = append(work, ingest.Period{Force: force, Start: start})
		}
	}

	o.logger.Info("Starting ingestion run",
		zap.String("run_id", result.RunID),
		zap.Int("periods", len(work)),
		zap.Int("concurrency", o.cfg.Concurrency),
	)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for _, p := range work {
		g.Go(func() error {
			taskResult, err := o.runPeriod(gctx, result.RunID, p)
			mu.Lock()
			result.Merge(taskResult)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	o.publishRun(ctx, result)
	o.logger.Info("Ingestion run finished",
		zap.String("run_id", result.RunID),
		zap.Int("fetched", result.Fetched),
		zap.Int("valid", result.Valid),
		zap.Int("quarantined", result.Quarantined),
		zap.Int("written", result.Written),
		zap.Int("completed_periods", len(result.Completed)),
		zap.Int("failed_periods", len(result.Failed)),
	)
	return result, nil
}

// runPeriod executes the pipeline for one claimed period. A nil error with
// a Failed entry means the period failed in isolation; a non-nil error
// aborts the run.
func (o *Orchestrator) runPeriod(ctx context.Context, runID string, p ingest.Period) (ingest.BatchResult, error) {
	var res ingest.BatchResult

	claimed, err := o.registry.TryBegin(ctx, p)
	if err != nil {
		return res, fmt.Errorf("claim %s: %w", p.Key(), err)
	}
	if !claimed {
		o.logger.Debug("Period claimed elsewhere, skipping", zap.String("period", p.Key()))
		return res, nil
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	records, err := o.fetcher.Fetch(ctx, p.Force, p.Start)
	if err != nil {
		return res, o.failPeriod(ctx, runID, p, &res, fmt.Sprintf("fetch: %v", err))
	}
	res.Fetched = len(records)

	o.archiveRaw(ctx, p, records)

	cleaned := make([]ingest.RawRecord, 0, len(records))
	for _, r := range records {
		cleaned = append(cleaned, ingest.RawRecord{
			Force:  r.Force,
			Period: r.Period,
			Fields: cleaner.Clean(r.Fields),
		})
	}
	res.Cleaned = len(cleaned)

	valid, quarantined := validator.Partition(cleaned)

	handle, duplicates, err := o.writer.WriteBatch(ctx, valid)
	if err != nil {
		// A lost writer connection sinks the run; anything else (a constraint
		// the per-row fallback could not absorb, a bad column value) fails
		// only this period.
		if errors.Is(err, ingest.ErrConnectionLost) {
			if failErr := o.registry.Fail(ctx, p, fmt.Sprintf("write batch: %v", err)); failErr != nil {
				o.logger.Error("Failed to mark period failed", zap.String("period", p.Key()), zap.Error(failErr))
			}
			return res, fmt.Errorf("write batch %s: %w", p.Key(), err)
		}
		return res, o.failPeriod(ctx, runID, p, &res, fmt.Sprintf("write batch: %v", err))
	}
	quarantined = append(quarantined, duplicates...)

	if len(quarantined) > 0 {
		if _, qErr := o.quarantine.WriteQuarantine(ctx, quarantined); qErr != nil {
			// Quarantine rows are advisory; losing them must not sink the batch.
			o.logger.Error("Quarantine write failed",
				zap.String("period", p.Key()),
				zap.Int("rows", len(quarantined)),
				zap.Error(qErr),
			)
		}
	}

	if err := o.registry.Complete(ctx, p, handle); err != nil {
		if errors.Is(err, ingest.ErrConnectionLost) {
			return res, fmt.Errorf("complete %s: %w", p.Key(), err)
		}
		// The batch stays uncommitted when Complete refuses it; release the
		// transaction so the connection returns to the pool.
		if rbErr := handle.Rollback(ctx); rbErr != nil {
			o.logger.Warn("Batch rollback failed", zap.String("period", p.Key()), zap.Error(rbErr))
		}
		return res, o.failPeriod(ctx, runID, p, &res, fmt.Sprintf("complete: %v", err))
	}

	res.Valid = len(valid)
	res.Quarantined = len(quarantined)
	res.Written = len(valid) - len(duplicates)
	res.Completed = []ingest.Period{p}

	metrics.ObserveRecords(p.Force, res.Fetched, res.Valid, res.Quarantined, res.Written)
	metrics.ObservePeriod(p.Force, string(ingest.StatusComplete))
	o.logger.Info("Period complete",
		zap.String("period", p.Key()),
		zap.Int("fetched", res.Fetched),
		zap.Int("valid", res.Valid),
		zap.Int("quarantined", res.Quarantined),
		zap.Int("written", res.Written),
	)
	return res, nil
}

// failPeriod records an isolated period failure. The returned error is nil
// unless the registry itself failed, which is run-fatal.
func (o *Orchestrator) failPeriod(ctx context.Context, runID string, p ingest.Period, res *ingest.BatchResult, reason string) error {
	if err := o.registry.Fail(ctx, p, reason); err != nil {
		return fmt.Errorf("mark %s failed: %w", p.Key(), err)
	}
	res.Failed = append(res.Failed, ingest.PeriodFailure{Period: p, Reason: reason})
	metrics.ObservePeriod(p.Force, string(ingest.StatusFailed))
	o.logger.Warn("Period failed", zap.String("period", p.Key()), zap.String("reason", reason))

	if o.publisher != nil && o.cfg.FailureTopic != "" {
		event := periodFailedEvent{RunID: runID, Period: p, Reason: reason}
		if _, err := o.publisher.Publish(ctx, o.cfg.FailureTopic, event); err != nil {
			o.logger.Warn("Failed-period event publish failed", zap.String("period", p.Key()), zap.Error(err))
		}
	}
	return nil
}

// archiveRaw stores the raw payload before cleaning, for audit and replay.
// Archive failures are logged and do not affect the period outcome.
func (o *Orchestrator) archiveRaw(ctx context.Context, p ingest.Period, records []ingest.RawRecord) {
	if o.archiver == nil {
		return
	}
	payload := make([]map[string]any, 0, len(records))
	for _, r := range records {
		payload = append(payload, r.Fields)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("Raw payload marshal failed", zap.String("period", p.Key()), zap.Error(err))
		return
	}
	objectPath := path.Join(o.cfg.ArchivePrefix, p.Force, p.Month()+".json")
	uri, err := o.archiver.PutObject(ctx, objectPath, "application/json", data)
	if err != nil {
		o.logger.Warn("Raw payload archive failed", zap.String("period", p.Key()), zap.Error(err))
		return
	}
	if uri != "" {
		o.logger.Debug("Archived raw payload", zap.String("period", p.Key()), zap.String("uri", uri))
	}
}

// publishRun emits the run summary event. Publish failures only log.
func (o *Orchestrator) publishRun(ctx context.Context, result ingest.BatchResult) {
	if o.publisher == nil || o.cfg.RunTopic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.RunTopic, result); err != nil {
		o.logger.Warn("Run event publish failed", zap.String("run_id", result.RunID), zap.Error(err))
	}
}

// Remediate re-runs clean and validate over quarantined rows in scope,
// writing recovered rows and refreshing the reason on rows that still
// fail. It returns the number of rows remediated.
func (o *Orchestrator) Remediate(ctx context.Context, force string, period *time.Time) (int, error) {
	rows, err := o.quarantine.ListQuarantined(ctx, force, period)
	if err != nil {
		return 0, fmt.Errorf("list quarantined rows: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var recovered []ingest.CleanRecord
	var recoveredIDs []string
	for _, row := range rows {
		cleaned := cleaner.Clean(row.Raw)
		rec, violation := validator.Validate(ingest.RawRecord{
			Force:  row.Force,
			Period: row.Period,
			Fields: cleaned,
		})
		if violation != nil {
			if uErr := o.quarantine.UpdateQuarantineReason(ctx, row.ID, violation.Field, violation.String()); uErr != nil {
				o.logger.Warn("Quarantine reason update failed", zap.String("id", row.ID), zap.Error(uErr))
			}
			continue
		}
		recovered = append(recovered, rec)
		recoveredIDs = append(recoveredIDs, row.ID)
	}
	if len(recovered) == 0 {
		o.logger.Info("Remediation recovered no rows", zap.Int("examined", len(rows)))
		return 0, nil
	}

	handle, duplicates, err := o.writer.WriteBatch(ctx, recovered)
	if err != nil {
		return 0, fmt.Errorf("write remediated rows: %w", err)
	}
	if err := handle.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit remediated rows: %w", err)
	}

	// Duplicates mean the record already exists in the primary store, so
	// the quarantined copy is redundant either way.
	if err := o.quarantine.DeleteQuarantined(ctx, recoveredIDs); err != nil {
		return len(recoveredIDs), fmt.Errorf("delete remediated rows: %w", err)
	}
	o.logger.Info("Remediation finished",
		zap.Int("examined", len(rows)),
		zap.Int("remediated", len(recoveredIDs)),
		zap.Int("already_present", len(duplicates)),
	)
	return len(recoveredIDs), nil
}

// selectForces resolves the run's force list: the scope's subset, the
// configured subset, or everything the availability endpoint announced,
// sorted for determinism.
func (o *Orchestrator) selectForces(scope Scope, availability map[string][]time.Time) []string {
	if len(scope.Forces) > 0 {
		return scope.Forces
	}
	if len(o.cfg.Forces) > 0 {
		return o.cfg.Forces
	}
	forces := make([]string, 0, len(availability))
	for force := range availability {
		forces = append(forces, force)
	}
	sort.Strings(forces)
	return forces
}

// filterCandidates applies the horizon and any explicit from/to bounds.
func (o *Orchestrator) filterCandidates(scope Scope, months []time.Time) []time.Time {
	var horizonStart time.Time
	if o.cfg.HorizonMonths > 0 {
		now := o.clock.Now().UTC()
		horizonStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).
			AddDate(0, -(o.cfg.HorizonMonths - 1), 0)
	}

	var out []time.Time
	for _, m := range months {
		if !horizonStart.IsZero() && m.Before(horizonStart) {
			continue
		}
		if scope.From != nil && m.Before(*scope.From) {
			continue
		}
		if scope.To != nil && m.After(*scope.To) {
			continue
		}
		out = append(out, m)
	}
	return out
}
