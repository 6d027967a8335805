// Package ingest defines core types shared across the ingestion subsystems.
package ingest

import (
	"fmt"
	"time"
)

// PeriodStatus represents the lifecycle state of a (force, period) key.
type PeriodStatus string

// Period status values persisted in the registry. Complete is terminal.
const (
	StatusMissing    PeriodStatus = "missing"
	StatusInProgress PeriodStatus = "in_progress"
	StatusComplete   PeriodStatus = "complete"
	StatusFailed     PeriodStatus = "failed"
)

// Period identifies one calendar month of data for one police force.
// Start is truncated to the first of the month, UTC.
type Period struct {
	Force string    `json:"force"`
	Start time.Time `json:"start"`
}

// Month renders the period in the upstream API's YYYY-MM form.
func (p Period) Month() string {
	return p.Start.Format("2006-01")
}

// Key returns the canonical registry key for the period.
func (p Period) Key() string {
	return fmt.Sprintf("%s/%s", p.Force, p.Month())
}

// ParseMonth parses a YYYY-MM string into a UTC month start.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse month %q: %w", s, err)
	}
	return t.UTC(), nil
}

// RawRecord is one loosely-typed record as returned by the upstream API,
// tagged with its provenance. Fields is the decoded JSON object; nested
// objects (location, outcome_object) remain nested maps until validation.
type RawRecord struct {
	Force  string
	Period time.Time
	Fields map[string]any
}

// CleanRecord is the fixed, typed field set persisted into the primary
// store. Optional scalars are pointers so absent and zero stay distinct.
// The flattened column list mirrors the stop_searches table.
type CleanRecord struct {
	Force                   string
	Type                    string
	InvolvedPerson          bool
	Datetime                time.Time
	Operation               *bool
	OperationName           *string
	Latitude                *float64
	Longitude               *float64
	StreetID                *int64
	StreetName              *string
	Gender                  *string
	AgeRange                *string
	SelfDefinedEthnicity    *string
	OfficerDefinedEthnicity *string
	Legislation             *string
	ObjectOfSearch          *string
	Outcome                 *string
	OutcomeLinked           *bool
	RemovalOfClothing       *bool
	OutcomeObjectID         *string
	OutcomeObjectName       *string
}

// QuarantinedRow is a record that failed validation, kept durably with the
// violated rule so it can be audited and remediated later.
type QuarantinedRow struct {
	ID        string
	Force     string
	Period    time.Time
	Raw       map[string]any
	Field     string
	Reason    string
	CreatedAt time.Time
}

// PeriodFailure records why one period did not complete during a run.
type PeriodFailure struct {
	Period Period `json:"period"`
	Reason string `json:"reason"`
}

// PeriodState is a registry row, exposed through the query API.
type PeriodState struct {
	Period      Period       `json:"period"`
	Status      PeriodStatus `json:"status"`
	ClaimedAt   *time.Time   `json:"claimed_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// BatchResult aggregates the outcome of one ingestion run.
type BatchResult struct {
	RunID       string          `json:"run_id"`
	Fetched     int             `json:"fetched"`
	Cleaned     int             `json:"cleaned"`
	Valid       int             `json:"valid"`
	Quarantined int             `json:"quarantined"`
	Written     int             `json:"written"`
	Completed   []Period        `json:"completed"`
	Failed      []PeriodFailure `json:"failed"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Merge folds counts and outcomes from one period task into the aggregate.
func (b *BatchResult) Merge(other BatchResult) {
	b.Fetched += other.Fetched
	b.Cleaned += other.Cleaned
	b.Valid += other.Valid
	b.Quarantined += other.Quarantined
	b.Written += other.Written
	b.Completed = append(b.Completed, other.Completed...)
	b.Failed = append(b.Failed, other.Failed...)
}
