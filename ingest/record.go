// Package ingest turns raw delimited input into typed identity records.
package ingest

import (
	"time"
)

// Outcome represents the terminal accounting state of a record
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// IsValidOutcome returns true if the outcome string is a valid Outcome
func IsValidOutcome(s string) bool {
	switch Outcome(s) {
	case OutcomePending, OutcomeSuccess, OutcomeError, OutcomeSkipped:
		return true
	default:
		return false
	}
}

// Record is one row of the input dataset representing one identity to
// create or update. Records are created during parsing and mutated exactly
// once by the owning session loop as their outcome resolves; they are never
// reused across sessions.
type Record struct {
	LineNumber int               `json:"line_number"`
	Fields     map[string]string `json:"fields"`

	// UniqueValue is the value of the required unique-identifier column
	UniqueValue string `json:"unique_value"`

	// RawPopulation is the population column value as found in the input,
	// empty when the column is absent or blank
	RawPopulation string `json:"raw_population,omitempty"`

	// ResolvedPopulationID is filled by the population resolver before the
	// record reaches the API-call stage
	ResolvedPopulationID string `json:"resolved_population_id,omitempty"`

	// PopulationSource records which precedence rule produced the resolution
	PopulationSource string `json:"population_source,omitempty"`

	Outcome     Outcome    `json:"outcome"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	RetryCount  int        `json:"retry_count,omitempty"`
	IdentityID  string     `json:"identity_id,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// MarkSuccess records a successful create/update for this record
func (r *Record) MarkSuccess(identityID string) {
	now := time.Now()
	r.Outcome = OutcomeSuccess
	r.IdentityID = identityID
	r.ResolvedAt = &now
}

// MarkError records a terminal API failure for this record
func (r *Record) MarkError(detail string) {
	now := time.Now()
	r.Outcome = OutcomeError
	r.ErrorDetail = detail
	r.ResolvedAt = &now
}

// MarkSkipped records that this record was skipped before any API call
func (r *Record) MarkSkipped(reason string) {
	now := time.Now()
	r.Outcome = OutcomeSkipped
	r.ErrorDetail = reason
	r.ResolvedAt = &now
}

// Terminal reports whether the record has reached a terminal outcome
func (r *Record) Terminal() bool {
	return r.Outcome != OutcomePending
}
