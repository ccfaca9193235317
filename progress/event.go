// Package progress models import progress as an append-only, ordered log of
// immutable snapshot events per session, fanned out to any number of
// observers over heterogeneous transport channels.
package progress

import (
	"time"
)

// Kind classifies a progress event
type Kind string

const (
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindError     Kind = "error"
	KindCancelled Kind = "cancelled"
)

// Terminal reports whether events of this kind end a session's stream
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindError || k == KindCancelled
}

// Counts is the aggregate snapshot carried by every event
type Counts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RecordContext is the optional last-record context on an event, enough for
// an external reporting collaborator to build a result list
type RecordContext struct {
	LineNumber       int    `json:"line_number"`
	UniqueValue      string `json:"unique_value"`
	Outcome          string `json:"outcome"`
	PopulationID     string `json:"population_id,omitempty"`
	PopulationSource string `json:"population_source,omitempty"`
	Detail           string `json:"detail,omitempty"`
	RetryCount       int    `json:"retry_count,omitempty"`
}

// Event is an immutable, self-contained snapshot of a session's aggregate
// progress at one point in time. Because every event carries the full
// Counts, re-delivery or transport migration is idempotent: applying the
// same snapshot twice changes nothing in an observer's view.
type Event struct {
	SessionID  string         `json:"session_id"`
	Sequence   uint64         `json:"sequence"`
	Kind       Kind           `json:"kind"`
	Counts     Counts         `json:"counts"`
	LastRecord *RecordContext `json:"last_record,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
