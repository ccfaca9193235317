// Package session owns the import session lifecycle: the registry tracking
// session existence, the sequential per-session orchestrator loop, and the
// persistence of sessions and per-record outcomes.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/portalis/dirimport/ingest"
	"github.com/portalis/dirimport/progress"
)

// Status represents the lifecycle state of an import session
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the session lifecycle
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session is one execution of the import engine over one input dataset.
// It is created at parse success and mutated only by its own run loop
// (single writer); the registry and transports take read-only snapshots.
type Session struct {
	ID string

	dataset *ingest.Dataset
	log     *progress.Log
	broker  *progress.Broker

	mu          sync.RWMutex
	status      Status
	counts      progress.Counts
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	cancelMu        sync.Mutex
	cancelRequested bool
}

// Snapshot is an immutable read-only view of a session
type Snapshot struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Counts      progress.Counts `json:"counts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// New creates a session over a parsed dataset
func New(dataset *ingest.Dataset, logger *zap.SugaredLogger) *Session {
	id := uuid.NewString()
	log := progress.NewLog(id)
	return &Session{
		ID:        id,
		dataset:   dataset,
		log:       log,
		broker:    progress.NewBroker(id, log, logger),
		status:    StatusCreated,
		counts:    progress.Counts{Total: dataset.Total()},
		createdAt: time.Now(),
	}
}

// Dataset returns the parsed dataset this session imports
func (s *Session) Dataset() *ingest.Dataset {
	return s.dataset
}

// Log returns the session's append-only event log
func (s *Session) Log() *progress.Log {
	return s.log
}

// Broker returns the session's transport broker
func (s *Session) Broker() *progress.Broker {
	return s.broker
}

// Snapshot returns a consistent read-only view of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		ID:          s.ID,
		Status:      s.status,
		Counts:      s.counts,
		CreatedAt:   s.createdAt,
		StartedAt:   s.startedAt,
		CompletedAt: s.completedAt,
	}
}

// Status returns the session's current lifecycle state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Counts returns the current aggregate counts
func (s *Session) Counts() progress.Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts
}

// RequestCancel flags the session for cooperative cancellation. The run
// loop honors it at the next record boundary so an in-flight API call is
// allowed to finish and no record is left ambiguous.
func (s *Session) RequestCancel() {
	s.cancelMu.Lock()
	s.cancelRequested = true
	s.cancelMu.Unlock()
}

// CancelRequested reports whether cancellation has been requested
func (s *Session) CancelRequested() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.cancelRequested
}

// start transitions the session to running on dispatch of the first record
func (s *Session) start() {
	now := time.Now()
	s.mu.Lock()
	s.status = StatusRunning
	s.startedAt = &now
	s.mu.Unlock()
}

// applyOutcome folds one record's terminal outcome into the aggregates and
// returns the updated counts. Processed never exceeds Total because every
// record is folded exactly once.
func (s *Session) applyOutcome(outcome ingest.Outcome) progress.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts.Processed++
	switch outcome {
	case ingest.OutcomeSuccess:
		s.counts.Succeeded++
	case ingest.OutcomeError:
		s.counts.Failed++
	case ingest.OutcomeSkipped:
		s.counts.Skipped++
	}
	return s.counts
}

// finish moves the session to a terminal status
func (s *Session) finish(status Status) {
	now := time.Now()
	s.mu.Lock()
	s.status = status
	s.completedAt = &now
	s.mu.Unlock()
}

// TerminalAt returns when the session reached a terminal status, if it has
func (s *Session) TerminalAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.status.Terminal() || s.completedAt == nil {
		return time.Time{}, false
	}
	return *s.completedAt, true
}
