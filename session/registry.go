package session

import (
	"context"
	"time"

	"sync"

	"go.uber.org/zap"

	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/ingest"
)

// sweepInterval is how often the registry looks for expired terminal sessions
const sweepInterval = time.Minute

// Registry is the single source of truth for session existence. Lookups are
// safe from any number of concurrent attach requests; each session is
// mutated only by its own run loop. Terminal sessions stay attachable for a
// bounded retention window and are then garbage-collected.
type Registry struct {
	retention time.Duration
	logger    *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry with the given post-completion retention window
func NewRegistry(retention time.Duration, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		retention: retention,
		logger:    logger.Named("registry"),
		sessions:  make(map[string]*Session),
	}
}

// Create builds a session over a parsed dataset and registers it
func (r *Registry) Create(dataset *ingest.Dataset, logger *zap.SugaredLogger) *Session {
	s := New(dataset, logger)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Infow("Session created",
		"session_id", s.ID,
		"total", dataset.Total(),
	)
	return s
}

// Get returns a session by id
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
	}
	return s, nil
}

// Cancel requests cooperative cancellation of a running session. The run
// loop honors the request at its next record boundary.
func (r *Registry) Cancel(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	status := s.Status()
	if status != StatusRunning {
		return errors.Newf("session %s is not running (status: %s)", id, status)
	}

	s.RequestCancel()
	r.logger.Infow("Session cancellation requested", "session_id", id)
	return nil
}

// ListActive returns all sessions that have not reached a terminal status
func (r *Registry) ListActive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Session
	for _, s := range r.sessions {
		if !s.Status().Terminal() {
			active = append(active, s)
		}
	}
	return active
}

// StartSweeper runs periodic garbage collection of expired terminal
// sessions until ctx is cancelled
func (r *Registry) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := r.Sweep(time.Now()); removed > 0 {
					r.logger.Debugw("Swept expired sessions", "removed", removed)
				}
			}
		}
	}()
}

// Sweep removes terminal sessions whose retention window has expired as of
// now. Returns how many were removed. Brokers are closed after the lock is
// released so a delivery stuck in a broken observer can never stall
// registry lookups behind the sweeper.
func (r *Registry) Sweep(now time.Time) int {
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		terminalAt, ok := s.TerminalAt()
		if !ok || now.Sub(terminalAt) < r.retention {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, s)
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Broker().Close()
	}
	return len(expired)
}
