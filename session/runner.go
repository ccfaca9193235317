package session

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/portalis/dirimport/directory"
	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/ingest"
	"github.com/portalis/dirimport/pacer"
	"github.com/portalis/dirimport/population"
	"github.com/portalis/dirimport/progress"
)

// Submitter performs one create/update call per record. Satisfied by
// *directory.Client; narrowed to an interface so tests can stub the
// directory.
type Submitter interface {
	Submit(ctx context.Context, rec *ingest.Record, populationID string) (*directory.SubmitResult, error)
}

// RunnerConfig carries the externally supplied import policy. The engine
// only consumes these values.
type RunnerConfig struct {
	DefaultPopulationID string
	RequestsPerMinute   int
	RetryLimit          int
	BackoffBase         time.Duration
}

// Runner drives sessions through their sequential per-record loop:
// resolve population, acquire a pacer slot, submit, classify, account,
// publish one snapshot event per record. One loop per session, no
// intra-session parallel API calls, so rate accounting and aggregate counts
// stay exact without coordination overhead.
type Runner struct {
	cfg    RunnerConfig
	client Submitter
	store  *Store // Optional; nil disables persistence
	logger *zap.SugaredLogger

	// sleep is the backoff suspension point, injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner. store may be nil when persistence is not wired.
func NewRunner(cfg RunnerConfig, client Submitter, store *Store, logger *zap.SugaredLogger) *Runner {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Runner{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: logger.Named("session"),
		sleep:  sleepContext,
	}
}

// Launch parses the input, registers a new session, and runs it in its own
// goroutine. A structural parse failure aborts before any session exists -
// the caller gets the error and nothing reaches the registry.
func (r *Runner) Launch(ctx context.Context, reg *Registry, input io.Reader, opts ingest.Options) (*Session, error) {
	dataset, err := ingest.ParseReader(input, opts)
	if err != nil {
		return nil, err
	}

	s := reg.Create(dataset, r.logger)
	go func() {
		if runErr := r.Run(ctx, s); runErr != nil {
			r.logger.Errorw("Session run failed",
				"session_id", s.ID,
				"error", runErr,
			)
		}
	}()
	return s, nil
}

// Run executes one session to completion or honored cancellation. Only a
// session that could not run at all ends as failed; per-record problems are
// accounted in the aggregates and the batch always finishes.
func (r *Runner) Run(ctx context.Context, s *Session) error {
	if s.Dataset() == nil {
		s.finish(StatusFailed)
		s.Broker().Publish(progress.KindError, s.Counts(), nil)
		return errors.New("session has no dataset")
	}

	log := r.logger.With("session_id", s.ID)
	pace := pacer.New(r.cfg.RequestsPerMinute)

	s.start()
	r.persistSession(s)
	log.Infow("Session running",
		"total", s.Counts().Total,
		"requests_per_minute", r.cfg.RequestsPerMinute,
		"retry_limit", r.cfg.RetryLimit,
	)

	for _, rec := range s.Dataset().Records {
		// Cancellation is cooperative and only honored here, at a record
		// boundary - an in-flight call for the previous record has already
		// finished, so no record is left ambiguous
		if s.CancelRequested() || ctx.Err() != nil {
			return r.finishSession(s, StatusCancelled, progress.KindCancelled, log)
		}

		r.processRecord(ctx, s, rec, pace, log)

		counts := s.applyOutcome(rec.Outcome)
		s.Broker().Publish(progress.KindProgress, counts, recordContext(rec))
		r.persistRecord(s.ID, rec)
	}

	return r.finishSession(s, StatusCompleted, progress.KindCompleted, log)
}

// processRecord takes one record from pending to exactly one terminal
// outcome. No API call is ever made for a record that fails population
// resolution - that is how one malformed row never aborts the batch.
func (r *Runner) processRecord(ctx context.Context, s *Session, rec *ingest.Record, pace *pacer.Pacer, log *zap.SugaredLogger) {
	assignment, err := population.Resolve(rec, r.cfg.DefaultPopulationID)
	if err != nil {
		rec.MarkSkipped("no population available")
		log.Warnw("Record skipped",
			"line", rec.LineNumber,
			"unique_value", rec.UniqueValue,
			"reason", err.Error(),
		)
		return
	}

	rec.ResolvedPopulationID = assignment.PopulationID
	rec.PopulationSource = string(assignment.Source)
	if assignment.Source == population.SourceExplicitInvalidFallback {
		// Distinct from the plain default case: the input was malformed
		log.Warnw("Malformed population on record, using configured default",
			"line", rec.LineNumber,
			"raw_population", rec.RawPopulation,
			"population_id", assignment.PopulationID,
		)
	}

	if err := pace.Acquire(ctx); err != nil {
		// Shutdown while waiting for a slot: no call was made, leave the
		// record skipped rather than guessing an API outcome
		rec.MarkSkipped("session interrupted before submission")
		return
	}

	r.submitWithRetry(ctx, rec, assignment.PopulationID, log)
}

// submitWithRetry performs the API call, retrying transient failures up to
// the configured bound with exponential backoff. Terminal failures and
// exhausted retries both settle the record as an error; retry counting is
// per-record metadata, not an aggregate bucket.
func (r *Runner) submitWithRetry(ctx context.Context, rec *ingest.Record, populationID string, log *zap.SugaredLogger) {
	attempt := 0
	for {
		result, err := r.client.Submit(ctx, rec, populationID)
		if err == nil {
			rec.MarkSuccess(result.IdentityID)
			return
		}

		if !errors.IsRetryable(err) {
			rec.MarkError(err.Error())
			log.Warnw("Record failed",
				"line", rec.LineNumber,
				"unique_value", rec.UniqueValue,
				"error", err.Error(),
			)
			return
		}

		if attempt >= r.cfg.RetryLimit {
			rec.MarkError(err.Error())
			log.Warnw("Record failed after exhausting retries",
				"line", rec.LineNumber,
				"unique_value", rec.UniqueValue,
				"retries", attempt,
				"error", err.Error(),
			)
			return
		}

		attempt++
		rec.RetryCount = attempt
		backoff := r.backoff(attempt)
		log.Debugw("Retrying record after transient failure",
			"line", rec.LineNumber,
			"attempt", attempt,
			"backoff", backoff,
		)
		if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
			rec.MarkError("interrupted during retry backoff: " + err.Error())
			return
		}
	}
}

// finishSession emits the terminal event and moves the session to its
// terminal state
func (r *Runner) finishSession(s *Session, status Status, kind progress.Kind, log *zap.SugaredLogger) error {
	s.finish(status)
	counts := s.Counts()
	s.Broker().Publish(kind, counts, nil)
	r.persistSession(s)

	log.Infow("Session finished",
		"status", status,
		"total", counts.Total,
		"processed", counts.Processed,
		"succeeded", counts.Succeeded,
		"failed", counts.Failed,
		"skipped", counts.Skipped,
	)
	return nil
}

// backoff returns the delay before retry attempt n (1-based)
func (r *Runner) backoff(attempt int) time.Duration {
	return r.cfg.BackoffBase << (attempt - 1)
}

// persistSession writes the session aggregate through the store. Persistence
// failures are logged, never fatal to the batch.
func (r *Runner) persistSession(s *Session) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSession(s.Snapshot()); err != nil {
		r.logger.Warnw("Failed to persist session", "session_id", s.ID, "error", err)
	}
}

// persistRecord writes one record outcome through the store
func (r *Runner) persistRecord(sessionID string, rec *ingest.Record) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRecord(sessionID, rec); err != nil {
		r.logger.Warnw("Failed to persist record",
			"session_id", sessionID,
			"line", rec.LineNumber,
			"error", err,
		)
	}
}

// recordContext builds the last-record context carried on a progress event
func recordContext(rec *ingest.Record) *progress.RecordContext {
	return &progress.RecordContext{
		LineNumber:       rec.LineNumber,
		UniqueValue:      rec.UniqueValue,
		Outcome:          string(rec.Outcome),
		PopulationID:     rec.ResolvedPopulationID,
		PopulationSource: rec.PopulationSource,
		Detail:           rec.ErrorDetail,
		RetryCount:       rec.RetryCount,
	}
}

// sleepContext waits for d or until ctx is cancelled
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
