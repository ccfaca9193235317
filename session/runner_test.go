package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portalis/dirimport/directory"
	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/ingest"
	"github.com/portalis/dirimport/population"
	"github.com/portalis/dirimport/progress"
)

const defaultPop = "9a1b2c3d-0000-4000-8000-000000000001"

// scriptedDirectory stubs the directory API. Each unique value can carry a
// queue of errors returned before the call finally succeeds.
type scriptedDirectory struct {
	mu          sync.Mutex
	calls       int
	populations []string
	script      map[string][]error

	// onSubmit runs inside Submit with the lock released, for cancellation tests
	onSubmit func(rec *ingest.Record)
}

func (d *scriptedDirectory) Submit(_ context.Context, rec *ingest.Record, populationID string) (*directory.SubmitResult, error) {
	d.mu.Lock()
	d.calls++
	d.populations = append(d.populations, populationID)
	var err error
	if q := d.script[rec.UniqueValue]; len(q) > 0 {
		err = q[0]
		d.script[rec.UniqueValue] = q[1:]
	}
	hook := d.onSubmit
	d.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	if err != nil {
		return nil, err
	}
	return &directory.SubmitResult{IdentityID: "identity-" + rec.UniqueValue, Created: true}, nil
}

func (d *scriptedDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func parseCSV(t *testing.T, csv string) *ingest.Dataset {
	t.Helper()
	ds, err := ingest.ParseReader(strings.NewReader(csv), ingest.Options{
		UniqueColumn:     "username",
		PopulationColumn: "populationId",
	})
	require.NoError(t, err)
	return ds
}

func newTestRunner(cfg RunnerConfig, dir Submitter) *Runner {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60000 // Effectively unpaced for tests
	}
	r := NewRunner(cfg, dir, nil, testLogger())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil } // No real backoff in tests
	return r
}

func transientErr() error {
	return errors.Wrap(errors.ErrTransientAPI, "rate limited by directory")
}

func terminalErr() error {
	return errors.Wrap(errors.ErrTerminalAPI, "invalid data")
}

func TestRunAllRecordsDefaultPopulation(t *testing.T) {
	// 10 records, no population column, configured default
	var b strings.Builder
	b.WriteString("username,email\n")
	for i := 0; i < 10; i++ {
		b.WriteString("user")
		b.WriteByte(byte('0' + i))
		b.WriteString(",u@example.com\n")
	}
	ds := parseCSV(t, b.String())

	dir := &scriptedDirectory{}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 3}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	counts := s.Counts()
	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, 10, counts.Total)
	assert.Equal(t, 10, counts.Processed)
	assert.Equal(t, 10, counts.Succeeded)
	assert.Equal(t, counts.Processed, counts.Succeeded+counts.Failed+counts.Skipped)

	for _, rec := range ds.Records {
		assert.Equal(t, defaultPop, rec.ResolvedPopulationID)
		assert.Equal(t, string(population.SourceDefault), rec.PopulationSource)
		assert.Equal(t, ingest.OutcomeSuccess, rec.Outcome)
	}

	for _, pop := range dir.populations {
		assert.Equal(t, defaultPop, pop)
	}
}

func TestRunMalformedPopulationFallsBackAndSubmits(t *testing.T) {
	// A malformed identifier with a configured default still
	// proceeds to the API call - fallback is usable, not a skip
	ds := parseCSV(t, "username,populationId\njdoe,not-a-uuid\n")

	dir := &scriptedDirectory{}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 3}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	rec := ds.Records[0]
	assert.Equal(t, ingest.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, defaultPop, rec.ResolvedPopulationID)
	assert.Equal(t, string(population.SourceExplicitInvalidFallback), rec.PopulationSource,
		"fallback must never be reported as plain default")
	assert.Equal(t, 1, dir.callCount())
	assert.Equal(t, []string{defaultPop}, dir.populations)
}

func TestRunNoPopulationNoDefaultSkips(t *testing.T) {
	// No population and no default - skip before any API call
	ds := parseCSV(t, "username,email\njdoe,jdoe@example.com\n")

	dir := &scriptedDirectory{}
	r := newTestRunner(RunnerConfig{RetryLimit: 3}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	rec := ds.Records[0]
	assert.Equal(t, ingest.OutcomeSkipped, rec.Outcome)
	assert.Equal(t, "no population available", rec.ErrorDetail)
	assert.Equal(t, 0, dir.callCount(), "a skipped record must make zero API calls")

	counts := s.Counts()
	assert.Equal(t, StatusCompleted, s.Status(), "skips never fail the batch")
	assert.Equal(t, 1, counts.Skipped)
	assert.Equal(t, 1, counts.Processed)
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	// Rate-limited twice, then success
	ds := parseCSV(t, "username,email\njdoe,jdoe@example.com\n")

	dir := &scriptedDirectory{script: map[string][]error{
		"jdoe": {transientErr(), transientErr()},
	}}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 3}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	rec := ds.Records[0]
	assert.Equal(t, ingest.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, 3, dir.callCount())
	assert.Equal(t, 1, s.Counts().Succeeded)
}

func TestRunTerminalErrorIsNotRetried(t *testing.T) {
	ds := parseCSV(t, "username,email\njdoe,jdoe@example.com\n")

	dir := &scriptedDirectory{script: map[string][]error{
		"jdoe": {terminalErr()},
	}}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 3}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	rec := ds.Records[0]
	assert.Equal(t, ingest.OutcomeError, rec.Outcome)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, 1, dir.callCount())

	// Per-record failures never fail the session
	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, 1, s.Counts().Failed)
}

func TestRunExhaustedRetriesBecomeTerminal(t *testing.T) {
	ds := parseCSV(t, "username,email\njdoe,jdoe@example.com\n")

	dir := &scriptedDirectory{script: map[string][]error{
		"jdoe": {transientErr(), transientErr(), transientErr(), transientErr(), transientErr()},
	}}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 2}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	rec := ds.Records[0]
	assert.Equal(t, ingest.OutcomeError, rec.Outcome)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, 3, dir.callCount(), "initial call plus two retries")
	assert.Equal(t, 1, s.Counts().Failed)
}

func TestRunOneEventPerRecordNotPerAttempt(t *testing.T) {
	// Observers must not see retry noise
	ds := parseCSV(t, "username,email\njdoe,jdoe@example.com\n")

	dir := &scriptedDirectory{script: map[string][]error{
		"jdoe": {transientErr(), transientErr()},
	}}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 3}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	events := s.Log().EventsSince(0)
	require.Len(t, events, 2, "one progress event for the record plus the terminal event")
	assert.Equal(t, progress.KindProgress, events[0].Kind)
	assert.Equal(t, 2, events[0].LastRecord.RetryCount)
	assert.Equal(t, progress.KindCompleted, events[1].Kind)
}

func TestRunCancellationHonoredAtRecordBoundary(t *testing.T) {
	ds := parseCSV(t, "username,email\nuser1,a@b.c\nuser2,a@b.c\nuser3,a@b.c\n")

	dir := &scriptedDirectory{}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 3}, dir)
	s := New(ds, testLogger())
	// The in-flight record finishes; cancellation lands before the next one
	dir.onSubmit = func(rec *ingest.Record) {
		if rec.UniqueValue == "user1" {
			s.RequestCancel()
		}
	}

	require.NoError(t, r.Run(context.Background(), s))

	assert.Equal(t, StatusCancelled, s.Status())
	counts := s.Counts()
	assert.Equal(t, 1, counts.Processed, "the record in flight when cancel arrived still finished")
	assert.Equal(t, ingest.OutcomeSuccess, ds.Records[0].Outcome)
	assert.Equal(t, ingest.OutcomePending, ds.Records[1].Outcome, "records past the boundary stay untouched")
	assert.Equal(t, 1, dir.callCount())

	events := s.Log().EventsSince(0)
	require.NotEmpty(t, events)
	assert.Equal(t, progress.KindCancelled, events[len(events)-1].Kind)
}

func TestRunEventsAreOrderedSnapshots(t *testing.T) {
	ds := parseCSV(t, "username,email\nu1,a@b.c\nu2,a@b.c\nu3,a@b.c\nu4,a@b.c\n")

	dir := &scriptedDirectory{}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 3}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	events := s.Log().EventsSince(0)
	require.Len(t, events, 5)

	prevProcessed := -1
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.GreaterOrEqual(t, ev.Counts.Processed, prevProcessed,
			"processed must be non-decreasing across events")
		prevProcessed = ev.Counts.Processed
		assert.LessOrEqual(t, ev.Counts.Processed, ev.Counts.Total)
	}
}

func TestRunEmptyDatasetCompletesImmediately(t *testing.T) {
	ds := parseCSV(t, "username,email\n")

	dir := &scriptedDirectory{}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop}, dir)
	s := New(ds, testLogger())

	require.NoError(t, r.Run(context.Background(), s))

	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, 0, s.Counts().Total)
	assert.Equal(t, 0, dir.callCount())

	events := s.Log().EventsSince(0)
	require.Len(t, events, 1)
	assert.Equal(t, progress.KindCompleted, events[0].Kind)
}

func TestLaunchParseFailureNeverCreatesSession(t *testing.T) {
	reg := NewRegistry(time.Minute, testLogger())
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop}, &scriptedDirectory{})

	_, err := r.Launch(context.Background(), reg, strings.NewReader("email\nno-unique-column\n"), ingest.Options{
		UniqueColumn: "username",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrParse))
	assert.Empty(t, reg.ListActive(), "a parse failure must abort before any session exists")
}

func TestLaunchRunsSessionToCompletion(t *testing.T) {
	reg := NewRegistry(time.Minute, testLogger())
	dir := &scriptedDirectory{}
	r := newTestRunner(RunnerConfig{DefaultPopulationID: defaultPop, RetryLimit: 3}, dir)

	s, err := r.Launch(context.Background(), reg, strings.NewReader("username\njdoe\n"), ingest.Options{
		UniqueColumn: "username",
	})
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && s.Status() != StatusCompleted {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StatusCompleted, s.Status())

	got, err := reg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counts().Succeeded)
}
