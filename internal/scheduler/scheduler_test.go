package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/scheduler"
	"marketwatch/watcher-service/internal/settings"
	"marketwatch/watcher-service/internal/store"
)

// fakeRunner returns results[i] on call i (nil once exhausted). When gate is
// set every call blocks until it is closed.
type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	results []error
	panicOn int
	gate    chan struct{}
	started chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, _ model.Search, _ settings.Snapshot) (model.RunMetrics, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return model.RunMetrics{}, ctx.Err()
		}
	}
	if call == r.panicOn {
		panic("runner exploded")
	}
	if call <= len(r.results) {
		return model.RunMetrics{Seen: 1}, r.results[call-1]
	}
	return model.RunMetrics{Seen: 1, New: 1}, nil
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (a *fakeAlerter) Alert(_ context.Context, alert model.Alert) map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return map[string]bool{"fake": true}
}

func (a *fakeAlerter) Counts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.ErrorCount)
	}
	return out
}

type fakeMaintainer struct {
	retentionErr error
}

func (m *fakeMaintainer) Retention(context.Context, settings.Snapshot) (model.RunMetrics, error) {
	if m.retentionErr != nil {
		return model.RunMetrics{}, m.retentionErr
	}
	return model.RunMetrics{Swept: 2}, nil
}

func (*fakeMaintainer) Aging(context.Context, settings.Snapshot) (model.RunMetrics, error) {
	return model.RunMetrics{Swept: 1}, nil
}

type skipRecorder struct {
	mu    sync.Mutex
	skips int
	runs  int
}

func (r *skipRecorder) ObserveRun(model.JobRun) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
}

func (r *skipRecorder) ObserveSkip(model.JobKind) {
	r.mu.Lock()
	r.skips++
	r.mu.Unlock()
}

func (r *skipRecorder) ForgetJob(model.JobKey) {}

type fixture struct {
	store      *store.Memory
	runner     *fakeRunner
	alerter    *fakeAlerter
	maintainer *fakeMaintainer
	counter    *scheduler.MemoryCounter
	sched      *scheduler.Scheduler
}

func newFixture(t *testing.T, runner *fakeRunner, rec scheduler.Recorder) *fixture {
	t.Helper()
	st := store.NewMemory()
	st.PutSearch(model.Search{ID: 1, Name: "sneakers", IntervalMinutes: 5, Active: true})
	st.PutSearch(model.Search{ID: 2, Name: "jackets", IntervalMinutes: 10, Active: true})
	st.PutSearch(model.Search{ID: 3, Name: "paused", IntervalMinutes: 10, Active: false})

	provider, err := settings.NewProvider(st, settings.Patch{}, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		store:      st,
		runner:     runner,
		alerter:    &fakeAlerter{},
		maintainer: &fakeMaintainer{},
		counter:    scheduler.NewMemoryCounter(),
	}
	f.sched = scheduler.New(scheduler.Deps{
		Store:      st,
		Settings:   provider,
		Runner:     runner,
		Maintainer: f.maintainer,
		Alerter:    f.alerter,
		Counter:    f.counter,
		Metrics:    rec,
	}, scheduler.Options{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.sched.Stop(ctx)
	})
	return f
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.sched.Status(0).InFlight) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) runAndWait(t *testing.T, id int64) {
	t.Helper()
	require.NoError(t, f.sched.RunNow(context.Background(), id))
	f.waitIdle(t)
}

// ── Single-flight ──────────────────────────────────────────────────────────

func TestRunNow_SingleFlightPerKey(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	f := newFixture(t, runner, nil)
	ctx := context.Background()

	require.NoError(t, f.sched.RunNow(ctx, 1))
	<-runner.started

	err := f.sched.RunNow(ctx, 1)
	assert.ErrorIs(t, err, scheduler.ErrAlreadyRunning)

	// A different key runs concurrently.
	require.NoError(t, f.sched.RunNow(ctx, 2))
	<-runner.started

	close(runner.gate)
	f.waitIdle(t)
	assert.Equal(t, 2, runner.Calls())

	f.runAndWait(t, 1)
	assert.Equal(t, 3, runner.Calls())
}

func TestFire_SkippedWhileRunning(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan struct{}, 2)}
	rec := &skipRecorder{}
	f := newFixture(t, runner, rec)
	ctx := context.Background()
	require.NoError(t, f.sched.AddOrReplaceSearchJob(ctx, model.Search{ID: 1, Name: "sneakers", IntervalMinutes: 5, Active: true}))

	require.NoError(t, f.sched.RunNow(ctx, 1))
	<-runner.started

	f.sched.Fire(model.SearchJobKey(1))
	assert.Equal(t, 1, rec.skips)

	close(runner.gate)
	f.waitIdle(t)
	assert.Equal(t, 1, runner.Calls())
}

func TestRunNow_MissingSearch(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	err := f.sched.RunNow(context.Background(), 99)
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)
}

func TestRunNow_InactiveSearchAllowedManually(t *testing.T) {
	runner := &fakeRunner{}
	f := newFixture(t, runner, nil)
	f.runAndWait(t, 3)

	assert.Equal(t, 1, runner.Calls())
	n, err := f.counter.Get(context.Background(), model.SearchJobKey(3))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFire_InactiveSearchIsAnError(t *testing.T) {
	runner := &fakeRunner{}
	f := newFixture(t, runner, nil)
	ctx := context.Background()
	require.NoError(t, f.sched.AddOrReplaceSearchJob(ctx, model.Search{ID: 1, Name: "sneakers", IntervalMinutes: 5, Active: true}))

	// Deactivated in the store after scheduling.
	f.store.PutSearch(model.Search{ID: 1, Name: "sneakers", IntervalMinutes: 5, Active: false})
	f.sched.Fire(model.SearchJobKey(1))

	assert.Zero(t, runner.Calls())
	n, err := f.counter.Get(ctx, model.SearchJobKey(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// ── Error counting and alerts ──────────────────────────────────────────────

func TestCounter_FailuresThenSuccessResets(t *testing.T) {
	boom := errors.New("boom")
	runner := &fakeRunner{results: []error{boom, boom, boom}}
	f := newFixture(t, runner, nil)
	ctx := context.Background()
	key := model.SearchJobKey(1)

	for i := 1; i <= 3; i++ {
		f.runAndWait(t, 1)
		n, err := f.counter.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	f.runAndWait(t, 1)
	n, err := f.counter.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAlert_FiresAtAndAboveThreshold(t *testing.T) {
	boom := errors.New("catalog returned 500")
	runner := &fakeRunner{results: []error{boom, boom, boom, boom, boom}}
	f := newFixture(t, runner, nil)

	for range 5 {
		f.runAndWait(t, 1)
	}

	assert.Equal(t, []int{3, 4, 5}, f.alerter.Counts())
	f.alerter.mu.Lock()
	last := f.alerter.alerts[2]
	f.alerter.mu.Unlock()
	assert.Equal(t, "sneakers", last.Label)
	assert.Equal(t, "catalog returned 500", last.LastError)
}

func TestCounter_RemovedMidRunDoesNotKeepStreak(t *testing.T) {
	boom := errors.New("boom")
	runner := &fakeRunner{
		results: []error{boom, boom},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	f := newFixture(t, runner, nil)
	ctx := context.Background()
	key := model.SearchJobKey(1)
	search := model.Search{ID: 1, Name: "sneakers", IntervalMinutes: 5, Active: true}
	require.NoError(t, f.sched.AddOrReplaceSearchJob(ctx, search))

	require.NoError(t, f.sched.RunNow(ctx, 1))
	<-runner.started
	require.NoError(t, f.sched.RemoveSearchJob(ctx, 1))
	close(runner.gate)
	f.waitIdle(t)

	n, err := f.counter.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Re-added, the next failure starts a fresh streak.
	require.NoError(t, f.sched.AddOrReplaceSearchJob(ctx, search))
	f.runAndWait(t, 1)
	<-runner.started
	n, err = f.counter.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.alerter.Counts())
}

func TestCounter_MaintenanceFailuresCount(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	f.maintainer.retentionErr = errors.New("delete failed")
	ctx := context.Background()
	require.NoError(t, f.sched.Start(ctx))

	cleanup := model.JobKey{Kind: model.JobKindCleanup, Key: model.CleanupJobKey}
	for i := 1; i <= 3; i++ {
		f.sched.Fire(cleanup)
		n, err := f.counter.Get(ctx, cleanup)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	assert.Equal(t, []int{3}, f.alerter.Counts())

	f.maintainer.retentionErr = nil
	f.sched.Fire(cleanup)
	n, err := f.counter.Get(ctx, cleanup)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAlert_DisabledInSettings(t *testing.T) {
	boom := errors.New("boom")
	runner := &fakeRunner{results: []error{boom, boom, boom}}
	f := newFixture(t, runner, nil)
	f.store.PutSettings(settings.Patch{AlertEnabled: settings.Ptr(false)})

	for range 3 {
		f.runAndWait(t, 1)
	}
	assert.Empty(t, f.alerter.Counts())
}

func TestExecute_PanicRecordedAsError(t *testing.T) {
	runner := &fakeRunner{panicOn: 1}
	f := newFixture(t, runner, nil)
	f.runAndWait(t, 1)

	runs, err := f.store.RecentJobRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusError, runs[0].Status)
	assert.Contains(t, runs[0].Error, "panicked")
	assert.Equal(t, 1, runs[0].ErrorCount)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestExecute_RecordsJobRun(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	f.runAndWait(t, 2)

	runs, err := f.store.RecentJobRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusSuccess, runs[0].Status)
	assert.True(t, runs[0].Manual)
	assert.Equal(t, "jackets", runs[0].Label)
	assert.Equal(t, 1, runs[0].Metrics.New)

	search, err := f.store.GetSearch(context.Background(), 2)
	require.NoError(t, err)
	assert.NotNil(t, search.LastSuccessAt)
}

// ── Job management ─────────────────────────────────────────────────────────

func TestPauseResumeRemove(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	ctx := context.Background()
	key := model.SearchJobKey(1)
	require.NoError(t, f.sched.AddOrReplaceSearchJob(ctx, model.Search{ID: 1, Name: "sneakers", IntervalMinutes: 5, Active: true}))

	state, ok := f.sched.JobState(key)
	require.True(t, ok)
	assert.Equal(t, scheduler.StateScheduled, state)

	require.NoError(t, f.sched.PauseSearchJob(1))
	state, _ = f.sched.JobState(key)
	assert.Equal(t, scheduler.StatePaused, state)
	assert.ErrorIs(t, f.sched.PauseSearchJob(1), scheduler.ErrInvalidTransition)

	require.NoError(t, f.sched.ResumeSearchJob(1))
	state, _ = f.sched.JobState(key)
	assert.Equal(t, scheduler.StateScheduled, state)
	assert.ErrorIs(t, f.sched.ResumeSearchJob(1), scheduler.ErrInvalidTransition)

	require.NoError(t, f.sched.RemoveSearchJob(ctx, 1))
	_, ok = f.sched.JobState(key)
	assert.False(t, ok)
	assert.ErrorIs(t, f.sched.RemoveSearchJob(ctx, 1), scheduler.ErrJobNotFound)
	assert.ErrorIs(t, f.sched.PauseSearchJob(1), scheduler.ErrJobNotFound)
}

func TestAddOrReplace_InactiveRemovesJob(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	ctx := context.Background()
	search := model.Search{ID: 1, Name: "sneakers", IntervalMinutes: 5, Active: true}
	require.NoError(t, f.sched.AddOrReplaceSearchJob(ctx, search))

	search.Active = false
	require.NoError(t, f.sched.AddOrReplaceSearchJob(ctx, search))
	_, ok := f.sched.JobState(model.SearchJobKey(1))
	assert.False(t, ok)
}

func TestAddOrReplace_RejectsZeroInterval(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	err := f.sched.AddOrReplaceSearchJob(context.Background(), model.Search{ID: 7, Name: "x", Active: true})
	assert.Error(t, err)
}

func TestSyncSearch(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	ctx := context.Background()

	require.NoError(t, f.sched.SyncSearch(ctx, 1))
	_, ok := f.sched.JobState(model.SearchJobKey(1))
	assert.True(t, ok)

	f.store.PutSearch(model.Search{ID: 1, Name: "sneakers", IntervalMinutes: 5, Active: false})
	require.NoError(t, f.sched.SyncSearch(ctx, 1))
	_, ok = f.sched.JobState(model.SearchJobKey(1))
	assert.False(t, ok)

	// Unknown ids are a no-op.
	require.NoError(t, f.sched.SyncSearch(ctx, 404))
}

// ── Start / Status / Stop ──────────────────────────────────────────────────

func TestStart_RegistersSearchAndMaintenanceJobs(t *testing.T) {
	f := newFixture(t, &fakeRunner{}, nil)
	require.NoError(t, f.sched.Start(context.Background()))

	st := f.sched.Status(3)
	assert.True(t, st.Running)
	assert.Equal(t, 4, st.JobsCount)
	assert.Equal(t, 2, st.SearchJobsCount)
	assert.Equal(t, 2, st.MaintenanceJobsCount)
	assert.Zero(t, st.PausedCount)
	require.Len(t, st.NextRuns, 3)
	for i := 1; i < len(st.NextRuns); i++ {
		assert.False(t, st.NextRuns[i].At.Before(st.NextRuns[i-1].At))
	}

	require.NoError(t, f.sched.PauseSearchJob(2))
	st = f.sched.Status(10)
	assert.Equal(t, 1, st.PausedCount)
	assert.Len(t, st.NextRuns, 3)
}

func TestStop_WaitsForInFlightRuns(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, runner, nil)
	require.NoError(t, f.sched.Start(context.Background()))
	require.NoError(t, f.sched.RunNow(context.Background(), 1))
	<-runner.started

	stopped := make(chan error, 1)
	go func() { stopped <- f.sched.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.gate)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run finished")
	}

	runs, err := f.store.RecentJobRuns(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, runs[0].Status)
	assert.Error(t, f.sched.RunNow(context.Background(), 1))
}

func TestStop_TimeoutCancelsRuns(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, runner, nil)
	require.NoError(t, f.sched.Start(context.Background()))
	require.NoError(t, f.sched.RunNow(context.Background(), 1))
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.sched.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Cancellation reaches the runner, which records a failed run.
	f.waitIdle(t)
	runs, err := f.store.RecentJobRuns(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, runs[0].Status)
}
