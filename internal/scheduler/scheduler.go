// Package scheduler owns the timing of every recurring job: one job per
// active search plus the two maintenance sweeps.
//
// Fires are dispatched by robfig/cron in UTC. Each job key runs at most once
// at a time; a fire that arrives while the previous execution is still busy
// is dropped, so missed fires collapse into the next one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/settings"
	"marketwatch/watcher-service/internal/store"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrAlreadyRunning = errors.New("job already running")
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetSearch(ctx context.Context, id int64) (model.Search, error)
	ListActiveSearches(ctx context.Context) ([]model.Search, error)
	TouchSearch(ctx context.Context, t store.SearchTouch) error
	InsertJobRun(ctx context.Context, run model.JobRun) error
	FinishJobRun(ctx context.Context, run model.JobRun) error
}

// SearchRunner executes one pipeline pass. *scraper.Worker implements it.
type SearchRunner interface {
	Run(ctx context.Context, search model.Search, snap settings.Snapshot) (model.RunMetrics, error)
}

// Maintainer runs the sweeps. *maintenance.Sweeper implements it.
type Maintainer interface {
	Retention(ctx context.Context, snap settings.Snapshot) (model.RunMetrics, error)
	Aging(ctx context.Context, snap settings.Snapshot) (model.RunMetrics, error)
}

// Alerter broadcasts failure alerts. *notify.Fanout implements it.
type Alerter interface {
	Alert(ctx context.Context, alert model.Alert) map[string]bool
}

// SettingsProvider hands out the snapshot each execution works with.
type SettingsProvider interface {
	Current() settings.Snapshot
	Reload(ctx context.Context) (settings.Snapshot, error)
}

// Recorder receives execution metrics. *metrics.Metrics implements it.
type Recorder interface {
	ObserveRun(run model.JobRun)
	ObserveSkip(kind model.JobKind)
	ForgetJob(key model.JobKey)
}

// Deps are the collaborators of a Scheduler. Maintainer, Alerter and
// Metrics may be nil; Counter defaults to a MemoryCounter.
type Deps struct {
	Store      Store
	Settings   SettingsProvider
	Runner     SearchRunner
	Maintainer Maintainer
	Alerter    Alerter
	Counter    ErrorCounter
	Metrics    Recorder
}

// Options tunes the maintenance triggers.
type Options struct {
	CleanupCron          string // standard 5-field expression, UTC
	AgingIntervalMinutes int
}

type jobFunc func(ctx context.Context, snap settings.Snapshot, manual bool) (model.RunMetrics, error)

type job struct {
	key     model.JobKey
	label   string
	trigger model.Trigger
	run     jobFunc
	entry   cron.EntryID
	state   State
	paused  bool   // pause requested while running
	gen     uint64 // removal generation of key when the execution started
}

// Scheduler wraps robfig/cron and tracks per-job state.
type Scheduler struct {
	cron *cron.Cron
	deps Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	jobs     map[string]*job
	inflight map[string]bool
	removals map[string]uint64
	running  bool
	stopped  bool
	wg       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler. Nothing fires until Start.
func New(deps Deps, opts Options, log *zap.Logger) *Scheduler {
	log = log.Named("scheduler")
	if deps.Counter == nil {
		deps.Counter = NewMemoryCounter()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if opts.CleanupCron == "" {
		opts.CleanupCron = "0 1 * * *"
	}
	if opts.AgingIntervalMinutes <= 0 {
		opts.AgingIntervalMinutes = 60
	}
	clog := cronLogger{s: log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog)),
		),
		deps:     deps,
		opts:     opts,
		log:      log,
		now:      time.Now,
		jobs:     make(map[string]*job),
		inflight: make(map[string]bool),
		removals: make(map[string]uint64),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Start registers a job for every active search and the two maintenance
// jobs, then starts dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	prev := s.cancel
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()
	prev()

	searches, err := s.deps.Store.ListActiveSearches(ctx)
	if err != nil {
		return fmt.Errorf("list active searches: %w", err)
	}
	for _, search := range searches {
		if err := s.AddOrReplaceSearchJob(ctx, search); err != nil {
			s.log.Error("failed to schedule search", zap.Int64("search_id", search.ID), zap.Error(err))
		}
	}

	if s.deps.Maintainer != nil {
		cleanup := model.JobKey{Kind: model.JobKindCleanup, Key: model.CleanupJobKey}
		if err := s.addJob(cleanup, "retention cleanup", model.Trigger{Cron: s.opts.CleanupCron},
			func(ctx context.Context, snap settings.Snapshot, _ bool) (model.RunMetrics, error) {
				return s.deps.Maintainer.Retention(ctx, snap)
			}); err != nil {
			return err
		}
		aging := model.JobKey{Kind: model.JobKindMaintenance, Key: model.AgingJobKey}
		if err := s.addJob(aging, "notified aging", model.Trigger{IntervalMinutes: s.opts.AgingIntervalMinutes},
			func(ctx context.Context, snap settings.Snapshot, _ bool) (model.RunMetrics, error) {
				return s.deps.Maintainer.Aging(ctx, snap)
			}); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.mu.Lock()
	s.running = true
	count := len(s.jobs)
	s.mu.Unlock()
	s.log.Info("scheduler started", zap.Int("jobs", count))
	return nil
}

// Stop halts dispatching and waits for in-flight executions. If ctx expires
// first, running executions are cancelled and ctx.Err() is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.running = false
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out, cancelling running jobs")
		return ctx.Err()
	}
}

// ── Search jobs ────────────────────────────────────────────────────────────

// AddOrReplaceSearchJob schedules search with its current interval. An
// inactive search has its job removed instead.
func (s *Scheduler) AddOrReplaceSearchJob(ctx context.Context, search model.Search) error {
	if !search.Active {
		err := s.RemoveSearchJob(ctx, search.ID)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		return err
	}
	return s.addJob(model.SearchJobKey(search.ID), search.Name,
		model.Trigger{IntervalMinutes: search.IntervalMinutes}, s.searchJob(search.ID))
}

// SyncSearch re-reads search id from the store and reschedules it, removing
// the job when the search is gone or inactive.
func (s *Scheduler) SyncSearch(ctx context.Context, id int64) error {
	search, err := s.deps.Store.GetSearch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		err = s.RemoveSearchJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("load search %d: %w", id, err)
	}
	return s.AddOrReplaceSearchJob(ctx, search)
}

// RemoveSearchJob unschedules the search and forgets its error count. A run
// already in progress is allowed to finish.
func (s *Scheduler) RemoveSearchJob(ctx context.Context, id int64) error {
	key := model.SearchJobKey(id)
	s.mu.Lock()
	j, ok := s.jobs[key.String()]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	if j.entry != 0 {
		s.cron.Remove(j.entry)
	}
	_ = transition(&j.state, StateRemoved)
	delete(s.jobs, key.String())
	s.removals[key.String()]++
	s.mu.Unlock()

	if err := s.deps.Counter.Clear(ctx, key); err != nil {
		s.log.Warn("failed to clear error counter", zap.String("job", key.String()), zap.Error(err))
	}
	s.deps.Metrics.ForgetJob(key)
	s.log.Info("search job removed", zap.Int64("search_id", id))
	return nil
}

// PauseSearchJob stops future fires without forgetting the job.
func (s *Scheduler) PauseSearchJob(id int64) error {
	key := model.SearchJobKey(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	switch {
	case j.state == StateRunning && !j.paused:
		j.paused = true
	case j.state == StateScheduled:
		if err := transition(&j.state, StatePaused); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: cannot pause %s job", ErrInvalidTransition, j.state)
	}
	s.cron.Remove(j.entry)
	j.entry = 0
	s.log.Info("search job paused", zap.Int64("search_id", id))
	return nil
}

// ResumeSearchJob re-registers a paused job's trigger.
func (s *Scheduler) ResumeSearchJob(id int64) error {
	key := model.SearchJobKey(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	if j.state != StatePaused && !(j.state == StateRunning && j.paused) {
		return fmt.Errorf("%w: cannot resume %s job", ErrInvalidTransition, j.state)
	}
	if err := s.registerLocked(j); err != nil {
		return err
	}
	if j.state == StatePaused {
		if err := transition(&j.state, StateScheduled); err != nil {
			return err
		}
	}
	j.paused = false
	s.log.Info("search job resumed", zap.Int64("search_id", id))
	return nil
}

// RunNow starts an immediate execution of search id in the background.
// Inactive searches may be run manually.
func (s *Scheduler) RunNow(ctx context.Context, id int64) error {
	search, err := s.deps.Store.GetSearch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: search %d", ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load search %d: %w", id, err)
	}

	key := model.SearchJobKey(id)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("scheduler is stopped")
	}
	if !s.acquireLocked(key) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	base := s.baseCtx
	gen := s.removals[key.String()]
	s.mu.Unlock()

	spec := &job{key: key, label: search.Name, run: s.searchJob(id), gen: gen}
	go s.execute(base, spec, true)
	s.log.Info("manual run started", zap.Int64("search_id", id))
	return nil
}

func (s *Scheduler) searchJob(id int64) jobFunc {
	return func(ctx context.Context, snap settings.Snapshot, manual bool) (model.RunMetrics, error) {
		search, err := s.deps.Store.GetSearch(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return model.RunMetrics{}, fmt.Errorf("search %d no longer exists", id)
		}
		if err != nil {
			return model.RunMetrics{}, fmt.Errorf("load search %d: %w", id, err)
		}
		if !search.Active && !manual {
			return model.RunMetrics{}, fmt.Errorf("search %d is inactive", id)
		}

		metrics, runErr := s.deps.Runner.Run(ctx, search, snap)

		touch := store.SearchTouch{SearchID: id, RanAt: s.now().UTC(), Success: runErr == nil}
		if err := s.deps.Store.TouchSearch(context.WithoutCancel(ctx), touch); err != nil {
			s.log.Warn("failed to record search run time", zap.Int64("search_id", id), zap.Error(err))
		}
		return metrics, runErr
	}
}

// ── Registration ───────────────────────────────────────────────────────────

// addJob registers or replaces the job under key. Replacing keeps a running
// execution and a paused state untouched.
func (s *Scheduler) addJob(key model.JobKey, label string, trigger model.Trigger, run jobFunc) error {
	if _, err := trigger.Spec(); err != nil {
		return fmt.Errorf("job %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[key.String()]
	if !exists {
		j = &job{key: key, state: StateUnscheduled}
	}
	if j.entry != 0 {
		s.cron.Remove(j.entry)
		j.entry = 0
	}
	j.label = label
	j.trigger = trigger
	j.run = run

	if j.state == StatePaused || (j.state == StateRunning && j.paused) {
		s.jobs[key.String()] = j
		return nil
	}
	if err := s.registerLocked(j); err != nil {
		return err
	}
	if j.state == StateUnscheduled {
		if err := transition(&j.state, StateScheduled); err != nil {
			return err
		}
	}
	s.jobs[key.String()] = j
	s.log.Info("job scheduled",
		zap.String("job", key.String()),
		zap.String("label", label),
		zap.Int("interval_minutes", trigger.IntervalMinutes),
		zap.String("cron", trigger.Cron))
	return nil
}

func (s *Scheduler) registerLocked(j *job) error {
	spec, err := j.trigger.Spec()
	if err != nil {
		return fmt.Errorf("job %s: %w", j.key, err)
	}
	key := j.key
	id, err := s.cron.AddFunc(spec, func() { s.fire(key) })
	if err != nil {
		return fmt.Errorf("cron.AddFunc %s: %w", key, err)
	}
	j.entry = id
	return nil
}

// ── Execution ──────────────────────────────────────────────────────────────

// fire is the cron callback. cron already runs it on its own goroutine.
func (s *Scheduler) fire(key model.JobKey) {
	s.mu.Lock()
	j, ok := s.jobs[key.String()]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	if !s.acquireLocked(key) {
		s.mu.Unlock()
		s.log.Info("previous run still in progress, skipping fire", zap.String("job", key.String()))
		s.deps.Metrics.ObserveSkip(key.Kind)
		return
	}
	spec := *j
	spec.gen = s.removals[key.String()]
	base := s.baseCtx
	s.mu.Unlock()

	s.execute(base, &spec, false)
}

// acquireLocked marks key in flight. Caller holds s.mu.
func (s *Scheduler) acquireLocked(key model.JobKey) bool {
	if s.inflight[key.String()] {
		return false
	}
	s.inflight[key.String()] = true
	s.wg.Add(1)
	if j, ok := s.jobs[key.String()]; ok && j.state != StateRunning {
		_ = transition(&j.state, StateRunning)
	}
	return true
}

// removedSince reports whether key was removed after generation gen.
func (s *Scheduler) removedSince(key model.JobKey, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removals[key.String()] != gen
}

func (s *Scheduler) release(key model.JobKey) {
	s.mu.Lock()
	delete(s.inflight, key.String())
	if j, ok := s.jobs[key.String()]; ok && j.state == StateRunning {
		next := StateScheduled
		if j.paused || j.entry == 0 {
			next = StatePaused
			j.paused = false
		}
		_ = transition(&j.state, next)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// execute runs one job under the audit wrapper. The JobRun is finished
// exactly once, including when the job panics.
func (s *Scheduler) execute(ctx context.Context, j *job, manual bool) {
	defer s.release(j.key)
	log := s.log.With(zap.String("job", j.key.String()), zap.Bool("manual", manual))

	snap, err := s.deps.Settings.Reload(ctx)
	if err != nil {
		log.Warn("settings reload failed, using previous snapshot", zap.Error(err))
		snap = s.deps.Settings.Current()
	}

	start := s.now().UTC()
	run := model.JobRun{
		ID:        uuid.NewString(),
		Key:       j.key,
		Label:     j.label,
		Manual:    manual,
		StartedAt: start,
		Status:    model.RunStatusRunning,
	}
	persist := context.WithoutCancel(ctx)
	if err := s.deps.Store.InsertJobRun(persist, run); err != nil {
		log.Warn("failed to open job run record", zap.Error(err))
	}

	metrics, runErr := invoke(ctx, j.run, snap, manual)

	finished := s.now().UTC()
	run.FinishedAt = &finished
	run.Duration = finished.Sub(start)
	run.Metrics = metrics

	if runErr == nil {
		run.Status = model.RunStatusSuccess
		if err := s.deps.Counter.Reset(persist, j.key); err != nil {
			log.Warn("failed to reset error counter", zap.Error(err))
		}
	} else {
		run.Status = model.RunStatusError
		run.Error = runErr.Error()
		count, err := s.deps.Counter.Increment(persist, j.key)
		if err != nil {
			log.Warn("failed to increment error counter", zap.Error(err))
		}
		// The job was removed while running; its streak must not outlive it.
		if s.removedSince(j.key, j.gen) {
			if err := s.deps.Counter.Clear(persist, j.key); err != nil {
				log.Warn("failed to clear error counter", zap.Error(err))
			}
			count = 0
		}
		run.ErrorCount = count
	}

	if err := s.deps.Store.FinishJobRun(persist, run); err != nil {
		log.Warn("failed to close job run record", zap.Error(err))
	}

	if runErr != nil {
		log.Error("job failed",
			zap.Error(runErr),
			zap.Int("consecutive_errors", run.ErrorCount),
			zap.Duration("duration", run.Duration))
		if snap.Alert.Enabled && s.deps.Alerter != nil && run.ErrorCount >= snap.Alert.Threshold {
			s.deps.Alerter.Alert(persist, model.Alert{
				Key:        j.key,
				Label:      j.label,
				ErrorCount: run.ErrorCount,
				LastError:  run.Error,
			})
		}
	} else {
		log.Info("job finished", zap.Duration("duration", run.Duration))
	}
	s.deps.Metrics.ObserveRun(run)
}

func invoke(ctx context.Context, fn jobFunc, snap settings.Snapshot, manual bool) (m model.RunMetrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, snap, manual)
}

// ── Status ─────────────────────────────────────────────────────────────────

// NextRun is one upcoming fire.
type NextRun struct {
	Job   string        `json:"job"`
	Label string        `json:"label"`
	Kind  model.JobKind `json:"kind"`
	At    time.Time     `json:"at"`
}

// Status summarises the scheduler for the admin surface.
type Status struct {
	Running              bool      `json:"running"`
	JobsCount            int       `json:"jobs_count"`
	SearchJobsCount      int       `json:"search_jobs_count"`
	MaintenanceJobsCount int       `json:"maintenance_jobs_count"`
	PausedCount          int       `json:"paused_count"`
	InFlight             []string  `json:"in_flight"`
	NextRuns             []NextRun `json:"next_runs"`
}

// Status returns counts and the next n fires in ascending order.
func (s *Scheduler) Status(n int) Status {
	s.mu.Lock()
	st := Status{Running: s.running, JobsCount: len(s.jobs), InFlight: []string{}, NextRuns: []NextRun{}}
	byEntry := make(map[cron.EntryID]*job, len(s.jobs))
	for _, j := range s.jobs {
		if j.key.Kind == model.JobKindSearch {
			st.SearchJobsCount++
		} else {
			st.MaintenanceJobsCount++
		}
		if j.state == StatePaused || j.paused {
			st.PausedCount++
		}
		if j.entry != 0 {
			byEntry[j.entry] = j
		}
	}
	for k := range s.inflight {
		st.InFlight = append(st.InFlight, k)
	}
	s.mu.Unlock()
	sort.Strings(st.InFlight)

	for _, e := range s.cron.Entries() {
		j, ok := byEntry[e.ID]
		if !ok || e.Next.IsZero() {
			continue
		}
		st.NextRuns = append(st.NextRuns, NextRun{Job: j.key.String(), Label: j.label, Kind: j.key.Kind, At: e.Next})
	}
	sort.Slice(st.NextRuns, func(a, b int) bool { return st.NextRuns[a].At.Before(st.NextRuns[b].At) })
	if n >= 0 && len(st.NextRuns) > n {
		st.NextRuns = st.NextRuns[:n]
	}
	return st
}

// JobState returns the state of the job under key, for the admin surface.
func (s *Scheduler) JobState(key model.JobKey) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key.String()]
	if !ok {
		return "", false
	}
	return j.state, true
}

// ── Adapters ───────────────────────────────────────────────────────────────

type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(model.JobRun)   {}
func (nopRecorder) ObserveSkip(model.JobKind) {}
func (nopRecorder) ForgetJob(model.JobKey)    {}
