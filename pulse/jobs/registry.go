package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/publish/db"
	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// MaxOrphanedJobsToRecover limits how many jobs left behind by a crash are
	// examined on start
	MaxOrphanedJobsToRecover = 1000
)

// Runner executes one job. The job's expiry and publish state are polled by
// the runner; the registry never interrupts it except through ctx on Stop.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, job *Job) error

// Run calls f(ctx, job)
func (f RunnerFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Config configures a Registry
type Config struct {
	Workers      int           // Concurrent jobs (default: 1)
	JobExpiry    time.Duration // Wall-clock budget applied at start; 0 = none
	HistoryLimit int           // Finished jobs kept after each run; 0 = keep all
	PollInterval time.Duration // How often progress is persisted and remote cancels are picked up (default: 1s)
	Recover      bool          // Finish interrupted jobs and re-queue waiting ones on Start
	StopTimeout  time.Duration // How long Stop waits for running jobs (default: 30s)
}

// ListFilter narrows List results
type ListFilter struct {
	State          *State
	CategoryPrefix string // default "publish"
	Limit          int
}

// Registry accepts publishing jobs, runs them on a fixed pool of workers and
// is the single entry point for cancelling them.
type Registry struct {
	store  *Store
	runner Runner
	cfg    Config
	logger *zap.SugaredLogger

	mu          sync.Mutex
	pending     []*Job
	active      map[string]*Job
	subscribers []chan Status
	wake        chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRegistry creates a registry. Call Start before submitting work that
// should run.
func NewRegistry(store *Store, runner Runner, cfg Config, log *zap.SugaredLogger) *Registry {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.ComponentLogger("jobs")
	}

	return &Registry{
		store:  store,
		runner: runner,
		cfg:    cfg,
		logger: log,
		active: make(map[string]*Job),
		wake:   make(chan struct{}, 1),
	}
}

// Start recovers jobs left behind by a previous process and starts the workers
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("registry already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	r.mu.Unlock()

	if r.cfg.Recover {
		if err := r.recoverOrphanedJobs(); err != nil {
			r.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
		}
	}

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.wg.Add(1)
	go r.pollRemoteCancels()

	r.logger.Debugw("Job registry started", "workers", r.cfg.Workers)
	return nil
}

// recoverOrphanedJobs finishes jobs stuck in "running" after a crash and
// re-queues jobs that never started
func (r *Registry) recoverOrphanedJobs() error {
	running := StateRunning
	orphaned, err := r.store.ListJobs(&running, MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list running jobs")
	}
	for _, st := range orphaned {
		job := fromStatus(st)
		job.AddMessage("Publishing job was interrupted by a shutdown")
		job.finish(OutcomeFailed, errors.New("interrupted"))
		if err := r.store.UpdateJob(job.Snapshot()); err != nil {
			r.logger.Warnw("Failed to finish orphaned job", logger.FieldJobID, st.Handle, logger.FieldError, err)
		}
	}

	queued := StateQueued
	waiting, err := r.store.ListJobs(&queued, MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list queued jobs")
	}

	r.mu.Lock()
	// ListJobs is newest first; the queue is oldest first
	for i := len(waiting) - 1; i >= 0; i-- {
		r.pending = append(r.pending, fromStatus(waiting[i]))
	}
	r.mu.Unlock()

	if len(orphaned) > 0 || len(waiting) > 0 {
		r.logger.Infow("Recovered jobs from previous run",
			"interrupted", len(orphaned),
			"requeued", len(waiting))
		r.signal()
	}
	return nil
}

// Stop cancels the worker context and waits for running jobs to return
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Debugw("Job registry stopped")
	case <-time.After(r.cfg.StopTimeout):
		r.logger.Warnw("Job registry stop timed out, jobs may still be running", "timeout", r.cfg.StopTimeout)
	}
}

// Submit persists a queued job and hands it to the workers
func (r *Registry) Submit(job *Job) error {
	st := job.Snapshot()
	if st.State != StateQueued {
		return errors.Wrapf(errors.ErrConflict, "job %s is %s, only queued jobs can be submitted", st.Handle, st.State)
	}

	if err := r.store.CreateJob(st); err != nil {
		err = errors.Wrap(err, "failed to submit job")
		return errors.WithDetail(err, fmt.Sprintf("Job name: %s", st.Name))
	}

	r.mu.Lock()
	r.pending = append(r.pending, job)
	r.mu.Unlock()

	r.notify(st)
	r.signal()

	r.logger.Infow("Publishing job queued", logger.FieldJobID, st.Handle, "name", st.Name, logger.FieldUser, st.Owner)
	return nil
}

// Lookup returns the live job if this registry holds it
func (r *Registry) Lookup(handle string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.active[handle]; ok {
		return job, true
	}
	for _, job := range r.pending {
		if job.Handle() == handle {
			return job, true
		}
	}
	return nil, false
}

// Get returns the current status of a job
func (r *Registry) Get(handle string) (Status, error) {
	if job, ok := r.Lookup(handle); ok {
		return job.Snapshot(), nil
	}
	return r.store.GetJob(handle)
}

// List returns publishing jobs newest first. Jobs held by this registry
// report live counters.
func (r *Registry) List(filter ListFilter) ([]Status, error) {
	prefix := filter.CategoryPrefix
	if prefix == "" {
		prefix = CategoryPublish
	}

	stored, err := r.store.ListJobs(filter.State, filter.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(stored))
	for _, st := range stored {
		if job, ok := r.Lookup(st.Handle); ok {
			st = job.Snapshot()
			if filter.State != nil && st.State != *filter.State {
				continue
			}
		}
		if !hasCategoryPrefix(st.Category, prefix) {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Wait blocks until the job finishes or ctx is done
func (r *Registry) Wait(ctx context.Context, handle string) (Status, error) {
	job, ok := r.Lookup(handle)
	if !ok {
		st, err := r.store.GetJob(handle)
		if err != nil {
			return Status{}, err
		}
		if !st.IsDone() {
			return st, errors.Newf("job %s is not owned by this process", handle)
		}
		return st, nil
	}

	select {
	case <-job.Done():
		return job.Snapshot(), nil
	case <-ctx.Done():
		return job.Snapshot(), ctx.Err()
	}
}

// Cancel forces a publishing job to finish. A queued job is removed from the
// pending set and finished immediately; a running job has its expiry set to
// now so its walker soft-stops at the next item.
func (r *Registry) Cancel(handle, user string) error {
	if user == "" {
		return errors.Precondition("user")
	}

	if ok, err := r.CancelQueued(handle, user); ok || err != nil {
		return err
	}

	r.mu.Lock()
	job, active := r.active[handle]
	r.mu.Unlock()

	var st Status
	if active {
		if !job.requestStop(user, time.Now()) {
			return errors.Wrapf(errors.ErrConflict, "job %s already finished", handle)
		}
		st = job.Snapshot()
		if err := r.store.UpdateJob(st); err != nil {
			r.logger.Warnw("Failed to persist cancel request", logger.FieldJobID, handle, logger.FieldError, err)
		}
		r.notify(st)
	} else {
		var err error
		st, err = r.store.RequestStop(handle, user, time.Now())
		if errors.IsNotFoundError(err) {
			r.logger.Warnw("Publish cancel: Failed to cancel a publishing job. The job was not found.", logger.FieldJobID, handle)
			return err
		}
		if err != nil {
			return err
		}
		r.notify(st)
	}

	r.auditCancel(st, user)
	return nil
}

// CancelQueued removes a job from the pending set and finishes it. Returns
// false when the job is not queued in this registry.
func (r *Registry) CancelQueued(handle, user string) (bool, error) {
	r.mu.Lock()
	var job *Job
	for i, pending := range r.pending {
		if pending.Handle() == handle {
			job = pending
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if job == nil {
		return false, nil
	}
	if !job.cancelQueued(user) {
		return false, errors.Wrapf(errors.ErrConflict, "job %s already finished", handle)
	}

	st := job.Snapshot()
	if err := r.store.UpdateJob(st); err != nil {
		return true, errors.Wrap(err, "failed to persist cancelled job")
	}
	r.notify(st)
	r.auditCancel(st, user)
	return true, nil
}

// CancelAll cancels every unfinished publishing job and returns how many were
// cancelled
func (r *Registry) CancelAll(user string) (int, error) {
	queued, running := StateQueued, StateRunning
	var handles []string
	for _, state := range []*State{&queued, &running} {
		jobs, err := r.List(ListFilter{State: state})
		if err != nil {
			return 0, err
		}
		for _, st := range jobs {
			handles = append(handles, st.Handle)
		}
	}

	cancelled := 0
	var errs error
	for _, handle := range handles {
		err := r.Cancel(handle, user)
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, errors.ErrConflict), errors.IsNotFoundError(err):
			// finished or cleaned up between listing and cancelling
		default:
			if errs == nil {
				errs = err
			} else {
				errs = errors.WithSecondaryError(errs, err)
			}
		}
	}

	r.logger.Infof("Publish cancel: %d publishing related jobs were cancelled. User: %s", cancelled, user)
	return cancelled, errs
}

func (r *Registry) auditCancel(st Status, user string) {
	r.logger.Infow(fmt.Sprintf("Publish cancel: Publishing job %q was forced to finish by %q user", st.Category+"/"+st.Name, user),
		logger.FieldJobID, st.Handle,
		logger.FieldState, st.State)
}

// Subscribe returns a channel receiving a status snapshot on every job
// transition. Slow subscribers miss updates rather than block workers.
func (r *Registry) Subscribe() <-chan Status {
	ch := make(chan Status, SubscriberChannelBufferSize)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel
func (r *Registry) Unsubscribe(ch <-chan Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (r *Registry) notify(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscribers {
		select {
		case sub <- st:
		default:
		}
	}
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest pending job and marks it active
func (r *Registry) next() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.pending) > 0 {
		job := r.pending[0]
		r.pending = r.pending[1:]
		if !job.start(r.cfg.JobExpiry) {
			continue
		}
		r.active[job.Handle()] = job
		if len(r.pending) > 0 {
			r.signal()
		}
		return job
	}
	return nil
}

func (r *Registry) worker(id int) {
	defer r.wg.Done()

	for {
		job := r.next()
		if job == nil {
			select {
			case <-r.ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}

		r.execute(id, job)

		select {
		case <-r.ctx.Done():
			return
		default:
		}
	}
}

func (r *Registry) execute(workerID int, job *Job) {
	log := logger.ChildLogger(r.logger, logger.FieldJobID, job.Handle(), logger.FieldWorker, workerID)
	defer func() {
		r.mu.Lock()
		delete(r.active, job.Handle())
		r.mu.Unlock()
	}()

	ok, err := r.store.MarkRunning(job.Snapshot())
	if err != nil {
		log.Warnw("Failed to persist job start", logger.FieldError, err)
	} else if !ok {
		// Cancelled while it was being handed to this worker
		job.finish(OutcomeCanceled, nil)
		st := job.Snapshot()
		if err := r.store.UpdateJob(st); err != nil {
			log.Warnw("Failed to persist cancelled job", logger.FieldError, err)
		}
		r.notify(st)
		log.Infow("Publishing job was cancelled before it started")
		return
	}
	r.notify(job.Snapshot())
	log.Infow("Publishing job started")

	runErr := r.runner.Run(logger.WithJobID(r.ctx, job.Handle()), job)

	outcome := OutcomeCompleted
	if runErr != nil {
		outcome = OutcomeFailed
		if errors.IsPublishStopped(runErr) {
			outcome = OutcomeStopped
		}
	}
	job.finish(outcome, runErr)

	st := job.Snapshot()
	if err := r.store.UpdateJob(st); err != nil {
		if db.IsDatabaseClosed(err) {
			log.Debugw("Database closed before finished job was persisted", logger.FieldError, err)
		} else {
			log.Warnw("Failed to persist finished job", logger.FieldError, err)
		}
	}
	r.notify(st)

	if runErr != nil {
		log.Warnw("Publishing job failed", logger.FieldOutcome, st.Outcome, logger.FieldError, runErr)
	} else {
		log.Infow("Publishing job finished",
			logger.FieldOutcome, st.Outcome,
			logger.FieldProcessed, st.Processed,
			logger.FieldTotal, st.Total)
	}

	if r.cfg.HistoryLimit > 0 {
		if deleted, err := r.store.CleanupOldJobs(r.cfg.HistoryLimit); err != nil {
			log.Warnw("Failed to clean up job history", logger.FieldError, err)
		} else if deleted > 0 {
			log.Debugw("Cleaned up job history", logger.FieldCount, deleted)
		}
	}
}

// pollRemoteCancels persists progress of running jobs and applies cancels
// recorded by other processes (for example `publish jobs cancel`) to the jobs
// this registry holds
func (r *Registry) pollRemoteCancels() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.persistProgress()
			r.syncRemoteCancels()
		}
	}
}

func (r *Registry) syncRemoteCancels() {
	r.mu.Lock()
	held := make([]*Job, 0, len(r.active)+len(r.pending))
	for _, job := range r.active {
		held = append(held, job)
	}
	held = append(held, r.pending...)
	r.mu.Unlock()

	for _, job := range held {
		stored, err := r.store.GetJob(job.Handle())
		if err != nil {
			continue
		}
		if !stored.StopRequested() {
			continue
		}

		switch job.State() {
		case StateQueued:
			r.mu.Lock()
			for i, pending := range r.pending {
				if pending == job {
					r.pending = append(r.pending[:i], r.pending[i+1:]...)
					break
				}
			}
			r.mu.Unlock()
			if job.cancelQueued(stored.StopRequestedBy) {
				r.notify(job.Snapshot())
			}
		case StateRunning:
			if job.Snapshot().StopRequested() {
				continue
			}
			if job.requestStop(stored.StopRequestedBy, time.Now()) {
				r.logger.Infow("Applied cancel from another process", logger.FieldJobID, job.Handle(), logger.FieldUser, stored.StopRequestedBy)
				r.notify(job.Snapshot())
			}
		}
	}
}

func (r *Registry) persistProgress() {
	r.mu.Lock()
	running := make([]*Job, 0, len(r.active))
	for _, job := range r.active {
		running = append(running, job)
	}
	r.mu.Unlock()

	for _, job := range running {
		st := job.Snapshot()
		if err := r.store.UpdateProgress(st.Handle, st.Processed, st.Total); err != nil && !db.IsDatabaseClosed(err) {
			r.logger.Debugw("Failed to persist job progress", logger.FieldJobID, st.Handle, logger.FieldError, err)
		}
	}
}
