package publish

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/publish/logger"
)

// Job is the slice of a publishing job the walker needs: the expiry and
// finished flag it polls, and the counters it writes.
type Job interface {
	Expiry() time.Time
	Finished() bool
	IncrementProcessed()
	Processed() int64
	SetTotal(total int64)
	Total() int64
	AddMessage(msg string)
}

// Counts are the per-operation totals of a run
type Counts struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
	Deleted int64 `json:"deleted"`
	Skipped int64 `json:"skipped"`
}

// Total is the number of classified items
func (c Counts) Total() int64 {
	return c.Created + c.Updated + c.Deleted + c.Skipped
}

// RunContext is the state shared by every branch of one run
type RunContext struct {
	// Queue holds the top-level candidate lists, walked in order
	Queue   [][]*Candidate
	Options *Options
	Job     Job
	Scope   Scope

	// MaxConcurrentThreads bounds concurrent units, read once at start.
	// Zero means the machine default.
	MaxConcurrentThreads int
	TraceToLog           bool

	Items  ItemPipeline
	Logger *zap.SugaredLogger

	// Now is the clock used for expiry checks
	Now func() time.Time

	mu     sync.Mutex
	counts Counts

	canceled   atomic.Bool
	admission  atomic.Pointer[Admission]
	cancelOnce sync.Once
}

// NewRunContext creates a run context for one level of candidates
func NewRunContext(job Job, opts *Options, scope Scope, roots ...*Candidate) *RunContext {
	rc := &RunContext{
		Options: opts,
		Job:     job,
		Scope:   scope,
	}
	if len(roots) > 0 {
		rc.Queue = [][]*Candidate{roots}
	}
	return rc
}

func (rc *RunContext) log() *zap.SugaredLogger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return logger.ComponentLogger("publish")
}

func (rc *RunContext) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now()
}

// RecordOperation adds one item to the statistics. OperationNone counts as
// skipped.
func (rc *RunContext) RecordOperation(op Operation) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	switch op {
	case OperationCreated:
		rc.counts.Created++
	case OperationUpdated:
		rc.counts.Updated++
	case OperationDeleted:
		rc.counts.Deleted++
	default:
		rc.counts.Skipped++
	}
}

// Statistics returns a snapshot of the counters
func (rc *RunContext) Statistics() Counts {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.counts
}

// Canceled reports whether the run observed a stop request
func (rc *RunContext) Canceled() bool {
	return rc.canceled.Load()
}

// Admission returns the thread budget of the current or last walk
func (rc *RunContext) Admission() *Admission {
	return rc.admission.Load()
}

// canTerminate reports whether the walk must stop. An unexpired job stops
// once it is finished; an expired job stops unconditionally.
func (rc *RunContext) canTerminate() bool {
	expiry := rc.Job.Expiry()
	if !expiry.IsZero() && !rc.now().Before(expiry) {
		return true
	}
	return rc.Job.Finished()
}

// TerminatePublish stops descent for the rest of the run and marks it
// canceled. Safe to call from any branch, any number of times.
func (rc *RunContext) TerminatePublish() {
	rc.Options.SetDeep(false)
	rc.canceled.Store(true)
	rc.cancelOnce.Do(func() {
		rc.log().Infow("Publish cancel: the publishing job was stopped, no further items will be processed",
			logger.FieldUser, rc.Scope.User,
			logger.FieldSite, rc.Scope.Site)
	})
}
