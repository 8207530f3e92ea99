// Package jobs tracks publishing jobs: their lifecycle, progress counters,
// expiry and the operator cancel surface.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// IsValidState returns true if the string is a valid State
func IsValidState(s string) bool {
	switch State(s) {
	case StateQueued, StateRunning, StateFinished:
		return true
	default:
		return false
	}
}

// Outcome records how a finished job ended
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed" // whole tree processed
	OutcomePartial   Outcome = "partial"   // soft stop, processed items kept
	OutcomeStopped   Outcome = "stopped"   // hard stop, run reported as failed
	OutcomeCanceled  Outcome = "canceled"  // removed from the queue before it started
	OutcomeFailed    Outcome = "failed"
)

// CategoryPublish is the category of every publishing job
const CategoryPublish = "publish"

// Status is an immutable snapshot of a job
type Status struct {
	Handle          string          `json:"handle"`
	Name            string          `json:"name"`
	Category        string          `json:"category"`
	Owner           string          `json:"owner"`
	State           State           `json:"state"`
	Processed       int64           `json:"processed"`
	Total           int64           `json:"total"`
	Expiry          time.Time       `json:"expiry,omitempty"`
	StopRequestedBy string          `json:"stop_requested_by,omitempty"`
	Outcome         Outcome         `json:"outcome,omitempty"`
	Messages        []string        `json:"messages,omitempty"`
	Request         json.RawMessage `json:"request,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       time.Time       `json:"started_at,omitempty"`
	FinishedAt      time.Time       `json:"finished_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsDone reports whether the job reached StateFinished
func (s Status) IsDone() bool {
	return s.State == StateFinished
}

// StopRequested reports whether an operator asked the job to finish early
func (s Status) StopRequested() bool {
	return s.StopRequestedBy != ""
}

// Job is a publishing job. All mutation goes through methods holding mu, so a
// job can be shared by the registry, the walker's workers and the cancel path.
type Job struct {
	mu   sync.Mutex
	st   Status
	done chan struct{}
}

// NewJob creates a queued publishing job with a fresh handle
func NewJob(name, owner string, request json.RawMessage) *Job {
	now := time.Now().UTC()
	return &Job{
		st: Status{
			Handle:    uuid.NewString(),
			Name:      name,
			Category:  CategoryPublish,
			Owner:     owner,
			State:     StateQueued,
			Request:   request,
			CreatedAt: now,
			UpdatedAt: now,
		},
		done: make(chan struct{}),
	}
}

// fromStatus rebuilds a job from a persisted snapshot
func fromStatus(s Status) *Job {
	j := &Job{st: s, done: make(chan struct{})}
	if s.State == StateFinished {
		close(j.done)
	}
	return j
}

// Handle returns the job's identifier
func (j *Job) Handle() string {
	return j.st.Handle
}

// Request returns the payload the job was submitted with
func (j *Job) Request() json.RawMessage {
	return j.st.Request
}

// Owner returns the user the job runs as
func (j *Job) Owner() string {
	return j.st.Owner
}

// State returns the lifecycle state
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.State
}

// PublishState is the state the publish pipeline observes. A stop request
// makes a running job look finished to the walker before the worker has
// actually wound it down.
func (j *Job) PublishState() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.st.StopRequestedBy != "" {
		return StateFinished
	}
	return j.st.State
}

// Finished reports whether the walker should treat the job as finished
func (j *Job) Finished() bool {
	return j.PublishState() == StateFinished
}

// Expiry returns the absolute expiry; the zero time means none
func (j *Job) Expiry() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.Expiry
}

// SetExpiry replaces the expiry timestamp
func (j *Job) SetExpiry(t time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.st.Expiry = t.UTC()
	j.st.UpdatedAt = time.Now().UTC()
}

// IncrementProcessed adds one to the processed counter
func (j *Job) IncrementProcessed() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.st.Processed++
}

// Processed returns the processed counter
func (j *Job) Processed() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.Processed
}

// SetTotal records how many items the run expects to visit
func (j *Job) SetTotal(total int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.st.Total = total
}

// Total returns the expected item count, zero when unknown
func (j *Job) Total() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.Total
}

// AddMessage appends a line to the job's message log
func (j *Job) AddMessage(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.st.Messages = append(j.st.Messages, msg)
	j.st.UpdatedAt = time.Now().UTC()
}

// AddMessagef appends a formatted line to the job's message log
func (j *Job) AddMessagef(format string, args ...interface{}) {
	j.AddMessage(fmt.Sprintf(format, args...))
}

// SetOutcome records the outcome the runner determined. The registry keeps it
// when the job finishes.
func (j *Job) SetOutcome(o Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.st.Outcome = o
}

// Snapshot returns a copy of the job's status
func (j *Job) Snapshot() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.st
	s.Messages = append([]string(nil), j.st.Messages...)
	return s
}

// Done is closed once the job reaches StateFinished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// start moves a queued job to running and applies the expiry budget
func (j *Job) start(expiry time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.st.State != StateQueued {
		return false
	}
	now := time.Now().UTC()
	j.st.State = StateRunning
	j.st.StartedAt = now
	j.st.UpdatedAt = now
	if expiry > 0 && j.st.Expiry.IsZero() {
		j.st.Expiry = now.Add(expiry)
	}
	return true
}

// requestStop forces a running job to finish at its next per-item check.
// Returns false when the job already finished.
func (j *Job) requestStop(user string, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.st.State == StateFinished {
		return false
	}
	if j.st.StopRequestedBy != "" {
		return true
	}
	j.st.Expiry = now.UTC()
	j.st.StopRequestedBy = user
	j.st.Messages = append(j.st.Messages, forcedFinishMessage(user))
	j.st.UpdatedAt = now.UTC()
	return true
}

// cancelQueued finishes a job that never started
func (j *Job) cancelQueued(user string) bool {
	j.mu.Lock()
	if j.st.State != StateQueued {
		j.mu.Unlock()
		return false
	}
	j.st.StopRequestedBy = user
	j.st.Messages = append(j.st.Messages, forcedFinishMessage(user))
	j.st.Outcome = OutcomeCanceled
	j.mu.Unlock()
	return j.finish(OutcomeCanceled, nil)
}

// finish moves the job to StateFinished. An outcome already chosen by the
// runner wins over the one derived from err.
func (j *Job) finish(outcome Outcome, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.st.State == StateFinished {
		return false
	}
	now := time.Now().UTC()
	j.st.State = StateFinished
	j.st.FinishedAt = now
	j.st.UpdatedAt = now
	if err != nil {
		j.st.Error = err.Error()
	}
	if j.st.Outcome == OutcomeNone || err != nil {
		j.st.Outcome = outcome
	}
	close(j.done)
	return true
}

func forcedFinishMessage(user string) string {
	return fmt.Sprintf("Publishing job was forced to finish by %q user", user)
}

// hasCategoryPrefix matches categories case-insensitively against a prefix
func hasCategoryPrefix(category, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(category), strings.ToLower(prefix))
}
