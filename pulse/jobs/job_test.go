package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/publish/errors"
)

func TestJobLifecycle(t *testing.T) {
	job := NewJob("publish home", "admin", nil)
	require.NotEmpty(t, job.Handle())
	assert.Equal(t, StateQueued, job.State())
	assert.False(t, job.Finished())

	require.True(t, job.start(time.Hour))
	assert.False(t, job.start(time.Hour), "a job starts once")
	assert.Equal(t, StateRunning, job.State())
	assert.WithinDuration(t, time.Now().Add(time.Hour), job.Expiry(), time.Second)

	require.True(t, job.finish(OutcomeCompleted, nil))
	assert.False(t, job.finish(OutcomeFailed, errors.New("late")), "a job finishes once")
	assert.Equal(t, OutcomeCompleted, job.Snapshot().Outcome)

	select {
	case <-job.Done():
	default:
		t.Fatal("Done must be closed after finish")
	}
}

func TestJobRunnerOutcomeWins(t *testing.T) {
	job := NewJob("publish", "admin", nil)
	job.start(0)
	job.SetOutcome(OutcomePartial)
	job.finish(OutcomeCompleted, nil)
	assert.Equal(t, OutcomePartial, job.Snapshot().Outcome)

	failed := NewJob("publish", "admin", nil)
	failed.start(0)
	failed.SetOutcome(OutcomePartial)
	failed.finish(OutcomeFailed, errors.New("boom"))
	assert.Equal(t, OutcomeFailed, failed.Snapshot().Outcome, "an error overrides the runner's outcome")
	assert.Equal(t, "boom", failed.Snapshot().Error)
}

func TestJobRequestStop(t *testing.T) {
	job := NewJob("publish", "admin", nil)
	job.start(0)
	now := time.Now()

	require.True(t, job.requestStop("ops", now))
	assert.Equal(t, StateRunning, job.State(), "lifecycle state stays running")
	assert.Equal(t, StateFinished, job.PublishState(), "walker sees the job as finished")
	assert.True(t, job.Finished())
	assert.WithinDuration(t, now, job.Expiry(), time.Millisecond)

	require.True(t, job.requestStop("ops", now))
	assert.Len(t, job.Snapshot().Messages, 1, "repeated requests add one message")

	job.finish(OutcomePartial, nil)
	assert.False(t, job.requestStop("ops", now))
}

func TestJobCancelQueued(t *testing.T) {
	job := NewJob("publish", "admin", nil)
	require.True(t, job.cancelQueued("ops"))

	st := job.Snapshot()
	assert.Equal(t, StateFinished, st.State)
	assert.Equal(t, OutcomeCanceled, st.Outcome)
	assert.Equal(t, "ops", st.StopRequestedBy)

	running := NewJob("publish", "admin", nil)
	running.start(0)
	assert.False(t, running.cancelQueued("ops"))
}

func TestJobProcessedIsConcurrencySafe(t *testing.T) {
	job := NewJob("publish", "admin", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 20; k++ {
				job.IncrementProcessed()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1000, job.Processed())
}

func TestSnapshotCopiesMessages(t *testing.T) {
	job := NewJob("publish", "admin", nil)
	job.AddMessagef("Items created: %d", 2)

	st := job.Snapshot()
	st.Messages[0] = "mutated"
	assert.Equal(t, "Items created: 2", job.Snapshot().Messages[0])
}

func TestIsValidState(t *testing.T) {
	assert.True(t, IsValidState("queued"))
	assert.True(t, IsValidState("finished"))
	assert.False(t, IsValidState("paused"))
}
