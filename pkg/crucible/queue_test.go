package crucible

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func muteLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// unitsForTest builds both task units of every named crate for one experiment.
func unitsForTest(experiment string, crates ...string) []TaskUnit {
	var units []TaskUnit
	for _, name := range crates {
		for _, slot := range []ToolchainSlot{SlotBaseline, SlotCandidate} {
			units = append(units, TaskUnit{
				Experiment: experiment,
				Crate:      Crate{Name: name, Version: "1.0.0"},
				Slot:       slot,
				Toolchain:  "stable",
				Mode:       BuildAndTest,
			})
		}
	}
	return units
}

func TestEnqueueAllRejectsDuplicateExperiment(t *testing.T) {
	queue := NewWorkQueue(time.Minute, 3, muteLogger())

	require.NoError(t, queue.EnqueueAll("exp", unitsForTest("exp", "serde")))
	assert.ErrorIs(t, queue.EnqueueAll("exp", unitsForTest("exp", "rand")), ErrDuplicateExperiment)

	// A different experiment is still welcome
	assert.NoError(t, queue.EnqueueAll("other", unitsForTest("other", "rand")))
}

func TestLeaseNextIsDeterministicAndBounded(t *testing.T) {
	queue := NewWorkQueue(time.Minute, 3, muteLogger())

	// Enqueue in scrambled corpus order, lease order must not care
	units := unitsForTest("exp", "serde", "libc", "rand")
	require.NoError(t, queue.EnqueueAll("exp", units))

	leased := queue.LeaseNext("agent-1", 3)
	require.Len(t, leased, 3)
	assert.Equal(t, "exp/reg/libc/1.0.0/tc1", leased[0].ID())
	assert.Equal(t, "exp/reg/libc/1.0.0/tc2", leased[1].ID())
	assert.Equal(t, "exp/reg/rand/1.0.0/tc1", leased[2].ID())

	// A request for five only gets the remaining three
	rest := queue.LeaseNext("agent-2", 5)
	require.Len(t, rest, 3)
	assert.Equal(t, "exp/reg/rand/1.0.0/tc2", rest[0].ID())

	assert.Empty(t, queue.LeaseNext("agent-3", 1), "Drained queue should lease nothing")
}

func TestCompleteRejectsStaleAndDuplicateReports(t *testing.T) {
	now := time.Now()
	queue := NewWorkQueue(time.Minute, 3, muteLogger())
	queue.now = func() time.Time { return now }

	require.NoError(t, queue.EnqueueAll("exp", unitsForTest("exp", "serde")))

	leased := queue.LeaseNext("agent-1", 1)
	require.Len(t, leased, 1)
	taskID := leased[0].ID()

	// Completing a task you don't hold is stale
	assert.ErrorIs(t, queue.Complete("agent-2", taskID, OutcomeTestPass), ErrStaleCompletion)
	assert.ErrorIs(t, queue.Complete("agent-1", "exp/reg/nope/1.0.0/tc1", OutcomeTestPass), ErrStaleCompletion)

	require.NoError(t, queue.Complete("agent-1", taskID, OutcomeTestPass))

	// The second report of the same task changes nothing
	assert.ErrorIs(t, queue.Complete("agent-1", taskID, OutcomeBuildFail), ErrStaleCompletion)
	view, ok := queue.Task(taskID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, OutcomeTestPass, view.Outcome)
}

func TestExpiredLeaseIsReassignedAndOriginalAgentIsStale(t *testing.T) {
	now := time.Now()
	queue := NewWorkQueue(time.Minute, 3, muteLogger())
	queue.now = func() time.Time { return now }

	require.NoError(t, queue.EnqueueAll("exp", unitsForTest("exp", "serde")))

	leased := queue.LeaseNext("agent-1", 1)
	require.Len(t, leased, 1)
	taskID := leased[0].ID()

	// Nothing to reap while the lease is fresh
	assert.Empty(t, queue.ReapExpired())

	now = now.Add(2 * time.Minute)
	events := queue.ReapExpired()
	require.Len(t, events, 1)
	assert.Equal(t, "agent-1", events[0].AgentID)
	assert.False(t, events[0].Failed)

	view, ok := queue.Task(taskID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, view.Status)

	// Another agent picks the task up, the slow original must not get credit
	reassigned := queue.LeaseNext("agent-2", 1)
	require.Len(t, reassigned, 1)
	require.Equal(t, taskID, reassigned[0].ID())

	assert.ErrorIs(t, queue.Complete("agent-1", taskID, OutcomeBuildFail), ErrStaleCompletion)
	assert.NoError(t, queue.Complete("agent-2", taskID, OutcomeTestPass))
}

func TestRetryLimitPermanentlyFailsTask(t *testing.T) {
	now := time.Now()
	queue := NewWorkQueue(time.Minute, 3, muteLogger())
	queue.now = func() time.Time { return now }

	units := unitsForTest("exp", "serde")[:1]
	require.NoError(t, queue.EnqueueAll("exp", units))
	taskID := units[0].ID()

	// Lease and time out three times in a row
	for attempt := 1; attempt <= 3; attempt++ {
		leased := queue.LeaseNext("agent-1", 1)
		require.Lenf(t, leased, 1, "Attempt %d should still get the task leased", attempt)

		now = now.Add(2 * time.Minute)
		events := queue.ReapExpired()
		require.Len(t, events, 1)
		assert.Equalf(t, attempt == 3, events[0].Failed, "Only the last attempt should exhaust the task, attempt %d", attempt)
	}

	view, ok := queue.Task(taskID)
	require.True(t, ok)
	assert.Equal(t, StatusPermanentlyFailed, view.Status)
	assert.Equal(t, ReasonRetryLimit, view.Reason)
	assert.Equal(t, 3, view.Attempts)

	// An exhausted task is never handed out again
	assert.Empty(t, queue.LeaseNext("agent-2", 1))
}

func TestExpireAgentRevokesAllItsLeases(t *testing.T) {
	queue := NewWorkQueue(time.Minute, 3, muteLogger())
	require.NoError(t, queue.EnqueueAll("exp", unitsForTest("exp", "serde", "rand")))

	dead := queue.LeaseNext("agent-dead", 2)
	require.Len(t, dead, 2)
	alive := queue.LeaseNext("agent-alive", 1)
	require.Len(t, alive, 1)

	events := queue.ExpireAgent("agent-dead")
	require.Len(t, events, 2)
	for _, event := range events {
		assert.Equal(t, "agent-dead", event.AgentID)
	}

	// The dead agent's tasks are pending again, the live lease is untouched
	for _, unit := range dead {
		view, ok := queue.Task(unit.ID())
		require.True(t, ok)
		assert.Equal(t, StatusPending, view.Status)
	}
	view, ok := queue.Task(alive[0].ID())
	require.True(t, ok)
	assert.Equal(t, StatusLeased, view.Status)
}

func TestSkipCompletesPendingTask(t *testing.T) {
	queue := NewWorkQueue(time.Minute, 3, muteLogger())
	units := unitsForTest("exp", "serde")
	require.NoError(t, queue.EnqueueAll("exp", units))

	queue.Skip(units[0].ID())

	view, ok := queue.Task(units[0].ID())
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, OutcomeSkipped, view.Outcome)

	// Skipping a leased task is a no-op
	leased := queue.LeaseNext("agent-1", 1)
	require.Len(t, leased, 1)
	queue.Skip(leased[0].ID())
	view, ok = queue.Task(leased[0].ID())
	require.True(t, ok)
	assert.Equal(t, StatusLeased, view.Status)
}

func TestAbortFailsRemainingTasksAndRejectsReports(t *testing.T) {
	queue := NewWorkQueue(time.Minute, 3, muteLogger())
	units := unitsForTest("exp", "serde", "rand")
	require.NoError(t, queue.EnqueueAll("exp", units))

	leased := queue.LeaseNext("agent-1", 1)
	require.Len(t, leased, 1)
	require.NoError(t, queue.Complete("agent-1", leased[0].ID(), OutcomeTestPass))

	inFlight := queue.LeaseNext("agent-1", 1)
	require.Len(t, inFlight, 1)

	events := queue.Abort("exp")
	require.Len(t, events, 1, "Only the in-flight lease should be revoked")
	assert.Equal(t, inFlight[0].ID(), events[0].Unit.ID())
	assert.True(t, events[0].Failed)

	// The completed task keeps its outcome, everything else permanently failed
	for _, view := range queue.ExperimentTasks("exp") {
		if view.Unit.ID() == leased[0].ID() {
			assert.Equal(t, StatusCompleted, view.Status)
			continue
		}
		assert.Equal(t, StatusPermanentlyFailed, view.Status)
		assert.Equal(t, ReasonAborted, view.Reason)
	}

	assert.True(t, queue.IsDrained("exp"))
	assert.Empty(t, queue.LeaseNext("agent-2", 5))
	assert.ErrorIs(t, queue.Complete("agent-1", inFlight[0].ID(), OutcomeTestPass), ErrAbortedExperiment)
}

func TestIsDrainedAndRemove(t *testing.T) {
	queue := NewWorkQueue(time.Minute, 3, muteLogger())
	units := unitsForTest("exp", "serde")
	require.NoError(t, queue.EnqueueAll("exp", units))

	assert.False(t, queue.IsDrained("exp"))

	leased := queue.LeaseNext("agent-1", 2)
	require.Len(t, leased, 2)
	for _, unit := range leased {
		require.NoError(t, queue.Complete("agent-1", unit.ID(), OutcomeTestPass))
	}
	assert.True(t, queue.IsDrained("exp"))

	queue.Remove("exp")
	assert.Empty(t, queue.ExperimentTasks("exp"))
	_, ok := queue.Task(units[0].ID())
	assert.False(t, ok)

	// The name can be reused after removal
	assert.NoError(t, queue.EnqueueAll("exp", unitsForTest("exp", "rand")))
}
