package crucible

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReasonRetryLimit is the permanent-failure reason recorded when a task has
// been leased retryLimit times without ever completing.
const ReasonRetryLimit = "retry-limit-exceeded"

// ReasonAborted is the permanent-failure reason recorded for tasks of an
// aborted experiment.
const ReasonAborted = "aborted"

// A taskRecord pairs an immutable task unit with its mutable state. The state
// is only ever touched under the queue mutex.
type taskRecord struct {
	unit TaskUnit
	seq  int // Creation order, the primary lease ordering key

	status   TaskStatus
	agentID  string    // Current lease holder, if leased
	expiry   time.Time // Current lease expiry, if leased
	attempts int

	outcome SingleOutcome // Set once completed
	reason  string        // Set once permanently failed
}

// A LeaseEvent describes one lease that the queue revoked on its own, either
// because its TTL ran out or because the agent holding it was declared dead.
// Callers use these to reconcile agent slot accounting and to surface tasks
// that ran out of retries.
type LeaseEvent struct {
	Unit    TaskUnit
	AgentID string // The agent that held the revoked lease
	Failed  bool   // True if the task hit the retry limit and permanently failed
}

// WorkQueue is the single point of truth for task state. It holds the tasks of
// any number of experiments and hands out time-bounded leases to agents. All
// operations are safe for concurrent use; every state transition happens under
// one mutex, so no two agents can ever hold a lease on the same task.
type WorkQueue struct {
	mu sync.Mutex

	tasks map[string]*taskRecord // All tasks by task ID
	order []string               // Task IDs in creation order, the FIFO lease order

	experiments map[string][]string // Task IDs per experiment
	aborted     map[string]bool     // Experiments that reject further work

	leaseTTL   time.Duration
	retryLimit int

	nextSeq int
	now     func() time.Time

	log *logrus.Entry
}

// NewWorkQueue creates an empty work queue. Leases expire after leaseTTL and a
// task is re-leased at most retryLimit times before it permanently fails.
func NewWorkQueue(leaseTTL time.Duration, retryLimit int, log *logrus.Logger) *WorkQueue {
	return &WorkQueue{
		tasks:       make(map[string]*taskRecord),
		experiments: make(map[string][]string),
		aborted:     make(map[string]bool),
		leaseTTL:    leaseTTL,
		retryLimit:  retryLimit,
		now:         time.Now,
		log:         log.WithField("component", "queue"),
	}
}

// EnqueueAll bulk-inserts the tasks of a new experiment as pending. All units
// must belong to the same experiment; enqueueing an experiment that already
// has tasks fails with ErrDuplicateExperiment. The units are ordered by crate
// ID and slot before insertion so lease order is deterministic regardless of
// corpus order.
func (q *WorkQueue) EnqueueAll(experiment string, units []TaskUnit) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.experiments[experiment]) > 0 {
		return ErrDuplicateExperiment
	}

	sorted := make([]TaskUnit, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Crate.ID() != sorted[j].Crate.ID() {
			return sorted[i].Crate.ID() < sorted[j].Crate.ID()
		}
		return sorted[i].Slot < sorted[j].Slot
	})

	ids := make([]string, 0, len(sorted))
	for _, unit := range sorted {
		id := unit.ID()
		q.tasks[id] = &taskRecord{
			unit:   unit,
			seq:    q.nextSeq,
			status: StatusPending,
		}
		q.nextSeq++
		q.order = append(q.order, id)
		ids = append(ids, id)
	}
	q.experiments[experiment] = ids

	q.log.Infof("Enqueued %d tasks for experiment %s", len(ids), experiment)
	return nil
}

// LeaseNext atomically leases up to max pending tasks to the given agent, in
// FIFO creation order. It returns fewer than max tasks if the queue is
// drained and never blocks; polling again is the caller's decision.
func (q *WorkQueue) LeaseNext(agentID string, max int) []TaskUnit {
	q.mu.Lock()
	defer q.mu.Unlock()

	var leased []TaskUnit
	for _, id := range q.order {
		if len(leased) >= max {
			break
		}
		record := q.tasks[id]
		if record.status != StatusPending || q.aborted[record.unit.Experiment] {
			continue
		}
		record.status = StatusLeased
		record.agentID = agentID
		record.expiry = q.now().Add(q.leaseTTL)
		record.attempts++
		leased = append(leased, record.unit)
	}

	if len(leased) > 0 {
		q.log.Debugf("Leased %d tasks to agent %s", len(leased), agentID)
	}
	return leased
}

// Complete records the outcome of a leased task. It is valid only while the
// reporting agent holds the task's current lease: completions from any other
// state, or from an agent whose lease already expired and was reassigned,
// return ErrStaleCompletion and leave the stored state untouched. This is
// what prevents duplicate credit for work redone after a timeout.
func (q *WorkQueue) Complete(agentID, taskID string, outcome SingleOutcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, ok := q.tasks[taskID]
	if !ok {
		return ErrStaleCompletion
	}
	if q.aborted[record.unit.Experiment] {
		return ErrAbortedExperiment
	}
	if record.status != StatusLeased || record.agentID != agentID {
		return ErrStaleCompletion
	}

	record.status = StatusCompleted
	record.agentID = ""
	record.outcome = outcome
	return nil
}

// Skip transitions a pending task directly to a completed skipped outcome.
// Used for corpus entries flagged as skipped at experiment start.
func (q *WorkQueue) Skip(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, ok := q.tasks[taskID]
	if !ok || record.status != StatusPending {
		return
	}
	record.status = StatusCompleted
	record.outcome = OutcomeSkipped
}

// ReapExpired reverts every lease whose expiry has passed. Reverted tasks
// become pending again unless they already reached the retry limit, in which
// case they permanently fail. The returned events let the caller release the
// agents' slots and react to exhausted tasks.
func (q *WorkQueue) ReapExpired() []LeaseEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var events []LeaseEvent
	for _, id := range q.order {
		record := q.tasks[id]
		if record.status != StatusLeased || record.expiry.After(now) {
			continue
		}
		events = append(events, q.revokeLocked(record))
	}
	return events
}

// ExpireAgent immediately revokes every lease held by the given agent,
// without waiting for the natural lease TTL. Called when an agent is
// confirmed dead by the liveness sweep.
func (q *WorkQueue) ExpireAgent(agentID string) []LeaseEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	var events []LeaseEvent
	for _, id := range q.order {
		record := q.tasks[id]
		if record.status != StatusLeased || record.agentID != agentID {
			continue
		}
		events = append(events, q.revokeLocked(record))
	}
	return events
}

// revokeLocked takes away a task's current lease. Must be called with the
// queue mutex held.
func (q *WorkQueue) revokeLocked(record *taskRecord) LeaseEvent {
	event := LeaseEvent{Unit: record.unit, AgentID: record.agentID}
	record.agentID = ""
	if record.attempts < q.retryLimit {
		record.status = StatusPending
		q.log.Infof("Lease on task %s expired after attempt %d, task is pending again", record.unit.ID(), record.attempts)
	} else {
		record.status = StatusPermanentlyFailed
		record.reason = ReasonRetryLimit
		event.Failed = true
		q.log.Warnf("Task %s exceeded the retry limit of %d and permanently failed", record.unit.ID(), q.retryLimit)
	}
	return event
}

// Abort marks every non-terminal task of the experiment as permanently failed
// and rejects all further completions for it. The returned events cover the
// leases that were revoked by the abort.
func (q *WorkQueue) Abort(experiment string) []LeaseEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.aborted[experiment] = true

	var events []LeaseEvent
	for _, id := range q.experiments[experiment] {
		record := q.tasks[id]
		if record.status.Terminal() {
			continue
		}
		if record.status == StatusLeased {
			events = append(events, LeaseEvent{Unit: record.unit, AgentID: record.agentID, Failed: true})
		}
		record.status = StatusPermanentlyFailed
		record.agentID = ""
		record.reason = ReasonAborted
	}

	q.log.Warnf("Aborted experiment %s", experiment)
	return events
}

// IsDrained reports whether every task of the experiment has reached a
// terminal state.
func (q *WorkQueue) IsDrained(experiment string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.experiments[experiment] {
		if !q.tasks[id].status.Terminal() {
			return false
		}
	}
	return true
}

// Task returns a snapshot of a single task's current state.
func (q *WorkQueue) Task(taskID string) (TaskView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, ok := q.tasks[taskID]
	if !ok {
		return TaskView{}, false
	}
	return record.view(), true
}

// ExperimentTasks returns snapshots of all tasks of the experiment, in lease
// order.
func (q *WorkQueue) ExperimentTasks(experiment string) []TaskView {
	q.mu.Lock()
	defer q.mu.Unlock()

	views := make([]TaskView, 0, len(q.experiments[experiment]))
	for _, id := range q.experiments[experiment] {
		views = append(views, q.tasks[id].view())
	}
	return views
}

// Remove drops all tasks of the experiment from the queue. Called when an
// experiment is finalized and its results have been materialized.
func (q *WorkQueue) Remove(experiment string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.experiments[experiment]
	delete(q.experiments, experiment)
	delete(q.aborted, experiment)

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(q.tasks, id)
	}

	kept := q.order[:0]
	for _, id := range q.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	q.order = kept
}

func (r *taskRecord) view() TaskView {
	return TaskView{
		Unit:     r.unit,
		Status:   r.status,
		AgentID:  r.agentID,
		Expiry:   r.expiry,
		Attempts: r.attempts,
		Outcome:  r.outcome,
		Reason:   r.reason,
	}
}
