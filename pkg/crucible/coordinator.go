package crucible

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ExperimentStatus is the coordinator-side lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "running"   // Tasks are being leased and completed
	ExperimentDraining  ExperimentStatus = "draining"  // All tasks terminal, report not yet materialized
	ExperimentFinalized ExperimentStatus = "finalized" // Report materialized, experiment archived
	ExperimentAborted   ExperimentStatus = "aborted"   // Abort requested, remaining tasks failed
)

// CoordinatorConfig holds the timing knobs of the orchestration core. The
// lease TTL and the heartbeat timeout are independent on purpose: a lease
// outliving its TTL is reclaimable even if the owning agent is alive but
// stuck, which bounds worst-case task latency.
type CoordinatorConfig struct {
	LeaseTTL            time.Duration // How long a leased task may run before it is reclaimable
	RetryLimit          int           // How many times a task is leased before it permanently fails
	HeartbeatTimeout    time.Duration // How long an agent may stay silent before it is removed
	MaintenanceInterval time.Duration // How often expired leases are reaped and dead agents swept
}

// DefaultCoordinatorConfig returns the coordinator defaults used by the
// server when the config file leaves them unset.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		LeaseTTL:            15 * time.Minute,
		RetryLimit:          3,
		HeartbeatTimeout:    2 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
	}
}

// experimentState is the coordinator's bookkeeping for one experiment. Task
// state lives in the work queue and agent state in the registry; this struct
// only carries the experiment itself, derived verdicts and uploaded artifact
// references.
type experimentState struct {
	experiment *Experiment

	status      ExperimentStatus
	startedAt   time.Time
	completedAt time.Time

	verdicts  map[string]SummaryResult // Reduced verdict per crate ID, filled incrementally
	artifacts map[string][]string      // Artifact refs per task ID

	// Final progress counts, captured at finalization just before the tasks
	// leave the queue. Zero until then.
	finalDone  int
	finalTotal int
}

// The Coordinator ties the work queue and the agent registry together into
// the experiment state machine. It assigns leases to polling agents, ingests
// completion reports, reduces finished outcome pairs into verdicts, and
// finalizes experiments once their queue is drained. It holds no task or
// agent state of its own, so correctness of concurrent leasing reduces to the
// atomic operations of the queue and the registry.
type Coordinator struct {
	queue    *WorkQueue
	registry *AgentRegistry
	store    ReportStore
	cfg      CoordinatorConfig

	mu          sync.Mutex
	experiments map[string]*experimentState

	log *logrus.Entry
}

// NewCoordinator creates a coordinator with its own work queue and agent
// registry, persisting finalized experiments through the given report store.
func NewCoordinator(store ReportStore, cfg CoordinatorConfig, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		queue:       NewWorkQueue(cfg.LeaseTTL, cfg.RetryLimit, log),
		registry:    NewAgentRegistry(log),
		store:       store,
		cfg:         cfg,
		experiments: make(map[string]*experimentState),
		log:         log.WithField("component", "coordinator"),
	}
}

// Start validates the experiment, populates the work queue with its full task
// set and moves it to running. Corpus entries flagged as skipped complete
// immediately with a skipped outcome on both slots.
func (c *Coordinator) Start(experiment *Experiment) error {
	if err := experiment.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.experiments[experiment.Name]; ok {
		c.mu.Unlock()
		return ErrDuplicateExperiment
	}
	state := &experimentState{
		experiment: experiment,
		status:     ExperimentRunning,
		startedAt:  time.Now(),
		verdicts:   make(map[string]SummaryResult),
		artifacts:  make(map[string][]string),
	}
	c.experiments[experiment.Name] = state
	c.mu.Unlock()

	tasks := experiment.Tasks()
	if err := c.queue.EnqueueAll(experiment.Name, tasks); err != nil {
		c.mu.Lock()
		delete(c.experiments, experiment.Name)
		c.mu.Unlock()
		return err
	}

	for _, task := range tasks {
		if experiment.Skipped[task.Crate.ID()] {
			c.queue.Skip(task.ID())
			c.reduceIfPaired(experiment.Name, task.Crate)
		}
	}

	c.log.Infof("Started experiment %s: %d crates, %d tasks, comparing %s against %s",
		experiment.Name, len(experiment.Crates), len(tasks), experiment.Toolchains[0], experiment.Toolchains[1])

	c.maybeDrain(experiment.Name)
	return nil
}

// Register adds or refreshes an agent.
func (c *Coordinator) Register(agentID string, capacity int) {
	c.registry.Register(agentID, capacity)
}

// Heartbeat refreshes an agent's liveness.
func (c *Coordinator) Heartbeat(agentID string) error {
	return c.registry.Heartbeat(agentID)
}

// Poll leases tasks to a registered agent, up to its free capacity. It
// returns an empty slice when no work is pending; the agent decides when to
// poll again. The agent's free slots are reserved before leasing, so
// concurrent polls for the same agent id cannot lease beyond its capacity
// between them.
func (c *Coordinator) Poll(agentID string) ([]TaskUnit, error) {
	free, err := c.registry.Reserve(agentID)
	if err != nil {
		return nil, err
	}
	if free == 0 {
		return nil, nil
	}

	units := c.queue.LeaseNext(agentID, free)
	ids := make([]string, len(units))
	for i, unit := range units {
		ids[i] = unit.ID()
	}
	c.registry.CommitLeases(agentID, free, ids)
	return units, nil
}

// Report ingests a completion from an agent. Outcomes the coordinator does
// not recognize are treated as unknown rather than trusted, since agents can
// misbehave. Stale completions are dropped and reported as such; a fresh
// completion triggers verdict reduction as soon as both toolchain slots of
// the crate are terminal.
func (c *Coordinator) Report(agentID, taskID string, outcome SingleOutcome, artifacts []string) error {
	if !ValidOutcome(outcome) {
		c.log.Warnf("Agent %s reported unrecognized outcome %q for task %s, recording unknown", agentID, outcome, taskID)
		outcome = OutcomeUnknown
	}

	err := c.queue.Complete(agentID, taskID, outcome)
	// The agent is done with the task either way, free its slot.
	c.registry.ReleaseLease(agentID, taskID)
	if err != nil {
		c.log.Infof("Dropped completion of task %s from agent %s: %v", taskID, agentID, err)
		return err
	}

	view, _ := c.queue.Task(taskID)

	c.mu.Lock()
	if state, ok := c.experiments[view.Unit.Experiment]; ok && len(artifacts) > 0 {
		state.artifacts[taskID] = artifacts
	}
	c.mu.Unlock()

	c.reduceIfPaired(view.Unit.Experiment, view.Unit.Crate)
	c.maybeDrain(view.Unit.Experiment)
	return nil
}

// Abort marks all non-terminal tasks of the experiment as permanently failed,
// rejects further completions for it and finalizes whatever results exist.
func (c *Coordinator) Abort(name string) error {
	c.mu.Lock()
	state, ok := c.experiments[name]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownExperiment
	}
	if state.status != ExperimentRunning {
		c.mu.Unlock()
		return ErrAbortedExperiment
	}
	state.status = ExperimentAborted
	state.completedAt = time.Now()
	c.mu.Unlock()

	events := c.queue.Abort(name)
	for _, event := range events {
		c.registry.ReleaseLease(event.AgentID, event.Unit.ID())
	}

	go c.finalize(name)
	return nil
}

// Delete archives a terminal experiment: its in-memory state is dropped and
// its name becomes usable for a new experiment. The persisted report stays on
// disk. Running and draining experiments are refused with ErrExperimentActive
// and have to be aborted first; deleting an aborted experiment right after
// the abort may race its report persistence.
func (c *Coordinator) Delete(name string) error {
	c.mu.Lock()
	state, ok := c.experiments[name]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownExperiment
	}
	if state.status != ExperimentFinalized && state.status != ExperimentAborted {
		c.mu.Unlock()
		return ErrExperimentActive
	}
	delete(c.experiments, name)
	c.mu.Unlock()

	c.queue.Remove(name)
	c.log.Infof("Experiment %s deleted", name)
	return nil
}

// RunMaintenance periodically reaps expired leases and sweeps dead agents
// until the context is cancelled. Call it in its own goroutine alongside the
// protocol frontend.
func (c *Coordinator) RunMaintenance(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.MaintenanceInterval):
			c.Maintain()
		}
	}
}

// Maintain runs one maintenance pass: expired leases are reverted or failed,
// and agents past the heartbeat timeout are removed with their leases
// immediately reclaimed.
func (c *Coordinator) Maintain() {
	c.handleLeaseEvents(c.queue.ReapExpired())

	for _, agentID := range c.registry.Sweep(c.cfg.HeartbeatTimeout) {
		c.handleLeaseEvents(c.queue.ExpireAgent(agentID))
	}
}

// handleLeaseEvents reconciles revoked leases: the agents' slots are freed,
// and tasks that ran out of retries count as an error outcome for their side
// of the crate's comparison.
func (c *Coordinator) handleLeaseEvents(events []LeaseEvent) {
	touched := make(map[string]bool)
	for _, event := range events {
		c.registry.ReleaseLease(event.AgentID, event.Unit.ID())
		if event.Failed {
			c.reduceIfPaired(event.Unit.Experiment, event.Unit.Crate)
			touched[event.Unit.Experiment] = true
		}
	}
	for name := range touched {
		c.maybeDrain(name)
	}
}

// pairOutcomes returns both toolchain-slot outcomes of a crate if both its
// tasks are terminal. A permanently failed task surfaces as an error outcome
// for its side rather than as an experiment-level failure.
func (c *Coordinator) pairOutcomes(experiment string, crate Crate) (baseline, candidate SingleOutcome, done bool) {
	outcomes := [2]SingleOutcome{}
	for i, slot := range []ToolchainSlot{SlotBaseline, SlotCandidate} {
		unit := TaskUnit{Experiment: experiment, Crate: crate, Slot: slot}
		view, ok := c.queue.Task(unit.ID())
		if !ok || !view.Status.Terminal() {
			return "", "", false
		}
		if view.Status == StatusPermanentlyFailed {
			outcomes[i] = OutcomeError
		} else {
			outcomes[i] = view.Outcome
		}
	}
	return outcomes[0], outcomes[1], true
}

// reduceIfPaired computes and stores the crate's verdict once both its slots
// are terminal. Verdicts are computed incrementally rather than at the end so
// progress can be reported live.
func (c *Coordinator) reduceIfPaired(experiment string, crate Crate) {
	baseline, candidate, done := c.pairOutcomes(experiment, crate)
	if !done {
		return
	}
	verdict := Reduce(baseline, candidate)

	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.experiments[experiment]
	if !ok {
		return
	}
	if _, ok := state.verdicts[crate.ID()]; ok {
		return
	}
	state.verdicts[crate.ID()] = verdict
	c.log.Infof("Crate %s in experiment %s: %s / %s -> %s", crate, experiment, baseline, candidate, verdict)
}

// maybeDrain moves a running experiment to draining once its queue is
// drained, and kicks off finalization.
func (c *Coordinator) maybeDrain(name string) {
	if !c.queue.IsDrained(name) {
		return
	}

	c.mu.Lock()
	state, ok := c.experiments[name]
	if !ok || state.status != ExperimentRunning {
		c.mu.Unlock()
		return
	}
	state.status = ExperimentDraining
	state.completedAt = time.Now()
	c.mu.Unlock()

	c.log.Infof("Experiment %s is drained, materializing the report", name)
	go c.finalize(name)
}

// finalize persists the experiment snapshot through the report store and
// archives the experiment. Persisting retries with exponential backoff for as
// long as it takes: losing a report after the work was done is worse than a
// delayed finish, so this is the one step with unbounded retries.
func (c *Coordinator) finalize(name string) {
	snapshot, err := c.Snapshot(name)
	if err != nil {
		c.log.Errorf("Can't finalize experiment %s - %v", name, err)
		return
	}
	if snapshot.Status == string(ExperimentDraining) {
		// The report describes the finished experiment, not the in-between
		// coordinator state.
		snapshot.Status = string(ExperimentFinalized)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	err = backoff.RetryNotify(func() error {
		return c.store.Persist(snapshot)
	}, policy, func(err error, next time.Duration) {
		c.log.Warnf("Persisting report of experiment %s failed, retrying in %v - %v", name, next, err)
	})
	if err != nil {
		c.log.Errorf("Giving up on persisting report of experiment %s - %v", name, err)
		return
	}

	// Capture the final progress counts while the tasks are still in the
	// queue; Progress serves them once Remove has dropped the task state.
	done, total := 0, 0
	for _, view := range c.queue.ExperimentTasks(name) {
		total++
		if view.Status.Terminal() {
			done++
		}
	}

	c.mu.Lock()
	state, ok := c.experiments[name]
	if ok {
		state.finalDone, state.finalTotal = done, total
		if state.status == ExperimentDraining {
			state.status = ExperimentFinalized
		}
	}
	c.mu.Unlock()

	c.queue.Remove(name)
	c.log.Infof("Experiment %s finalized", name)
}

// Snapshot assembles the current results of the experiment for persistence.
func (c *Coordinator) Snapshot(name string) (Snapshot, error) {
	c.mu.Lock()
	state, ok := c.experiments[name]
	if !ok {
		c.mu.Unlock()
		return Snapshot{}, ErrUnknownExperiment
	}
	experiment := state.experiment
	snapshot := Snapshot{
		Name:        name,
		Mode:        experiment.Mode,
		Toolchains:  experiment.Toolchains,
		Status:      string(state.status),
		StartedAt:   state.startedAt,
		CompletedAt: state.completedAt,
	}
	artifacts := make(map[string][]string, len(state.artifacts))
	for id, refs := range state.artifacts {
		artifacts[id] = refs
	}
	c.mu.Unlock()

	for _, crate := range experiment.Crates {
		baseline, candidate, done := c.pairOutcomes(name, crate)
		if !done {
			// Non-terminal pairs only show up when snapshotting a live
			// experiment, never during finalization.
			baseline, candidate = OutcomeUnknown, OutcomeUnknown
		}
		baseUnit := TaskUnit{Experiment: name, Crate: crate, Slot: SlotBaseline}
		candUnit := TaskUnit{Experiment: name, Crate: crate, Slot: SlotCandidate}
		snapshot.Results = append(snapshot.Results, CrateResult{
			Crate:              crate,
			Verdict:            Reduce(baseline, candidate),
			Baseline:           baseline,
			Candidate:          candidate,
			BaselineArtifacts:  artifacts[baseUnit.ID()],
			CandidateArtifacts: artifacts[candUnit.ID()],
		})
	}
	return snapshot, nil
}

// Status returns the lifecycle state of the experiment.
func (c *Coordinator) Status(name string) (ExperimentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.experiments[name]
	if !ok {
		return "", ErrUnknownExperiment
	}
	return state.status, nil
}

// Progress reports how many of the experiment's tasks are terminal out of its
// total task count. For experiments whose tasks already left the queue the
// counts captured at finalization are served instead.
func (c *Coordinator) Progress(name string) (done, total int, err error) {
	c.mu.Lock()
	state, ok := c.experiments[name]
	if !ok {
		c.mu.Unlock()
		return 0, 0, ErrUnknownExperiment
	}
	finalDone, finalTotal := state.finalDone, state.finalTotal
	c.mu.Unlock()

	views := c.queue.ExperimentTasks(name)
	if len(views) == 0 {
		return finalDone, finalTotal, nil
	}
	for _, view := range views {
		total++
		if view.Status.Terminal() {
			done++
		}
	}
	return done, total, nil
}

// Verdicts returns the crate verdicts reduced so far, keyed by crate ID.
func (c *Coordinator) Verdicts(name string) map[string]SummaryResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.experiments[name]
	if !ok {
		return nil
	}
	verdicts := make(map[string]SummaryResult, len(state.verdicts))
	for id, verdict := range state.verdicts {
		verdicts[id] = verdict
	}
	return verdicts
}
