package crucible

import "errors"

var (
	// ErrDuplicateExperiment is returned when tasks are enqueued for an
	// experiment name that already has tasks in the queue.
	ErrDuplicateExperiment = errors.New("experiment already has tasks enqueued")

	// ErrUnknownExperiment is returned for operations on an experiment the
	// coordinator has never seen.
	ErrUnknownExperiment = errors.New("unknown experiment")

	// ErrUnknownAgent is returned when an unregistered agent heartbeats or
	// polls for work.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrStaleCompletion is returned when a completion arrives for a lease
	// that has already been superseded. The completion is dropped; the agent
	// should discard the task. Recoverable, logged and otherwise ignored.
	ErrStaleCompletion = errors.New("stale completion for superseded lease")

	// ErrAbortedExperiment is returned for completions and polls against an
	// experiment that has been aborted.
	ErrAbortedExperiment = errors.New("experiment was aborted")

	// ErrExperimentActive is returned when a running or draining experiment
	// is deleted. Active experiments have to be aborted first.
	ErrExperimentActive = errors.New("experiment is still active")
)
