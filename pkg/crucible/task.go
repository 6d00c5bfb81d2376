package crucible

import (
	"fmt"
	"time"
)

// Mode determines what the agents do with each crate of an experiment.
type Mode string

const (
	CheckOnly    Mode = "check-only"     // Typecheck the crate without producing artifacts
	BuildOnly    Mode = "build-only"     // Build the crate, don't run its tests
	BuildAndTest Mode = "build-and-test" // Build the crate and run its test suite
)

// ValidMode reports whether m is one of the supported experiment modes.
func ValidMode(m Mode) bool {
	switch m {
	case CheckOnly, BuildOnly, BuildAndTest:
		return true
	}
	return false
}

// ToolchainSlot selects one of the two toolchains being compared.
// Slot 1 is the baseline, slot 2 the candidate.
type ToolchainSlot int

const (
	SlotBaseline  ToolchainSlot = 1
	SlotCandidate ToolchainSlot = 2
)

// A TaskUnit is an immutable description of one unit of work: run one crate
// under one toolchain in the experiment's mode. Task units are created once,
// at experiment start, from the cartesian product of the corpus and the two
// toolchain slots, and are never mutated afterwards.
type TaskUnit struct {
	Experiment string        `json:"experiment"` // The experiment this task belongs to
	Crate      Crate         `json:"crate"`      // The crate to run
	Slot       ToolchainSlot `json:"slot"`       // Which toolchain to run it under
	Toolchain  string        `json:"toolchain"`  // The resolved toolchain spec for the slot
	Mode       Mode          `json:"mode"`       // What to do with the crate
}

// ID returns the unique identifier of this task unit within its experiment.
func (t TaskUnit) ID() string {
	return fmt.Sprintf("%s/%s/tc%d", t.Experiment, t.Crate.ID(), t.Slot)
}

// SingleOutcome is the result of running one (crate, toolchain) pair.
type SingleOutcome string

const (
	OutcomeTestPass    SingleOutcome = "test-pass"
	OutcomeTestSkipped SingleOutcome = "test-skipped"
	OutcomeTestFail    SingleOutcome = "test-fail"
	OutcomeBuildFail   SingleOutcome = "build-fail"
	OutcomeSkipped     SingleOutcome = "skipped"
	OutcomeUnknown     SingleOutcome = "unknown"
	OutcomeError       SingleOutcome = "error"
)

// SingleOutcomes lists every possible single-task outcome.
var SingleOutcomes = []SingleOutcome{
	OutcomeTestPass,
	OutcomeTestSkipped,
	OutcomeTestFail,
	OutcomeBuildFail,
	OutcomeSkipped,
	OutcomeUnknown,
	OutcomeError,
}

// ValidOutcome reports whether o is one of the known single-task outcomes.
func ValidOutcome(o SingleOutcome) bool {
	for _, known := range SingleOutcomes {
		if o == known {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a task unit. It is owned exclusively
// by the work queue; a task has exactly one status at any time.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusLeased
	StatusCompleted
	StatusPermanentlyFailed
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLeased:
		return "leased"
	case StatusCompleted:
		return "completed"
	case StatusPermanentlyFailed:
		return "permanently-failed"
	}
	return fmt.Sprintf("invalid-status-%d", int(s))
}

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPermanentlyFailed
}

// TaskView is a read-only snapshot of a task and its current state, as handed
// out by the work queue for inspection and reporting.
type TaskView struct {
	Unit     TaskUnit
	Status   TaskStatus
	AgentID  string        // Holder of the current lease, if leased
	Expiry   time.Time     // Expiry of the current lease, if leased
	Attempts int           // How many times this task has been leased
	Outcome  SingleOutcome // Set once completed
	Reason   string        // Why the task permanently failed, if it did
}
