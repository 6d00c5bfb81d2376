/*
Package crucible provides the orchestration core for toolchain compatibility
experiments: build and/or test every crate of a fixed corpus under two
toolchains and classify whether behavior changed.

An experiment is most easily created by passing a yaml config to
[GetExperimentFromConfig], but can also be created manually by populating an
[Experiment] struct. Each experiment expands into one [TaskUnit] per crate and
toolchain slot, and every task eventually yields a [SingleOutcome].

The [Coordinator] owns the experiment lifecycle. Agents register with it,
lease tasks through [Coordinator.Poll] and report outcomes through
[Coordinator.Report]. Leases are time-bounded: an agent that crashes or stalls
simply lets its leases expire, and the next maintenance pass makes the tasks
leasable again. Nothing ever has to detect the crash itself.

As soon as both toolchain slots of a crate are terminal, their outcomes are
reduced into a [SummaryResult] with [Reduce]. Once every task of an experiment
is terminal the coordinator materializes a [Snapshot] through its
[ReportStore] and archives the experiment.
*/
package crucible
