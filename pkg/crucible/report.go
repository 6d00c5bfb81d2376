package crucible

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// A CrateResult is the finished comparison for one crate: both single-task
// outcomes, the reduced verdict and the artifacts the agents uploaded.
type CrateResult struct {
	Crate   Crate         `json:"crate"`
	Verdict SummaryResult `json:"verdict"`

	Baseline  SingleOutcome `json:"baseline"`
	Candidate SingleOutcome `json:"candidate"`

	BaselineArtifacts  []string `json:"baselineArtifacts,omitempty"`
	CandidateArtifacts []string `json:"candidateArtifacts,omitempty"`
}

// A Snapshot is the finalized state of an experiment as handed to the report
// store.
type Snapshot struct {
	Name       string    `json:"name"`
	Mode       Mode      `json:"mode"`
	Toolchains [2]string `json:"toolchains"`

	Status      string    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`

	Results []CrateResult `json:"results"`
}

// A ReportStore materializes experiment snapshots. Implementations own the
// encoding and storage layout; the coordinator only calls Persist and retries
// it until it succeeds.
type ReportStore interface {
	Persist(snapshot Snapshot) error
}

// JSONReportStore persists snapshots as results.json files, one directory per
// experiment.
type JSONReportStore struct {
	Dir string // The root directory reports are written under
}

func (s JSONReportStore) Persist(snapshot Snapshot) error {
	dir := path.Join(s.Dir, snapshot.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temp file first so a crash mid-write never leaves a torn
	// results.json behind.
	tmp := path.Join(dir, ".results.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path.Join(dir, "results.json"))
}
