package crucible

import (
	"fmt"
	"io"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type crateYaml struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Owner  string `yaml:"owner"`
	Repo   string `yaml:"repo"`
	Commit string `yaml:"commit"`

	Skip bool `yaml:"skip"`
}

type experimentYaml struct {
	Name string `yaml:"name"`

	Mode     string `yaml:"mode" default:"build-and-test"`
	Priority int    `yaml:"priority"`

	Toolchains []string `yaml:"toolchains"`

	Crates []crateYaml `yaml:"crates"`
}

// An Experiment compares the behavior of a fixed crate corpus under two
// toolchains. The corpus and toolchains are immutable once the experiment has
// started; only the per-task state in the work queue changes.
type Experiment struct {
	Name string // Unique experiment name

	Mode Mode // What the agents do with each crate

	// The priority of this experiment. Higher priorities start first when
	// several experiments are queued on one server.
	Priority int

	Toolchains [2]string // The baseline and candidate toolchain specs

	Crates []Crate // The crate corpus

	Skipped map[string]bool // IDs of corpus crates that are recorded as skipped instead of run
}

// GetExperimentFromConfig reads in an experiment config in yaml format from a
// reader and initializes the corresponding experiment struct.
func GetExperimentFromConfig(r io.Reader) (*Experiment, error) {
	var config experimentYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	experiment := Experiment{
		Name:     config.Name,
		Mode:     Mode(config.Mode),
		Priority: config.Priority,
		Skipped:  make(map[string]bool),
	}

	if len(config.Toolchains) != 2 {
		return nil, fmt.Errorf("experiment needs exactly two toolchains, got %d", len(config.Toolchains))
	}
	experiment.Toolchains = [2]string{config.Toolchains[0], config.Toolchains[1]}

	for _, c := range config.Crates {
		crate := Crate{
			Name:    c.Name,
			Version: c.Version,
			Owner:   c.Owner,
			Repo:    c.Repo,
			Commit:  c.Commit,
		}
		experiment.Crates = append(experiment.Crates, crate)
		if c.Skip {
			experiment.Skipped[crate.ID()] = true
		}
	}

	if err := experiment.Validate(); err != nil {
		return nil, err
	}
	return &experiment, nil
}

// Validate checks that the experiment is runnable.
func (e *Experiment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("experiment has no name")
	}
	if !ValidMode(e.Mode) {
		return fmt.Errorf("invalid experiment mode %q", e.Mode)
	}
	if e.Toolchains[0] == "" || e.Toolchains[1] == "" {
		return fmt.Errorf("experiment needs two non-empty toolchains")
	}
	if e.Toolchains[0] == e.Toolchains[1] {
		return fmt.Errorf("baseline and candidate toolchain are both %q", e.Toolchains[0])
	}
	if len(e.Crates) == 0 {
		return fmt.Errorf("experiment has an empty crate corpus")
	}
	seen := make(map[string]bool, len(e.Crates))
	for _, crate := range e.Crates {
		if !crate.Valid() {
			return fmt.Errorf("crate %q is neither a registry crate nor a VCS reference", crate.ID())
		}
		if seen[crate.ID()] {
			return fmt.Errorf("crate %s appears twice in the corpus", crate)
		}
		seen[crate.ID()] = true
	}
	return nil
}

// Tasks builds the full task set of the experiment: one task unit per corpus
// crate and toolchain slot.
func (e *Experiment) Tasks() []TaskUnit {
	tasks := make([]TaskUnit, 0, len(e.Crates)*2)
	for _, crate := range e.Crates {
		for _, slot := range []ToolchainSlot{SlotBaseline, SlotCandidate} {
			tasks = append(tasks, TaskUnit{
				Experiment: e.Name,
				Crate:      crate,
				Slot:       slot,
				Toolchain:  e.Toolchains[slot-1],
				Mode:       e.Mode,
			})
		}
	}
	return tasks
}
