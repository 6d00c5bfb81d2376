package server

import (
	"io"
	"time"

	"github.com/creasty/defaults"
	"github.com/crucible-dev/crucible/pkg/crucible"
	"gopkg.in/yaml.v3"
)

type configYaml struct {
	Port int `yaml:"port" default:"40052"`

	Tokens []string `yaml:"tokens"`

	ReportDir string `yaml:"reportDir" default:"reports"`

	LeaseTTL            int `yaml:"leaseTTL" default:"900"`           // seconds
	RetryLimit          int `yaml:"retryLimit" default:"3"`
	HeartbeatTimeout    int `yaml:"heartbeatTimeout" default:"120"`   // seconds
	MaintenanceInterval int `yaml:"maintenanceInterval" default:"30"` // seconds
}

// Config is the server configuration: the listen port, the accepted agent
// tokens, where reports are written and the coordinator timing knobs.
type Config struct {
	Port      int
	Tokens    []string
	ReportDir string

	Coordinator crucible.CoordinatorConfig
}

// GetConfigFromConfig reads in a server config in yaml format from a reader
// and initializes the corresponding config struct. All durations in the yaml
// are given in seconds.
func GetConfigFromConfig(r io.Reader) (*Config, error) {
	var config configYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil && err != io.EOF {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	return &Config{
		Port:      config.Port,
		Tokens:    config.Tokens,
		ReportDir: config.ReportDir,
		Coordinator: crucible.CoordinatorConfig{
			LeaseTTL:            time.Duration(config.LeaseTTL) * time.Second,
			RetryLimit:          config.RetryLimit,
			HeartbeatTimeout:    time.Duration(config.HeartbeatTimeout) * time.Second,
			MaintenanceInterval: time.Duration(config.MaintenanceInterval) * time.Second,
		},
	}, nil
}
