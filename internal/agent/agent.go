package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creasty/defaults"
	"github.com/crucible-dev/crucible/pkg/crucible"
	"github.com/dchest/uniuri"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"
)

type agentYaml struct {
	ServerURL string `yaml:"serverUrl"`
	Token     string `yaml:"token"`

	ID       string `yaml:"id"`
	Capacity int    `yaml:"capacity" default:"4"`

	PollInterval      int `yaml:"pollInterval" default:"5"`       // seconds
	HeartbeatInterval int `yaml:"heartbeatInterval" default:"30"` // seconds

	WorkDir string `yaml:"workDir" default:"crucible-work"`
}

// An Executor runs one leased task to completion and returns its outcome
// together with references to the artifacts it produced.
type Executor interface {
	Execute(ctx context.Context, task crucible.TaskUnit) (crucible.SingleOutcome, []string, error)
}

// An Agent is the remote worker runtime: it registers with the server, keeps
// its registration alive with heartbeats, leases tasks up to its capacity and
// streams outcomes back.
type Agent struct {
	ServerURL string // Base URL of the experiment server
	Token     string // Agent token presented on every request

	ID       string // Agent identity. Randomized if empty
	Capacity int    // How many tasks this agent runs concurrently

	PollInterval      time.Duration // How long to wait before polling again when no work was handed out
	HeartbeatInterval time.Duration // How often to heartbeat

	Executor Executor // Runs the leased tasks

	Log *logrus.Logger // The log to which information gets printed to

	client *http.Client
	sem    *semaphore.Weighted
	log    *logrus.Entry
}

// GetAgentFromConfig reads in an agent config in yaml format from a reader
// and initializes the corresponding agent struct. The executor is not part of
// the config and has to be set by the caller.
func GetAgentFromConfig(r io.Reader) (*Agent, error) {
	var config agentYaml

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := defaults.Set(&config); err != nil {
		return nil, err
	}

	if config.ServerURL == "" {
		return nil, fmt.Errorf("agent config is missing the server URL")
	}

	return &Agent{
		ServerURL:         config.ServerURL,
		Token:             config.Token,
		ID:                config.ID,
		Capacity:          config.Capacity,
		PollInterval:      time.Duration(config.PollInterval) * time.Second,
		HeartbeatInterval: time.Duration(config.HeartbeatInterval) * time.Second,
		Executor:          &DockerExecutor{WorkDir: config.WorkDir},
	}, nil
}

// Run the agent until the context is cancelled. Registration is retried with
// backoff until the server is reachable; afterwards the poll loop leases and
// executes tasks while a background heartbeat keeps the registration alive.
func (a *Agent) Run(ctx context.Context) error {
	if a.Log == nil {
		// Mute logger
		a.Log = logrus.New()
		a.Log.SetOutput(io.Discard)
	}
	if a.ID == "" {
		a.ID = "agent-" + uniuri.New()
	}
	if a.Capacity <= 0 {
		a.Capacity = 1
	}

	a.client = &http.Client{Timeout: 30 * time.Second}
	a.sem = semaphore.NewWeighted(int64(a.Capacity))
	a.log = a.Log.WithField("agent-id", a.ID)

	if err := a.register(ctx); err != nil {
		return errors.Join(fmt.Errorf("agent %s failed to register with %s", a.ID, a.ServerURL), err)
	}
	a.log.Infof("Registered with %s, capacity %d", a.ServerURL, a.Capacity)

	go a.heartbeatLoop(ctx)

	for {
		tasks, err := a.poll(ctx)
		if err != nil {
			a.log.Warnf("Poll failed - %v", err)
		}

		for _, task := range tasks {
			if err := a.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			go a.runTask(ctx, task)
		}

		// Immediately poll again while the server is handing out work.
		if len(tasks) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.PollInterval):
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	return backoff.Retry(func() error {
		body, _ := json.Marshal(map[string]any{"agentId": a.ID, "capacity": a.Capacity})
		res, err := a.post(ctx, "/register", body)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("register returned status %d", res.StatusCode)
		}
		return nil
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.HeartbeatInterval):
			res, err := a.post(ctx, "/heartbeat/"+a.ID, nil)
			if err != nil {
				a.log.Warnf("Heartbeat failed - %v", err)
				continue
			}
			res.Body.Close()
			if res.StatusCode == http.StatusNotFound {
				// Server forgot about us, likely after a liveness sweep.
				a.log.Warn("Server no longer knows this agent, re-registering")
				if err := a.register(ctx); err != nil {
					a.log.Warnf("Re-registration failed - %v", err)
				}
			}
		}
	}
}

func (a *Agent) poll(ctx context.Context) ([]crucible.TaskUnit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.ServerURL+"/poll/"+a.ID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", a.Token)

	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		a.log.Warn("Server no longer knows this agent, re-registering")
		return nil, a.register(ctx)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned status %d", res.StatusCode)
	}

	var response struct {
		Tasks []crucible.TaskUnit `json:"tasks"`
	}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, err
	}
	return response.Tasks, nil
}

func (a *Agent) runTask(ctx context.Context, task crucible.TaskUnit) {
	defer a.sem.Release(1)

	log := a.log.WithField("task", task.ID())
	log.Infof("Running %s of crate %s with toolchain %s", task.Mode, task.Crate, task.Toolchain)

	outcome, artifacts, err := a.Executor.Execute(ctx, task)
	if err != nil {
		log.Errorf("Task execution failed - %v", err)
		outcome = crucible.OutcomeError
	}
	log.Infof("Task finished with outcome %s", outcome)

	if err := a.report(ctx, task, outcome, artifacts); err != nil {
		log.Errorf("Couldn't deliver task outcome - %v", err)
	}
}

// report delivers an outcome, retrying with backoff on transport errors. A
// stale response means the lease was superseded while we were running; the
// outcome is dropped without retrying since the server already handed the
// task to someone else.
func (a *Agent) report(ctx context.Context, task crucible.TaskUnit, outcome crucible.SingleOutcome, artifacts []string) error {
	body, _ := json.Marshal(map[string]any{
		"taskId":    task.ID(),
		"outcome":   string(outcome),
		"artifacts": artifacts,
	})

	return backoff.Retry(func() error {
		res, err := a.post(ctx, "/report/"+a.ID, body)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch res.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusConflict:
			a.log.Warnf("Outcome of task %s was stale, dropping it", task.ID())
			return nil
		case http.StatusGone:
			return backoff.Permanent(fmt.Errorf("experiment of task %s was aborted", task.ID()))
		default:
			return fmt.Errorf("report returned status %d", res.StatusCode)
		}
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

func (a *Agent) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", a.Token)
	req.Header.Set("Content-Type", "application/json")
	return a.client.Do(req)
}
