package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/crucible-dev/crucible/pkg/crucible"
	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/opencontainers/go-digest"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// executionStep is one container run of a task: a command and how its exit
// status maps onto outcomes.
type executionStep struct {
	name string
	cmd  []string

	onFailure crucible.SingleOutcome
	onSuccess crucible.SingleOutcome
}

// DockerExecutor runs tasks in containers, one per execution step. The crate
// sources are expected under WorkDir/mirror, keyed by crate ID with slashes
// flattened; populating that mirror is the corpus provider's job. Each
// toolchain gets its own image, built once and reused across tasks.
type DockerExecutor struct {
	WorkDir string // Root for the source mirror, per-task workspaces and log files

	Log *logrus.Logger

	builtImages    sync.Map // Image names that have been built already
	imagesBuilding sync.Map // Map of locks ensuring only one task builds a given image at once
}

func (e *DockerExecutor) log() *logrus.Entry {
	if e.Log == nil {
		e.Log = logrus.New()
		e.Log.SetOutput(io.Discard)
	}
	return e.Log.WithField("component", "executor")
}

// Execute runs the task's mode against its crate under its toolchain and maps
// the container exit statuses onto a single outcome. The returned artifact
// references point at the log files written under WorkDir/logs.
func (e *DockerExecutor) Execute(ctx context.Context, task crucible.TaskUnit) (crucible.SingleOutcome, []string, error) {
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return crucible.OutcomeError, nil, errors.Join(fmt.Errorf("docker client creation failed"), err)
	}
	defer apiClient.Close()

	image, err := e.ensureToolchainImage(ctx, apiClient, task.Toolchain)
	if err != nil {
		return crucible.OutcomeError, nil, err
	}

	workspace, err := e.prepareWorkspace(task.Crate)
	if err != nil {
		return crucible.OutcomeError, nil, err
	}
	defer os.RemoveAll(workspace)

	var artifacts []string
	for _, step := range stepsForMode(task.Mode) {
		exitCode, logFile, err := e.runStep(ctx, apiClient, image, workspace, task, step)
		if logFile != "" {
			artifacts = append(artifacts, logFile)
		}
		if err != nil {
			return crucible.OutcomeError, artifacts, err
		}
		if exitCode != 0 {
			return step.onFailure, artifacts, nil
		}
		if step.onSuccess != "" {
			return step.onSuccess, artifacts, nil
		}
	}

	// Unreachable as long as the last step of every mode sets onSuccess.
	return crucible.OutcomeUnknown, artifacts, nil
}

// stepsForMode returns the container runs of an experiment mode. Build-type
// steps that fail yield build-fail; a successful run without tests counts as
// test-skipped, matching how test-less results are compared.
func stepsForMode(mode crucible.Mode) []executionStep {
	switch mode {
	case crucible.CheckOnly:
		return []executionStep{{
			name:      "check",
			cmd:       []string{"cargo", "check", "--frozen"},
			onFailure: crucible.OutcomeBuildFail,
			onSuccess: crucible.OutcomeTestSkipped,
		}}
	case crucible.BuildOnly:
		return []executionStep{{
			name:      "build",
			cmd:       []string{"cargo", "build", "--frozen"},
			onFailure: crucible.OutcomeBuildFail,
			onSuccess: crucible.OutcomeTestSkipped,
		}}
	default:
		return []executionStep{{
			name:      "build",
			cmd:       []string{"cargo", "build", "--frozen"},
			onFailure: crucible.OutcomeBuildFail,
		}, {
			name:      "test",
			cmd:       []string{"cargo", "test", "--frozen", "--no-fail-fast"},
			onFailure: crucible.OutcomeTestFail,
			onSuccess: crucible.OutcomeTestPass,
		}}
	}
}

// getToolchainImage returns the name with the tag of the docker image for the
// passed toolchain spec.
func getToolchainImage(toolchain string) string {
	return fmt.Sprintf("crucible-toolchain:%s", digest.FromString(toolchain).Encoded())
}

// ensureToolchainImage builds the toolchain's image unless it exists already.
// Concurrent tasks wanting the same toolchain serialize on a per-image lock
// so the image is only built once.
func (e *DockerExecutor) ensureToolchainImage(ctx context.Context, apiClient *client.Client, toolchain string) (string, error) {
	imageName := getToolchainImage(toolchain)

	newLock := &sync.Mutex{}
	l, _ := e.imagesBuilding.LoadOrStore(imageName, newLock)
	lock := l.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := e.builtImages.Load(imageName); ok {
		return imageName, nil
	}

	images, err := apiClient.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return "", errors.Join(fmt.Errorf("failed to list docker images"), err)
	}
	for _, image := range images {
		for _, tag := range image.RepoTags {
			if tag == imageName {
				e.builtImages.Store(imageName, true)
				return imageName, nil
			}
		}
	}

	e.log().Infof("Building image %s for toolchain %s", imageName, toolchain)

	buildDir, err := os.MkdirTemp("", "")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(buildDir)

	dockerfile := fmt.Sprintf("FROM rust:latest\nRUN rustup toolchain install %s && rustup default %s\nWORKDIR /crate\n", toolchain, toolchain)
	if err := os.WriteFile(path.Join(buildDir, "Dockerfile"), []byte(dockerfile), 0644); err != nil {
		return "", err
	}

	buildCtx, err := archive.TarWithOptions(buildDir, &archive.TarOptions{})
	if err != nil {
		return "", errors.Join(fmt.Errorf("tar creation of toolchain dockerfile failed"), err)
	}
	buildRes, err := apiClient.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{imageName},
		ForceRemove: true,
		Labels:      map[string]string{"crucible": "1"},
	})
	if err != nil {
		return "", errors.Join(fmt.Errorf("image build of %s for toolchain %s failed", imageName, toolchain), err)
	}
	out, err := io.ReadAll(buildRes.Body)
	if err != nil {
		return "", err
	}

	// Check if last stream message is an error-detail, meaning the build failed
	strOut := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if strings.HasPrefix(strOut[len(strOut)-1], `{"errorDetail"`) {
		return "", fmt.Errorf("image build of %s for toolchain %s failed, build output: %s", imageName, toolchain, out)
	}

	e.builtImages.Store(imageName, true)
	return imageName, nil
}

// prepareWorkspace copies the crate's mirrored sources into a fresh
// per-task directory so concurrent tasks never share build state.
func (e *DockerExecutor) prepareWorkspace(crate crucible.Crate) (string, error) {
	source := path.Join(e.WorkDir, "mirror", flattenID(crate.ID()))
	if _, err := os.Stat(source); err != nil {
		return "", errors.Join(fmt.Errorf("no mirrored sources for crate %s at %s", crate, source), err)
	}

	workspace := path.Join(e.WorkDir, "workspaces", uniuri.New())
	if err := copy.Copy(source, workspace, copy.Options{Specials: true}); err != nil {
		return "", errors.Join(fmt.Errorf("failed to copy sources of crate %s", crate), err)
	}
	return workspace, nil
}

// runStep runs one command of the task in a fresh container and returns its
// exit code together with the path of the captured log file.
func (e *DockerExecutor) runStep(ctx context.Context, apiClient *client.Client, image, workspace string, task crucible.TaskUnit, step executionStep) (int64, string, error) {
	containerName := "crucible-" + uniuri.New()

	containerConfig := &container.Config{
		Image:      image,
		Cmd:        step.cmd,
		WorkingDir: "/crate",
		Labels:     map[string]string{"crucible": "1"},
	}
	hostConfig := &container.HostConfig{
		Binds:       []string{workspace + ":/crate"},
		NetworkMode: "none", // Builds and tests run offline against the mirrored sources
	}

	resp, err := apiClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return 0, "", errors.Join(fmt.Errorf("container creation with name %s of image %s failed", containerName, image), err)
	}
	defer apiClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return 0, "", errors.Join(fmt.Errorf("container start with name %s of image %s failed", containerName, image), err)
	}

	var exitCode int64
	waitChan, errChan := apiClient.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case status := <-waitChan:
		exitCode = status.StatusCode
	case err := <-errChan:
		return 0, "", errors.Join(fmt.Errorf("waiting for container %s failed", containerName), err)
	case <-ctx.Done():
		return 0, "", ctx.Err()
	}

	logFile, err := e.saveLogs(apiClient, resp.ID, task, step)
	if err != nil {
		e.log().Warnf("Couldn't save logs of container %s - %v", containerName, err)
		logFile = ""
	}

	return exitCode, logFile, nil
}

// saveLogs captures the container output into a log file under WorkDir/logs
// and returns its path.
func (e *DockerExecutor) saveLogs(apiClient *client.Client, containerID string, task crucible.TaskUnit, step executionStep) (string, error) {
	logs, err := apiClient.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	logDir := path.Join(e.WorkDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", err
	}
	logFile := path.Join(logDir, fmt.Sprintf("%s-%s.log", flattenID(task.ID()), step.name))

	file, err := os.Create(logFile)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := stdcopy.StdCopy(file, file, logs); err != nil {
		return "", err
	}
	return logFile, nil
}

func flattenID(id string) string {
	return strings.ReplaceAll(id, "/", "-")
}
