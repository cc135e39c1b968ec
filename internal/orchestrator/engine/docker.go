package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/workspace"
)

const (
	containerAlgorithmDir = "/Lean/Algorithm"
	containerDataDir      = "/Lean/Data"
	containerResultsDir   = "/Results"
	containerConfigPath   = "/Lean/Launcher/config.json"
	containerPrefix       = "backtest-"
	jobIdLabel            = "backtest.job-id"
	killTimeout           = 10 * time.Second
)

// DockerRunner runs each engine in its own container, named after the job so it can be
// found again after a restart.
type DockerRunner struct {
	docker  string
	image   string
	network string
}

func NewDockerRunner(docker, image, network string) *DockerRunner {
	return &DockerRunner{docker: docker, image: image, network: network}
}

func ContainerName(jobId string) string {
	return containerPrefix + jobId
}

func (r *DockerRunner) EnginePaths(_ *workspace.Workspace, _, entryPoint string) Paths {
	return Paths{
		AlgorithmLocation: path.Join(containerAlgorithmDir, entryPoint),
		DataFolder:        containerDataDir,
		ResultsFolder:     containerResultsDir,
	}
}

func (r *DockerRunner) Run(ctx context.Context, spec RunSpec, onStart func(string), onLine func(string)) (*Outcome, error) {
	name := ContainerName(spec.JobId)
	cmd := exec.CommandContext(ctx, r.docker, r.runArgs(name, spec)...)
	cmd.Cancel = func() error {
		// killing the client leaves the container running
		if err := killContainer(r.docker, name); err != nil {
			log.WithError(err).WithField("jobId", spec.JobId).Warnf("Failed to kill container %s", name)
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = killTimeout
	return runCommand(cmd, func(*exec.Cmd) string { return name }, onStart, onLine)
}

func (r *DockerRunner) runArgs(name string, spec RunSpec) []string {
	ws := spec.Workspace
	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", jobIdLabel + "=" + spec.JobId,
	}
	if spec.CpuCores > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CpuCores, 'f', -1, 64))
	}
	if spec.MemoryBytes > 0 {
		args = append(args, "--memory", fmt.Sprintf("%db", spec.MemoryBytes))
	}
	if r.network != "" {
		args = append(args, "--network", r.network)
	}
	if spec.StreamingPort > 0 {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d", spec.StreamingPort, spec.StreamingPort))
	}
	args = append(args,
		"-v", ws.AlgorithmDir+":"+containerAlgorithmDir+":ro",
		"-v", spec.DataDir+":"+containerDataDir+":ro",
		"-v", ws.ResultsDir+":"+containerResultsDir,
		"-v", ws.ConfigPath+":"+containerConfigPath+":ro",
		r.image,
		"--config", containerConfigPath,
	)
	return args
}

func killContainer(docker, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, docker, "kill", name).CombinedOutput()
	if err != nil && !isGone(string(out)) {
		return errors.Wrapf(err, "docker kill %s: %s", name, strings.TrimSpace(string(out)))
	}
	return nil
}

func isGone(output string) bool {
	return strings.Contains(output, "No such container") ||
		strings.Contains(output, "No such object") ||
		strings.Contains(output, "is not running")
}

// Inspector checks on engines by handle: container names for the docker runner and
// pid:<n> for the exec runner.
type Inspector struct {
	docker string
}

func NewInspector(docker string) *Inspector {
	return &Inspector{docker: docker}
}

func (p *Inspector) IsAlive(ctx context.Context, handle string) (bool, error) {
	if pid, ok := parsePidHandle(handle); ok {
		return processAlive(pid), nil
	}
	out, err := exec.CommandContext(ctx, p.docker, "inspect", "-f", "{{.State.Running}}", handle).CombinedOutput()
	if err != nil {
		if isGone(string(out)) {
			return false, nil
		}
		return false, backtesterrors.Infrastructure("docker", errors.Wrapf(err, "inspecting %s: %s", handle, strings.TrimSpace(string(out))))
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

func (p *Inspector) Terminate(_ context.Context, handle string) error {
	if pid, ok := parsePidHandle(handle); ok {
		return killProcess(pid)
	}
	return backtesterrors.Infrastructure("docker", killContainer(p.docker, handle))
}
