package engine

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/i-dream-of-ai/aegra/internal/orchestrator/workspace"
)

const pidHandlePrefix = "pid:"

// ExecRunner runs the engine as a child process on the host. CPU and memory limits are
// enforced by running the engine in a transient systemd scope through limiter. With no
// limiter the engine runs unconfined.
type ExecRunner struct {
	binary      string
	args        []string
	limiter     string
	limiterArgs []string
}

func NewExecRunner(binary string, args []string, limiter string, limiterArgs []string) *ExecRunner {
	return &ExecRunner{binary: binary, args: args, limiter: limiter, limiterArgs: limiterArgs}
}

func (r *ExecRunner) EnginePaths(ws *workspace.Workspace, dataDir, entryPoint string) Paths {
	return Paths{
		AlgorithmLocation: filepath.Join(ws.AlgorithmDir, entryPoint),
		DataFolder:        dataDir,
		ResultsFolder:     ws.ResultsDir,
	}
}

func (r *ExecRunner) Run(ctx context.Context, spec RunSpec, onStart func(string), onLine func(string)) (*Outcome, error) {
	name, args := r.commandLine(spec)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = spec.Workspace.Dir
	return runCommand(cmd, func(cmd *exec.Cmd) string {
		return fmt.Sprintf("%s%d", pidHandlePrefix, cmd.Process.Pid)
	}, onStart, onLine)
}

// commandLine is the engine invocation, wrapped in the limiter when spec carries limits.
// systemd-run --scope execs the engine in place, so the pid handle stays the engine's.
func (r *ExecRunner) commandLine(spec RunSpec) (string, []string) {
	args := append(append([]string{}, r.args...), "--config", spec.Workspace.ConfigPath)
	if r.limiter == "" || (spec.CpuCores <= 0 && spec.MemoryBytes <= 0) {
		return r.binary, args
	}

	wrapped := append(append([]string{}, r.limiterArgs...), "--scope", "--quiet", "--collect")
	if spec.CpuCores > 0 {
		wrapped = append(wrapped, "-p", "CPUQuota="+strconv.Itoa(int(math.Ceil(spec.CpuCores*100)))+"%")
	}
	if spec.MemoryBytes > 0 {
		memory := strconv.FormatInt(spec.MemoryBytes, 10)
		wrapped = append(wrapped, "-p", "MemoryMax="+memory, "-p", "MemorySwapMax=0")
	}
	wrapped = append(wrapped, "--", r.binary)
	return r.limiter, append(wrapped, args...)
}
