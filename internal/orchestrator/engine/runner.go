// Package engine launches the backtest engine and interprets what it leaves behind: exit
// code, console output and the result artifact.
package engine

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/workspace"
)

const (
	maxTailLines  = 500
	maxLineLength = 1024 * 1024
	// ExitKilled is reported when the engine was terminated by a signal.
	ExitKilled = -1
)

type RunSpec struct {
	JobId     string
	Workspace *workspace.Workspace
	// Host directory holding the cached market data for the job's scope.
	DataDir       string
	CpuCores      float64
	MemoryBytes   int64
	StreamingPort int
}

type Outcome struct {
	ExitCode int
	// Last lines of combined stdout and stderr.
	Output   []string
	Duration time.Duration
}

// Paths are the locations written into the engine's config file.
type Paths struct {
	AlgorithmLocation string
	DataFolder        string
	ResultsFolder     string
}

type Runner interface {
	EnginePaths(ws *workspace.Workspace, dataDir, entryPoint string) Paths
	// Run starts the engine and blocks until it exits. onStart receives the handle used to
	// inspect or kill the process. onLine receives every output line and may be called from
	// several goroutines. Cancelling ctx kills the engine.
	Run(ctx context.Context, spec RunSpec, onStart func(handle string), onLine func(line string)) (*Outcome, error)
}

// runCommand drains stdout and stderr to completion, then waits for the process.
func runCommand(cmd *exec.Cmd, handle func(cmd *exec.Cmd) string, onStart func(string), onLine func(string)) (*Outcome, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, backtesterrors.Infrastructure("engine", errors.WithStack(err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, backtesterrors.Infrastructure("engine", errors.WithStack(err))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, backtesterrors.Infrastructure("engine", errors.Wrapf(err, "starting %s", cmd.Path))
	}
	if onStart != nil {
		onStart(handle(cmd))
	}

	tail := &outputTail{max: maxTailLines}
	g := errgroup.Group{}
	for _, r := range []io.Reader{stdout, stderr} {
		r := r
		g.Go(func() error {
			return drain(r, func(line string) {
				tail.add(line)
				if onLine != nil {
					onLine(line)
				}
			})
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("Error reading engine output")
	}

	outcome := &Outcome{}
	waitErr := cmd.Wait()
	outcome.Duration = time.Since(start)
	outcome.Output = tail.lines()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return outcome, backtesterrors.Infrastructure("engine", errors.WithStack(waitErr))
		}
		outcome.ExitCode = exitErr.ExitCode()
	}
	return outcome, nil
}

func drain(r io.Reader, onLine func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// keep the pipe flowing so the process does not block on a full buffer
		_, _ = io.Copy(io.Discard, r)
		return errors.WithStack(err)
	}
	return nil
}

type outputTail struct {
	mu    sync.Mutex
	max   int
	store []string
}

func (t *outputTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = append(t.store, line)
	if len(t.store) > t.max {
		t.store = t.store[len(t.store)-t.max:]
	}
}

func (t *outputTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.store...)
}
