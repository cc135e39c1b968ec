package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/domain"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/engine"
)

func TestWorkerPool_RetriesInfrastructureErrors(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		var attempts int32
		succeedOnce := succeed(t, f)
		f.runner.run = func(ctx context.Context, spec engine.RunSpec, onLine func(string)) (*engine.Outcome, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, backtesterrors.Infrastructure("engine", assert.AnError)
			}
			return succeedOnce(ctx, spec, onLine)
		}

		jobId := runPool(t, f, func(ctx context.Context) string {
			jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
			require.NoError(t, err)
			return jobId
		}, domain.JobCompleted)

		job, err := f.orchestrator.GetStatus(context.Background(), jobId)
		require.NoError(t, err)
		assert.Equal(t, 2, job.Attempts)
	})
}

func TestWorkerPool_FailsAfterExhaustingAttempts(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		var attempts int32
		f.runner.run = func(context.Context, engine.RunSpec, func(string)) (*engine.Outcome, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, backtesterrors.Infrastructure("engine", assert.AnError)
		}

		jobId := runPool(t, f, func(ctx context.Context) string {
			jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
			require.NoError(t, err)
			return jobId
		}, domain.JobError)

		job, err := f.orchestrator.GetStatus(context.Background(), jobId)
		require.NoError(t, err)
		assert.Equal(t, string(backtesterrors.KindInfrastructure), job.ErrorKind)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))

		assert.Eventually(t, func() bool {
			claimed, err := f.queue.ClaimedBy(workerId)
			return err == nil && len(claimed) == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestWorkerPool_DoesNotRetryExecutionErrors(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		var attempts int32
		f.runner.run = func(context.Context, engine.RunSpec, func(string)) (*engine.Outcome, error) {
			atomic.AddInt32(&attempts, 1)
			return &engine.Outcome{ExitCode: 2, Output: []string{"Unhandled Exception: boom"}}, nil
		}

		runPool(t, f, func(ctx context.Context) string {
			jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
			require.NoError(t, err)
			return jobId
		}, domain.JobError)

		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})
}

// runPool starts a pool, submits a job and waits for it to reach status.
func runPool(t *testing.T, f *fixture, submit func(ctx context.Context) string, status domain.JobStatus) string {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(f.queue, f.orchestrator, workerId, testConfig().Queue)
	pool.now = f.clock.Now

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	jobId := submit(ctx)
	assert.Eventually(t, func() bool {
		job, err := f.orchestrator.GetStatus(ctx, jobId)
		return err == nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return jobId
}
