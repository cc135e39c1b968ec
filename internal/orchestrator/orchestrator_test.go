package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/common/database"
	"github.com/i-dream-of-ai/aegra/internal/common/util"
	"github.com/i-dream-of-ai/aegra/internal/marketdata"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/configuration"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/domain"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/engine"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/introspection"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/repository"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/workspace"
	"github.com/i-dream-of-ai/aegra/internal/portlease"
	"github.com/i-dream-of-ai/aegra/internal/progress"
	"github.com/i-dream-of-ai/aegra/internal/provider"
	"github.com/i-dream-of-ai/aegra/internal/usage"
)

const spyAlgorithm = `from AlgorithmImports import *

class BuyAndHold(QCAlgorithm):
    def initialize(self):
        self.set_start_date(2023, 1, 1)
        self.set_end_date(2023, 6, 1)
        self.set_cash(100000)
        self.add_equity("SPY", Resolution.DAILY)

    def on_data(self, data):
        if not self.portfolio.invested:
            self.set_holdings("SPY", 1)
`

const resultArtifact = `{
	"statistics": {"Total Orders": "1", "Net Profit": "8.9%"},
	"charts": {"Strategy Equity": {"series": {"Equity": {"values": [[1672704000, 100000], [1685577600, 108900]]}}}},
	"orders": {"1": {"Id": 1, "Symbol": {"Value": "SPY"}, "Quantity": 260}}
}`

var testNow = time.Date(2023, 7, 1, 9, 30, 0, 0, time.UTC)

func TestProcess_CompletesBacktest(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = func(ctx context.Context, spec engine.RunSpec, onLine func(string)) (*engine.Outcome, error) {
			config, err := os.ReadFile(spec.Workspace.ConfigPath)
			require.NoError(t, err)
			assert.Contains(t, string(config), `"backtest-start-date": "2023-01-01"`)
			assert.Contains(t, string(config), `"backtest-end-date": "2023-06-01"`)
			assert.Contains(t, string(config), `"backtest-cash": 100000`)
			assert.FileExists(t, filepath.Join(spec.Workspace.AlgorithmDir, "main.py"))

			onLine("Algorithm initialized")
			onLine("Progress: 50%")
			f.clock.Advance(10 * time.Minute)
			writeResult(t, spec.Workspace)
			return &engine.Outcome{ExitCode: 0, Duration: 90 * time.Second}, nil
		}

		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)
		sub, err := f.pubsub.Subscribe(ctx, progress.Channel(jobId))
		require.NoError(t, err)
		defer sub.Close()
		require.NoError(t, f.orchestrator.Process(ctx, jobId))

		job, err := f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, job.Status)
		assert.Equal(t, 100.0, job.Progress)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.Result)
		assert.Equal(t, "8.9%", job.Result.Statistics["Net Profit"])
		assert.Len(t, job.Result.Orders, 1)

		record, err := f.ledger.Get(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusCompleted, record.Status)
		// engine wall time times the two requested cores
		assert.Equal(t, 180.0, record.ComputeSeconds)
		assert.Equal(t, "pid:4242", record.ProcessHandle)
		assert.Greater(t, record.DataPoints, int64(0))

		report, err := f.cache.CheckCoverage(ctx, marketdata.UserScope("alice"), "SPY", date(2023, 1, 1), date(2023, 6, 1))
		require.NoError(t, err)
		assert.Equal(t, marketdata.CoverageFull, report.Status)

		_, err = os.Stat(filepath.Join(f.workspaceRoot, jobId))
		assert.True(t, os.IsNotExist(err), "workspace is removed after the run")

		var kinds []progress.MessageKind
		var last float64
		for msg := range sub.Messages() {
			kinds = append(kinds, msg.Kind)
			assert.GreaterOrEqual(t, msg.Progress, last, "progress never goes backwards")
			last = msg.Progress
			if msg.Kind.Terminal() {
				assert.Equal(t, "8.9%", msg.Statistics["Net Profit"])
				break
			}
		}
		assert.Contains(t, kinds, progress.KindProgress)
		assert.Equal(t, progress.KindCompleted, kinds[len(kinds)-1])
	})
}

func TestProcess_BillsEngineTimeOfEveryAttempt(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		attempt := 0
		f.runner.run = func(_ context.Context, spec engine.RunSpec, _ func(string)) (*engine.Outcome, error) {
			attempt++
			f.clock.Advance(time.Hour)
			if attempt == 1 {
				return &engine.Outcome{Duration: 10 * time.Second}, backtesterrors.Infrastructure("engine", assert.AnError)
			}
			writeResult(t, spec.Workspace)
			return &engine.Outcome{ExitCode: 0, Duration: 20 * time.Second}, nil
		}

		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)
		require.Error(t, f.orchestrator.Process(ctx, jobId))
		require.NoError(t, f.orchestrator.Process(ctx, jobId))

		record, err := f.ledger.Get(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusCompleted, record.Status)
		assert.Equal(t, 60.0, record.ComputeSeconds)
	})
}

func TestProcess_NoEngineTimeBillsNothing(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = func(context.Context, engine.RunSpec, func(string)) (*engine.Outcome, error) {
			f.clock.Advance(time.Hour)
			return nil, backtesterrors.Infrastructure("engine", assert.AnError)
		}

		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)
		require.Error(t, f.orchestrator.Process(ctx, jobId))
		f.orchestrator.Fail(ctx, jobId, assert.AnError)

		record, err := f.ledger.Get(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusError, record.Status)
		assert.Equal(t, 0.0, record.ComputeSeconds)
	})
}

func TestProcess_SecondRunOnlyFetchesMissingRange(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = succeed(t, f)

		first, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)
		require.NoError(t, f.orchestrator.Process(ctx, first))

		spec := spySpec("alice")
		end := date(2023, 6, 30)
		spec.EndDate = &end
		second, err := f.orchestrator.Submit(ctx, spec)
		require.NoError(t, err)
		require.NoError(t, f.orchestrator.Process(ctx, second))

		calls := f.provider.requests()
		require.Len(t, calls, 2)
		assert.Equal(t, marketdata.NewDateRange(date(2023, 1, 1), date(2023, 6, 1)), calls[0])
		assert.Equal(t, marketdata.NewDateRange(date(2023, 6, 2), date(2023, 6, 30)), calls[1])
	})
}

func TestProcess_NoCredentialsFailsBeforeWorkspace(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = func(context.Context, engine.RunSpec, func(string)) (*engine.Outcome, error) {
			t.Fatal("engine must not run")
			return nil, nil
		}

		jobId, err := f.orchestrator.Submit(ctx, spySpec("bob"))
		require.NoError(t, err)
		require.NoError(t, f.orchestrator.Process(ctx, jobId))

		job, err := f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobError, job.Status)
		assert.Equal(t, string(backtesterrors.KindUpstreamProvider), job.ErrorKind)

		entries, err := os.ReadDir(f.workspaceRoot)
		require.NoError(t, err)
		assert.Empty(t, entries)

		record, err := f.ledger.Get(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusError, record.Status)
	})
}

func TestProcess_EngineFailureIsClassified(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = func(_ context.Context, _ engine.RunSpec, onLine func(string)) (*engine.Outcome, error) {
			onLine("Runtime Error: 'SPY' wasn't found in the Slice object")
			return &engine.Outcome{ExitCode: 1, Output: []string{"Runtime Error: 'SPY' wasn't found in the Slice object"}}, nil
		}

		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)
		require.NoError(t, f.orchestrator.Process(ctx, jobId))

		job, err := f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobError, job.Status)
		assert.Equal(t, string(backtesterrors.KindExecution), job.ErrorKind)
		assert.Contains(t, job.Error, "wasn't found in the Slice object")
	})
}

func TestProcess_MissingArtifactIsParseError(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = func(context.Context, engine.RunSpec, func(string)) (*engine.Outcome, error) {
			return &engine.Outcome{ExitCode: 0}, nil
		}

		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)
		require.NoError(t, f.orchestrator.Process(ctx, jobId))

		job, err := f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobError, job.Status)
		assert.Equal(t, string(backtesterrors.KindParse), job.ErrorKind)
	})
}

func TestProcess_InfrastructureErrorIsReturnedForRetry(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = func(context.Context, engine.RunSpec, func(string)) (*engine.Outcome, error) {
			return nil, backtesterrors.Infrastructure("engine", assert.AnError)
		}

		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)
		err = f.orchestrator.Process(ctx, jobId)
		assert.True(t, backtesterrors.IsRetryable(err))

		job, err := f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobRunning, job.Status)

		f.orchestrator.Fail(ctx, jobId, backtesterrors.Infrastructure("engine", assert.AnError))
		job, err = f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobError, job.Status)
		assert.Equal(t, string(backtesterrors.KindInfrastructure), job.ErrorKind)
	})
}

func TestProcess_StreamingLeasesAndReleasesPort(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		var leased int
		f.runner.run = func(ctx context.Context, spec engine.RunSpec, onLine func(string)) (*engine.Outcome, error) {
			leased = spec.StreamingPort
			config, err := os.ReadFile(spec.Workspace.ConfigPath)
			require.NoError(t, err)
			assert.Contains(t, string(config), `"desktop-http-port": 5678`)
			writeResult(t, spec.Workspace)
			return &engine.Outcome{ExitCode: 0}, nil
		}

		spec := spySpec("alice")
		spec.Streaming = true
		jobId, err := f.orchestrator.Submit(ctx, spec)
		require.NoError(t, err)
		require.NoError(t, f.orchestrator.Process(ctx, jobId))

		assert.Equal(t, 5678, leased)
		job, err := f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, 5678, job.StreamingPort)
		assert.Equal(t, domain.JobCompleted, job.Status)

		port, ok, err := f.ports.Allocate(ctx, 5678, 5678, "other-worker")
		require.NoError(t, err)
		assert.True(t, ok, "lease is released after the run")
		assert.Equal(t, 5678, port)
	})
}

func TestProcess_StreamingContinuesWhenPortsExhausted(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		_, ok, err := f.ports.Allocate(ctx, 5678, 5679, "other-worker")
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = f.ports.Allocate(ctx, 5678, 5679, "other-worker")
		require.NoError(t, err)
		require.True(t, ok)

		var leased int
		f.runner.run = func(ctx context.Context, spec engine.RunSpec, onLine func(string)) (*engine.Outcome, error) {
			leased = spec.StreamingPort
			writeResult(t, spec.Workspace)
			return &engine.Outcome{ExitCode: 0}, nil
		}

		spec := spySpec("alice")
		spec.Streaming = true
		jobId, err := f.orchestrator.Submit(ctx, spec)
		require.NoError(t, err)
		require.NoError(t, f.orchestrator.Process(ctx, jobId))

		assert.Equal(t, 0, leased)
		job, err := f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, job.Status)
	})
}

func TestAbort_QueuedJob(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)

		job, err := f.orchestrator.Abort(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobAborted, job.Status)

		size, err := f.queue.Size()
		require.NoError(t, err)
		assert.Equal(t, int64(0), size)

		// aborting again is a no-op
		job, err = f.orchestrator.Abort(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobAborted, job.Status)
	})
}

func TestAbort_RunningJobKillsEngine(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		started := make(chan struct{})
		f.runner.run = func(ctx context.Context, _ engine.RunSpec, _ func(string)) (*engine.Outcome, error) {
			close(started)
			<-ctx.Done()
			return &engine.Outcome{ExitCode: engine.ExitKilled}, nil
		}

		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- f.orchestrator.Process(ctx, jobId) }()

		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("engine never started")
		}
		job, err := f.orchestrator.Abort(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobAborted, job.Status)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("run was not cancelled")
		}

		job, err = f.orchestrator.GetStatus(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, domain.JobAborted, job.Status, "the engine exit never overwrites the abort")

		record, err := f.ledger.Get(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, usage.StatusAborted, record.Status)
	})
}

func TestAbort_UnknownJob(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		_, err := f.orchestrator.Abort(context.Background(), "missing")
		assert.Equal(t, backtesterrors.KindNotFound, backtesterrors.KindOf(err))
	})
}

func TestSubmit_RejectsInvalidSpec(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		spec := spySpec("alice")
		spec.MainFile = "missing.py"
		_, err := f.orchestrator.Submit(context.Background(), spec)
		assert.Equal(t, backtesterrors.KindValidation, backtesterrors.KindOf(err))

		spec = spySpec("alice")
		spec.Symbols = []string{"../../../../../x"}
		_, err = f.orchestrator.Submit(context.Background(), spec)
		assert.Equal(t, backtesterrors.KindValidation, backtesterrors.KindOf(err))

		size, err := f.queue.Size()
		require.NoError(t, err)
		assert.Zero(t, size)
	})
}

func TestSubmit_QuotaDenied(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		_, err := f.ledger.Create(ctx, usage.Entry{JobId: "earlier", Owner: "alice", JobType: "backtest", CpuCores: 1})
		require.NoError(t, err)
		_, err = f.ledger.Complete(ctx, "earlier", usage.Completion{ComputeSeconds: 7200, Status: usage.StatusCompleted})
		require.NoError(t, err)

		_, err = f.orchestrator.Submit(ctx, spySpec("alice"))
		assert.Equal(t, backtesterrors.KindResourceExhausted, backtesterrors.KindOf(err))
	})
}

func TestJobState_ReflectsTerminalStatus(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = succeed(t, f)
		jobId, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)

		state, err := f.orchestrator.JobState(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, progress.MessageKind(""), state.Kind)

		require.NoError(t, f.orchestrator.Process(ctx, jobId))
		state, err = f.orchestrator.JobState(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, progress.KindCompleted, state.Kind)
		assert.Equal(t, "8.9%", state.Statistics["Net Profit"])
	})
}

func TestRecoverClaims_RequeuesOnlyUnstartedJobs(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		ctx := context.Background()
		f.runner.run = succeed(t, f)

		unstarted, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)
		started, err := f.orchestrator.Submit(ctx, spySpec("alice"))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, ok, err := f.queue.Claim(workerId, f.clock.Now())
			require.NoError(t, err)
			require.True(t, ok)
		}
		_, err = f.jobs.UpdateJob(started, func(job *domain.Job) error {
			job.Status = domain.JobRunning
			return nil
		})
		require.NoError(t, err)

		requeued, err := f.orchestrator.RecoverClaims(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, requeued)

		claimed, err := f.queue.ClaimedBy(workerId)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		id, ok, err := f.queue.Claim(workerId, f.clock.Now())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, unstarted, id)
	})
}

func TestResolveWindow_Precedence(t *testing.T) {
	withOrchestrator(t, func(f *fixture) {
		job := &domain.Job{Spec: spySpec("alice")}
		window, err := f.orchestrator.resolveWindow(job)
		require.NoError(t, err)
		assert.Equal(t, []string{"SPY"}, window.symbols)
		assert.Equal(t, date(2023, 1, 1), window.start)
		assert.Equal(t, date(2023, 6, 1), window.end)
		assert.Equal(t, 100000.0, window.cash)

		start := date(2023, 2, 1)
		job.Spec.StartDate = &start
		job.Spec.Cash = 5000
		job.Spec.Symbols = []string{"QQQ"}
		window, err = f.orchestrator.resolveWindow(job)
		require.NoError(t, err)
		assert.Equal(t, []string{"QQQ"}, window.symbols)
		assert.Equal(t, date(2023, 2, 1), window.start)
		assert.Equal(t, date(2023, 6, 1), window.end)
		assert.Equal(t, 5000.0, window.cash)

		job.Spec.Files[0].Content = "class Empty(QCAlgorithm):\n    pass\n"
		job.Spec.StartDate = nil
		job.Spec.Cash = 0
		window, err = f.orchestrator.resolveWindow(job)
		require.NoError(t, err)
		assert.Equal(t, date(2023, 7, 1), window.end)
		assert.Equal(t, date(2023, 7, 1).Add(-30*24*time.Hour), window.start)
		assert.Equal(t, 25000.0, window.cash)

		late := date(2023, 8, 1)
		job.Spec.StartDate = &late
		_, err = f.orchestrator.resolveWindow(job)
		assert.Equal(t, backtesterrors.KindValidation, backtesterrors.KindOf(err))
	})
}

const workerId = "worker-1"

type fixture struct {
	orchestrator  *Orchestrator
	jobs          *repository.RedisJobRepository
	queue         *repository.RedisJobQueue
	ledger        *usage.Ledger
	ports         *portlease.RedisAllocator
	cache         *marketdata.Manager
	runner        *fakeRunner
	provider      *fakeProvider
	pubsub        *progress.LocalPubSub
	clock         *util.DummyClock
	workspaceRoot string
}

func withOrchestrator(t *testing.T, action func(f *fixture)) {
	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	defer redisServer.Close()
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	defer client.Close()

	db, goquDb, err := database.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	clock := &util.DummyClock{T: testNow}
	f := &fixture{
		jobs:          repository.NewRedisJobRepository(client),
		queue:         repository.NewRedisJobQueue(client),
		ledger:        usage.NewLedger(usage.NewSqlRepository(goquDb), clock, map[string]usage.Quota{"backtest": {MonthlyComputeSeconds: 3600}}),
		ports:         portlease.NewRedisAllocator(client, 5678, 5679, time.Minute),
		cache:         marketdata.NewManager(t.TempDir(), marketdata.NewSqlCoverageIndex(goquDb, clock), nil),
		runner:        &fakeRunner{},
		provider:      &fakeProvider{},
		pubsub:        progress.NewLocalPubSub(),
		clock:         clock,
		workspaceRoot: t.TempDir(),
	}

	credentials := provider.NewCredentialResolver(fakeCredentialStore{
		"alice": {"polygon": {Provider: "polygon", Key: "alice-key", Scope: marketdata.UserScope("alice")}},
	}, []string{"polygon"}, nil, time.Minute)

	f.orchestrator, err = NewOrchestrator(testConfig(), workerId, Components{
		Jobs:         f.jobs,
		Queue:        f.queue,
		Ledger:       f.ledger,
		Ports:        f.ports,
		Cache:        f.cache,
		Credentials:  credentials,
		Bars:         provider.NewCascade(f.provider),
		Introspector: introspection.RegexIntrospector{},
		Workspaces:   workspace.NewManager(f.workspaceRoot, false),
		Runner:       f.runner,
		Propagator:   progress.NewPropagator(f.pubsub),
		Sources: func(ws *workspace.Workspace, _ int) progress.Source {
			return progress.NewFileSource(ws.ResultPath("stream.json"), 10*time.Millisecond)
		},
		Clock: clock,
	})
	require.NoError(t, err)
	action(f)
}

func testConfig() configuration.OrchestratorConfig {
	return configuration.OrchestratorConfig{
		Queue: configuration.QueueConfig{
			Concurrency:    2,
			PollInterval:   10 * time.Millisecond,
			MaxAttempts:    3,
			RetryBaseDelay: time.Millisecond,
		},
		Ports: configuration.PortsConfig{
			RangeStart:        5678,
			RangeEnd:          5679,
			LeaseTtl:          time.Minute,
			HeartbeatInterval: 10 * time.Millisecond,
		},
		Engine: configuration.EngineConfig{
			DefaultCpuCores: 2,
			DefaultMemory:   4 << 30,
			ProgressPattern: `(?i)progress:?\s*(\d{1,3}(?:\.\d+)?)\s*%`,
			ResultsFileName: "backtest-results.json",
		},
		Progress:  configuration.ProgressConfig{BufferSize: 16},
		Usage:     configuration.UsageConfig{EnforceQuota: true},
		Defaults:  configuration.DefaultsConfig{Lookback: 30 * 24 * time.Hour, Cash: 25000, JobType: "backtest"},
		Execution: configuration.ExecutionConfig{KillOnAbort: true},
	}
}

func spySpec(owner string) domain.JobSpec {
	return domain.JobSpec{
		Owner: owner,
		Name:  "Buy and hold",
		Files: []domain.AlgorithmFile{{Name: "main.py", Content: spyAlgorithm}},
	}
}

func succeed(t *testing.T, f *fixture) func(context.Context, engine.RunSpec, func(string)) (*engine.Outcome, error) {
	return func(_ context.Context, spec engine.RunSpec, _ func(string)) (*engine.Outcome, error) {
		f.clock.Advance(time.Minute)
		writeResult(t, spec.Workspace)
		return &engine.Outcome{ExitCode: 0}, nil
	}
}

func writeResult(t *testing.T, ws *workspace.Workspace) {
	require.NoError(t, os.WriteFile(ws.ResultPath("backtest-results.json"), []byte(resultArtifact), 0o644))
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

type fakeRunner struct {
	run func(ctx context.Context, spec engine.RunSpec, onLine func(string)) (*engine.Outcome, error)
}

func (r *fakeRunner) EnginePaths(ws *workspace.Workspace, dataDir, entryPoint string) engine.Paths {
	return engine.Paths{
		AlgorithmLocation: filepath.Join(ws.AlgorithmDir, entryPoint),
		DataFolder:        dataDir,
		ResultsFolder:     ws.ResultsDir,
	}
}

func (r *fakeRunner) Run(ctx context.Context, spec engine.RunSpec, onStart func(string), onLine func(string)) (*engine.Outcome, error) {
	onStart("pid:4242")
	return r.run(ctx, spec, onLine)
}

// fakeProvider returns a bar for every weekday in the requested range.
type fakeProvider struct {
	mu    sync.Mutex
	calls []marketdata.DateRange
}

func (p *fakeProvider) Name() string { return "polygon" }

func (p *fakeProvider) FetchDailyBars(_ context.Context, _ provider.Credential, _ string, from, to time.Time) ([]marketdata.Bar, error) {
	p.mu.Lock()
	p.calls = append(p.calls, marketdata.NewDateRange(from, to))
	p.mu.Unlock()

	var bars []marketdata.Bar
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		bars = append(bars, marketdata.Bar{Date: d, Open: 400, High: 401, Low: 399, Close: 400.5, Volume: 1000})
	}
	return bars, nil
}

func (p *fakeProvider) requests() []marketdata.DateRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]marketdata.DateRange{}, p.calls...)
}

type fakeCredentialStore map[string]map[string]provider.Credential

func (s fakeCredentialStore) UserCredentials(_ context.Context, owner string) (map[string]provider.Credential, error) {
	return s[owner], nil
}
