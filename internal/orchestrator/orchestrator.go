// Package orchestrator runs backtest jobs from submission to a terminal status: it prepares
// market data and a workspace, runs the engine, streams its progress and records usage.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/common/util"
	"github.com/i-dream-of-ai/aegra/internal/marketdata"
	"github.com/i-dream-of-ai/aegra/internal/metrics"
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

const (
	progressPrepared = 10.0
	progressCached   = 40.0
	maxParallelFetch = 4
)

type UsageLedger interface {
	Create(ctx context.Context, entry usage.Entry) (*usage.Record, error)
	MarkRunning(ctx context.Context, jobId, workerId, processHandle string) error
	Complete(ctx context.Context, jobId string, completion usage.Completion) (bool, error)
	CheckQuota(ctx context.Context, owner, jobType string) usage.QuotaDecision
}

type CacheManager interface {
	CheckCoverage(ctx context.Context, scope marketdata.Scope, symbol string, start, end time.Time) (*marketdata.CoverageReport, error)
	EnsureCoverage(ctx context.Context, scope marketdata.Scope, symbol string, bars []marketdata.Bar, start, end time.Time) (*marketdata.CoverageReport, error)
	ScopeRoot(scope marketdata.Scope) string
}

type CredentialResolver interface {
	Resolve(ctx context.Context, owner string) ([]provider.Credential, error)
}

type BarFetcher interface {
	FetchDailyBars(ctx context.Context, credentials []provider.Credential, symbol string, from, to time.Time) ([]marketdata.Bar, provider.Credential, error)
}

// SourceFactory builds the progress source of a streaming run.
type SourceFactory func(ws *workspace.Workspace, port int) progress.Source

// Components are the collaborators an Orchestrator drives.
type Components struct {
	Jobs         repository.JobRepository
	Queue        repository.JobQueue
	Ledger       UsageLedger
	Ports        portlease.Allocator
	Cache        CacheManager
	Credentials  CredentialResolver
	Bars         BarFetcher
	Introspector introspection.Introspector
	Workspaces   *workspace.Manager
	Runner       engine.Runner
	Propagator   *progress.Propagator
	Sources      SourceFactory
	Clock        util.Clock
}

type Orchestrator struct {
	Components
	config         configuration.OrchestratorConfig
	workerId       string
	progressParser *engine.ProgressParser

	mu     sync.Mutex
	active map[string]context.CancelFunc
	notify chan struct{}
}

func NewOrchestrator(config configuration.OrchestratorConfig, workerId string, components Components) (*Orchestrator, error) {
	parser, err := engine.NewProgressParser(config.Engine.ProgressPattern)
	if err != nil {
		return nil, err
	}
	if components.Clock == nil {
		components.Clock = &util.DefaultClock{}
	}
	return &Orchestrator{
		Components:     components,
		config:         config,
		workerId:       workerId,
		progressParser: parser,
		active:         map[string]context.CancelFunc{},
		notify:         make(chan struct{}, 1),
	}, nil
}

// Notifications signals whenever a job was enqueued.
func (o *Orchestrator) Notifications() <-chan struct{} {
	return o.notify
}

func (o *Orchestrator) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if spec.JobType == "" {
		spec.JobType = o.config.Defaults.JobType
	}
	if o.config.Usage.EnforceQuota {
		decision := o.Ledger.CheckQuota(ctx, spec.Owner, spec.JobType)
		if !decision.Allowed {
			return "", &backtesterrors.ErrResourceExhausted{Resource: "quota", Message: decision.Reason}
		}
	}

	now := o.Clock.Now()
	job := &domain.Job{
		Id:        util.NewULID(),
		Owner:     spec.Owner,
		ProjectId: spec.ProjectId,
		Name:      spec.Name,
		JobType:   spec.JobType,
		Status:    domain.JobQueued,
		QueuedAt:  now,
		Resources: o.resources(spec),
		Spec:      spec,
	}
	if err := o.Jobs.CreateJob(job); err != nil {
		return "", err
	}
	if err := o.Queue.Enqueue(job.Id, now); err != nil {
		return "", err
	}
	metrics.RecordJobSubmitted()
	log.WithField("jobId", job.Id).Infof("Queued %s job for %s", job.JobType, job.Owner)

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return job.Id, nil
}

// Abort stops a job. Queued jobs are taken off the queue, running jobs are marked aborted
// and, when configured, their engine is killed. Terminal jobs are returned unchanged.
func (o *Orchestrator) Abort(ctx context.Context, jobId string) (*domain.Job, error) {
	job, err := o.Jobs.GetJob(jobId)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if job.Status == domain.JobQueued {
		if _, err := o.Queue.Remove(jobId); err != nil {
			log.WithError(err).WithField("jobId", jobId).Warn("Failed to remove aborted job from queue")
		}
	}

	aborted, err := o.markAborted(jobId, "aborted by user")
	if err != nil {
		return nil, err
	}
	if aborted.Status != domain.JobAborted {
		return aborted, nil
	}
	if job.Status == domain.JobRunning && o.config.Execution.KillOnAbort {
		o.cancelRun(jobId)
	}
	log.WithField("jobId", jobId).Infof("Aborted %s job", job.Status)
	return aborted, nil
}

// AbortOrphan moves a job whose usage record was reconciled away to aborted.
func (o *Orchestrator) AbortOrphan(_ context.Context, jobId, reason string) {
	if _, err := o.markAborted(jobId, reason); err != nil {
		log.WithError(err).WithField("jobId", jobId).Warn("Failed to abort orphaned job")
	}
	o.cancelRun(jobId)
}

// markAborted returns the job as stored after the attempt; a job that reached another
// terminal status first is returned as is.
func (o *Orchestrator) markAborted(jobId, reason string) (*domain.Job, error) {
	now := o.Clock.Now()
	job, err := o.Jobs.UpdateJob(jobId, func(job *domain.Job) error {
		job.Status = domain.JobAborted
		job.CompletedAt = &now
		job.Error = reason
		return nil
	})
	var terminal *repository.ErrJobTerminal
	if errors.As(err, &terminal) {
		return o.Jobs.GetJob(jobId)
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordJobFinished(string(domain.JobAborted), 0)
	o.Propagator.PublishStatus(context.Background(), &progress.Message{
		Kind:     progress.KindAborted,
		JobId:    jobId,
		Progress: job.Progress,
		Error:    reason,
	})
	return job, nil
}

func (o *Orchestrator) GetStatus(_ context.Context, jobId string) (*domain.Job, error) {
	return o.Jobs.GetJob(jobId)
}

// JobState lets progress streams start from the stored job.
func (o *Orchestrator) JobState(_ context.Context, jobId string) (*progress.JobState, error) {
	job, err := o.Jobs.GetJob(jobId)
	if err != nil {
		return nil, err
	}
	state := &progress.JobState{Progress: job.Progress, Error: job.Error}
	switch job.Status {
	case domain.JobCompleted:
		state.Kind = progress.KindCompleted
	case domain.JobError:
		state.Kind = progress.KindError
	case domain.JobAborted:
		state.Kind = progress.KindAborted
	}
	if job.Result != nil {
		state.Statistics = job.Result.Statistics
	}
	return state, nil
}

// RecoverClaims puts jobs this worker claimed before a restart but never started back on
// the queue. Jobs that were already running are left to usage reconciliation.
func (o *Orchestrator) RecoverClaims(ctx context.Context) (int, error) {
	if released, err := o.Ports.CleanupStale(ctx, o.workerId); err != nil {
		log.WithError(err).Warn("Failed to clean up stale port leases")
	} else if released > 0 {
		log.Infof("Released %d stale port leases", released)
	}

	claimed, err := o.Queue.ClaimedBy(o.workerId)
	if err != nil {
		return 0, err
	}
	requeued := 0
	var result *multierror.Error
	for _, jobId := range claimed {
		job, err := o.Jobs.GetJob(jobId)
		if err != nil && backtesterrors.KindOf(err) != backtesterrors.KindNotFound {
			result = multierror.Append(result, err)
			continue
		}
		if err == nil && job.Status == domain.JobQueued {
			if err := o.Queue.Enqueue(jobId, o.Clock.Now()); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			requeued++
		}
		if err := o.Queue.Ack(jobId); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return requeued, result.ErrorOrNil()
}

// Process runs a claimed job. Infrastructure failures are returned without finishing the
// job so the caller can retry; every other outcome is recorded on the job.
func (o *Orchestrator) Process(ctx context.Context, jobId string) error {
	logger := log.WithField("jobId", jobId)
	job, err := o.Jobs.GetJob(jobId)
	if backtesterrors.KindOf(err) == backtesterrors.KindNotFound {
		logger.Warn("Claimed job no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		logger.Infof("Skipping %s job", job.Status)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.trackRun(jobId, cancel)
	defer o.untrackRun(jobId)

	if job.Attempts == 0 {
		_, err := o.Ledger.Create(ctx, usage.Entry{
			JobId:       jobId,
			Owner:       job.Owner,
			JobType:     job.JobType,
			WorkerId:    o.workerId,
			CpuCores:    job.Resources.CpuCores,
			MemoryBytes: job.Resources.MemoryBytes,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to create usage record, job runs untracked")
		}
	}

	now := o.Clock.Now()
	job, err = o.Jobs.UpdateJob(jobId, func(job *domain.Job) error {
		job.Status = domain.JobRunning
		job.Attempts++
		job.Progress = 0
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		return nil
	})
	var terminal *repository.ErrJobTerminal
	if errors.As(err, &terminal) {
		logger.Infof("Job became %s before it started", terminal.Status)
		_, err := o.Ledger.Complete(ctx, jobId, usage.Completion{Status: usage.StatusAborted, Reason: "job ended before it started"})
		if err != nil {
			logger.WithError(err).Warn("Failed to close usage record")
		}
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.Ledger.MarkRunning(ctx, jobId, o.workerId, ""); err != nil {
		logger.WithError(err).Warn("Failed to mark usage record running")
	}
	logger.Infof("Starting attempt %d", job.Attempts)

	result, stats, runErr := o.execute(runCtx, job, logger)
	if ctx.Err() != nil {
		// the usage record stays running and is reconciled on the next start
		logger.Warn("Interrupted by shutdown")
		return ctx.Err()
	}
	if runErr != nil && backtesterrors.IsRetryable(runErr) && runCtx.Err() == nil {
		logger.WithError(runErr).Warnf("Attempt %d failed", job.Attempts)
		o.keepEngineTime(jobId, stats.engineTime, logger)
		return runErr
	}
	o.finish(ctx, jobId, result, stats, runErr)
	return nil
}

// Fail finishes a job whose attempts were exhausted.
func (o *Orchestrator) Fail(ctx context.Context, jobId string, cause error) {
	o.finish(ctx, jobId, nil, runStats{}, cause)
}

// runStats is what one attempt consumed.
type runStats struct {
	dataPoints int64
	// Wall time of the engine process, zero when it never started.
	engineTime time.Duration
}

// keepEngineTime adds the engine time of a failed attempt to the job so the final
// usage record bills every attempt.
func (o *Orchestrator) keepEngineTime(jobId string, engineTime time.Duration, logger *log.Entry) {
	if engineTime <= 0 {
		return
	}
	_, err := o.Jobs.UpdateJob(jobId, func(job *domain.Job) error {
		job.EngineSeconds += engineTime.Seconds()
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to record engine time of attempt")
	}
}

func (o *Orchestrator) finish(ctx context.Context, jobId string, result *domain.Result, stats runStats, runErr error) {
	ctx = context.WithoutCancel(ctx)
	logger := log.WithField("jobId", jobId)
	now := o.Clock.Now()

	job, err := o.Jobs.UpdateJob(jobId, func(job *domain.Job) error {
		job.CompletedAt = &now
		job.EngineSeconds += stats.engineTime.Seconds()
		if runErr != nil {
			job.Status = domain.JobError
			job.Error = runErr.Error()
			job.ErrorKind = string(backtesterrors.KindOf(runErr))
			return nil
		}
		job.Status = domain.JobCompleted
		job.Progress = 100
		job.Result = result
		return nil
	})
	transitioned := err == nil
	var terminal *repository.ErrJobTerminal
	if errors.As(err, &terminal) {
		job, err = o.Jobs.GetJob(jobId)
	}
	if err != nil {
		logger.WithError(err).Error("Failed to record job outcome")
		return
	}

	engineSeconds := job.EngineSeconds
	if !transitioned {
		engineSeconds += stats.engineTime.Seconds()
	}
	runTime := time.Duration(engineSeconds * float64(time.Second))
	completion := usage.Completion{
		ComputeSeconds:  engineSeconds * job.Resources.CpuCores,
		PeakMemoryBytes: job.Resources.MemoryBytes,
		DataPoints:      stats.dataPoints,
		Status:          usageStatus(job.Status),
		Reason:          job.Error,
	}
	if _, err := o.Ledger.Complete(ctx, jobId, completion); err != nil {
		logger.WithError(err).Warn("Failed to complete usage record")
	}
	if !transitioned {
		logger.Infof("Job was %s while running", job.Status)
		return
	}

	metrics.RecordJobFinished(string(job.Status), runTime)
	msg := &progress.Message{JobId: jobId, Progress: job.Progress, Error: job.Error}
	if job.Status == domain.JobCompleted {
		msg.Kind = progress.KindCompleted
		msg.Statistics = result.Statistics
		logger.Infof("Completed after %s of engine time", runTime.Round(time.Millisecond))
	} else {
		msg.Kind = progress.KindError
		logger.WithError(runErr).Warnf("Failed with %s", job.ErrorKind)
	}
	o.Propagator.PublishStatus(ctx, msg)
}

// execute prepares data and workspace, runs the engine and parses its result. Returns the
// bars fetched and the engine time alongside the outcome.
func (o *Orchestrator) execute(ctx context.Context, job *domain.Job, logger *log.Entry) (*domain.Result, runStats, error) {
	stats := runStats{}
	credentials, err := o.Credentials.Resolve(ctx, job.Owner)
	if err != nil {
		return nil, stats, err
	}
	scope := credentials[0].Scope

	window, err := o.resolveWindow(job)
	if err != nil {
		return nil, stats, err
	}
	if len(window.symbols) == 0 {
		logger.Warn("No symbols found in the job or its source, relying on the engine's own data")
	}
	logger.Infof("Backtesting %v from %s to %s with cash %.2f", window.symbols,
		window.start.Format("2006-01-02"), window.end.Format("2006-01-02"), window.cash)
	o.setProgress(job.Id, progressPrepared)

	stats.dataPoints, err = o.prepareData(ctx, scope, credentials, window)
	if err != nil {
		return nil, stats, err
	}
	o.setProgress(job.Id, progressCached)

	cleanup := &cleanupStack{}
	defer cleanup.run(logger)

	port := 0
	if job.Spec.Streaming {
		port = o.leasePort(ctx, job.Id, cleanup, logger)
	}

	dataDir := o.Cache.ScopeRoot(scope)
	ws, err := o.createWorkspace(job, window, dataDir, port)
	if err != nil {
		return nil, stats, err
	}
	cleanup.push(func() error { return o.Workspaces.Remove(ws) })

	if port > 0 {
		o.startSource(ctx, job.Id, ws, port, cleanup)
	}
	o.setProgress(job.Id, engine.ProgressEngineStart)

	updates := make(chan float64, o.config.Progress.BufferSize)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for p := range updates {
			o.setProgress(job.Id, p)
		}
	}()

	outcome, err := o.Runner.Run(ctx, engine.RunSpec{
		JobId:         job.Id,
		Workspace:     ws,
		DataDir:       dataDir,
		CpuCores:      job.Resources.CpuCores,
		MemoryBytes:   job.Resources.MemoryBytes,
		StreamingPort: port,
	}, func(handle string) {
		if err := o.Ledger.MarkRunning(ctx, job.Id, o.workerId, handle); err != nil {
			logger.WithError(err).Warn("Failed to record engine handle")
		}
	}, func(line string) {
		logger.Debug(line)
		if p, ok := o.progressParser.Parse(line); ok {
			select {
			case updates <- p:
			default:
				metrics.RecordProgressDropped()
			}
		}
	})
	close(updates)
	<-consumerDone
	if outcome != nil {
		stats.engineTime = outcome.Duration
	}
	if err != nil {
		return nil, stats, err
	}

	if outcome.ExitCode != 0 {
		return nil, stats, engine.Classify(outcome.ExitCode, outcome.Output)
	}
	result, err := engine.ParseResult(ws.ResultPath(o.config.Engine.ResultsFileName))
	if err != nil {
		return nil, stats, err
	}
	return result, stats, nil
}

// prepareData makes sure every symbol's window is cached, fetching only missing ranges.
func (o *Orchestrator) prepareData(ctx context.Context, scope marketdata.Scope, credentials []provider.Credential, window backtestWindow) (int64, error) {
	var fetched int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetch)
	for _, symbol := range window.symbols {
		symbol := symbol
		g.Go(func() error {
			n, err := o.ensureSymbol(ctx, scope, credentials, symbol, window.start, window.end)
			atomic.AddInt64(&fetched, int64(n))
			return err
		})
	}
	err := g.Wait()
	return atomic.LoadInt64(&fetched), err
}

func (o *Orchestrator) ensureSymbol(ctx context.Context, scope marketdata.Scope, credentials []provider.Credential, symbol string, start, end time.Time) (int, error) {
	report, err := o.Cache.CheckCoverage(ctx, scope, symbol, start, end)
	if err != nil {
		return 0, err
	}
	if report.Status == marketdata.CoverageFull {
		return 0, nil
	}

	fetched := 0
	for _, gap := range report.Missing(start, end) {
		bars, _, err := o.Bars.FetchDailyBars(ctx, credentials, symbol, gap.First, gap.Last)
		if err != nil {
			return fetched, err
		}
		if _, err := o.Cache.EnsureCoverage(ctx, scope, symbol, bars, gap.First, gap.Last); err != nil {
			return fetched, err
		}
		fetched += len(bars)
	}
	return fetched, nil
}

func (o *Orchestrator) leasePort(ctx context.Context, jobId string, cleanup *cleanupStack, logger *log.Entry) int {
	port, ok, err := o.Ports.Allocate(ctx, o.config.Ports.RangeStart, o.config.Ports.RangeEnd, o.workerId)
	if err != nil {
		metrics.RecordPortAllocation("error")
		logger.WithError(err).Warn("Port allocation failed, running without streaming")
		return 0
	}
	if !ok {
		metrics.RecordPortAllocation("exhausted")
		logger.Warnf("No free port in %d-%d, running without streaming", o.config.Ports.RangeStart, o.config.Ports.RangeEnd)
		return 0
	}
	metrics.RecordPortAllocation("allocated")

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(o.config.Ports.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				refreshed, err := o.Ports.Refresh(heartbeatCtx, port, o.workerId)
				if err != nil {
					logger.WithError(err).Warnf("Failed to refresh lease on port %d", port)
				} else if !refreshed {
					logger.Warnf("Lost lease on port %d", port)
				}
			}
		}
	}()

	cleanup.push(func() error {
		stopHeartbeat()
		<-heartbeatDone
		released, err := o.Ports.Release(context.Background(), port, o.workerId)
		if err == nil && !released {
			logger.Warnf("Lease on port %d had already expired", port)
		}
		return err
	})
	_, err = o.Jobs.UpdateJob(jobId, func(job *domain.Job) error {
		job.StreamingPort = port
		return nil
	})
	if err != nil {
		logger.WithError(err).Debug("Failed to record streaming port")
	}
	return port
}

func (o *Orchestrator) startSource(ctx context.Context, jobId string, ws *workspace.Workspace, port int, cleanup *cleanupStack) {
	sourceCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := o.Propagator.Run(sourceCtx, jobId, o.Sources(ws, port)); err != nil {
			log.WithError(err).WithField("jobId", jobId).Warn("Progress source stopped")
		}
	}()
	cleanup.push(func() error {
		stop()
		<-done
		return nil
	})
}

func (o *Orchestrator) createWorkspace(job *domain.Job, window backtestWindow, dataDir string, port int) (*workspace.Workspace, error) {
	paths := o.Runner.EnginePaths(o.Workspaces.Layout(job.Id), dataDir, job.Spec.EntryPoint())
	config := &workspace.EngineConfig{
		Environment:              "backtesting",
		AlgorithmLanguage:        job.Spec.Language(),
		AlgorithmLocation:        paths.AlgorithmLocation,
		DataFolder:               paths.DataFolder,
		ResultsDestinationFolder: paths.ResultsFolder,
		ResultsFileName:          o.config.Engine.ResultsFileName,
		StartDate:                window.start.Format("2006-01-02"),
		EndDate:                  window.end.Format("2006-01-02"),
		Cash:                     window.cash,
		Parameters:               job.Spec.Parameters,
		CloseAutomatically:       true,
		JobUserId:                job.Owner,
		JobProjectId:             job.ProjectId,
		AlgorithmId:              job.Id,
	}
	if config.Parameters == nil {
		config.Parameters = map[string]string{}
	}
	config.WithStreaming(port)

	return o.Workspaces.Create(job.Id, job.Spec.Files, config)
}

func (o *Orchestrator) setProgress(jobId string, value float64) {
	job, err := o.Jobs.UpdateJob(jobId, func(job *domain.Job) error {
		if value > job.Progress {
			job.Progress = value
		}
		return nil
	})
	if err != nil {
		return
	}
	o.Propagator.PublishStatus(context.Background(), &progress.Message{
		Kind:     progress.KindProgress,
		JobId:    jobId,
		Progress: job.Progress,
	})
}

func (o *Orchestrator) resources(spec domain.JobSpec) domain.Resources {
	resources := domain.Resources{
		CpuCores:    o.config.Engine.DefaultCpuCores,
		MemoryBytes: int64(o.config.Engine.DefaultMemory),
	}
	if spec.CpuCores > 0 {
		resources.CpuCores = spec.CpuCores
	}
	if spec.MemoryBytes > 0 {
		resources.MemoryBytes = spec.MemoryBytes
	}
	return resources
}

func (o *Orchestrator) trackRun(jobId string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[jobId] = cancel
}

func (o *Orchestrator) untrackRun(jobId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, jobId)
}

func (o *Orchestrator) cancelRun(jobId string) {
	o.mu.Lock()
	cancel, ok := o.active[jobId]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func usageStatus(status domain.JobStatus) usage.Status {
	switch status {
	case domain.JobCompleted:
		return usage.StatusCompleted
	case domain.JobAborted:
		return usage.StatusAborted
	default:
		return usage.StatusError
	}
}

// cleanupStack runs registered steps in reverse order. Failures are logged together and
// never change a job's outcome.
type cleanupStack struct {
	steps []func() error
}

func (c *cleanupStack) push(step func() error) {
	c.steps = append(c.steps, step)
}

func (c *cleanupStack) run(logger *log.Entry) {
	var result *multierror.Error
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.WithError(err).Warn("Cleanup after run failed")
	}
}
