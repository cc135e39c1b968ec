package orchestrator

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i-dream-of-ai/aegra/internal/common"
	"github.com/i-dream-of-ai/aegra/internal/common/app"
	"github.com/i-dream-of-ai/aegra/internal/common/database"
	"github.com/i-dream-of-ai/aegra/internal/common/health"
	"github.com/i-dream-of-ai/aegra/internal/common/task"
	"github.com/i-dream-of-ai/aegra/internal/common/util"
	"github.com/i-dream-of-ai/aegra/internal/marketdata"
	"github.com/i-dream-of-ai/aegra/internal/marketdata/mirror"
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
	"github.com/i-dream-of-ai/aegra/internal/server"
	"github.com/i-dream-of-ai/aegra/internal/usage"
)

// Run sets up the orchestrator and runs it until a SIGTERM is received.
func Run(config configuration.OrchestratorConfig) error {
	common.SetLogLevel(config.LogLevel)
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())
	workerId := workerIdOf(config)
	log.Infof("Starting orchestrator as %s using redis %s", workerId, config.Redis)

	//////////////////////////////////////////////////////////////////////////
	// Stores
	//////////////////////////////////////////////////////////////////////////
	resources := &util.Resources{}
	defer func() { _ = resources.CloseAll() }()
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	resources.Add("redis client", redisClient)

	db, err := database.Open(config.Database)
	if err != nil {
		return errors.WithMessage(err, "error opening usage database")
	}
	resources.Add("database", db)
	goquDb := database.Goqu(db, config.Database.Driver)

	clock := &util.DefaultClock{}
	usageRepo := usage.NewSqlRepository(goquDb)
	ledger := usage.NewLedger(usageRepo, clock, config.Usage.Quotas)
	jobs := repository.NewRedisJobRepository(redisClient)
	queue := repository.NewRedisJobQueue(redisClient)
	ports := portlease.NewRedisAllocator(redisClient, config.Ports.RangeStart, config.Ports.RangeEnd, config.Ports.LeaseTtl)
	defer ports.ReleaseAll(context.Background())

	//////////////////////////////////////////////////////////////////////////
	// Market data
	//////////////////////////////////////////////////////////////////////////
	var cacheMirror marketdata.Mirror
	if config.Cache.Mirror.Bucket != "" {
		s3Mirror, err := mirror.NewS3Mirror(ctx, config.Cache.Mirror)
		if err != nil {
			return errors.WithMessage(err, "error creating cache mirror")
		}
		cacheMirror = s3Mirror
		log.Infof("Mirroring market data cache to s3://%s/%s", config.Cache.Mirror.Bucket, config.Cache.Mirror.Prefix)
	}
	cache := marketdata.NewManager(config.Cache.Root, marketdata.NewSqlCoverageIndex(goquDb, clock), cacheMirror)

	credentialStore := provider.NewRedisCredentialStore(redisClient)
	credentials := provider.NewCredentialResolver(credentialStore, config.Providers.Order, config.Providers.Platform, config.Providers.CredentialCacheTtl)
	httpClient := &http.Client{Timeout: config.Providers.Timeout}
	cascade := provider.NewCascade(
		provider.NewPolygon(provider.WithPolygonBaseURL(config.Providers.PolygonBaseUrl), provider.WithPolygonClient(httpClient)),
		provider.NewAlpaca(
			provider.WithAlpacaBaseURL(config.Providers.AlpacaBaseUrl),
			provider.WithAlpacaClient(httpClient),
			provider.WithAlpacaFeed(config.Providers.AlpacaFeed)),
	)

	//////////////////////////////////////////////////////////////////////////
	// Progress
	//////////////////////////////////////////////////////////////////////////
	pubsub, closePubSub, err := createPubSub(config.Progress, redisClient)
	if err != nil {
		return err
	}
	resources.Add("progress pubsub", util.CloseFunc(closePubSub))

	//////////////////////////////////////////////////////////////////////////
	// Orchestrator
	//////////////////////////////////////////////////////////////////////////
	orchestrator, err := NewOrchestrator(config, workerId, Components{
		Jobs:         jobs,
		Queue:        queue,
		Ledger:       ledger,
		Ports:        ports,
		Cache:        cache,
		Credentials:  credentials,
		Bars:         cascade,
		Introspector: introspection.RegexIntrospector{},
		Workspaces:   workspace.NewManager(config.Workspace.Root, config.Workspace.Retain),
		Runner:       createRunner(config.Engine),
		Propagator:   progress.NewPropagator(pubsub),
		Sources:      createSourceFactory(config),
		Clock:        clock,
	})
	if err != nil {
		return errors.WithMessage(err, "error creating orchestrator")
	}

	reconciler := usage.NewReconciler(usageRepo, engine.NewInspector(config.Engine.DockerBinary), clock,
		config.Usage.OrphanMaxAge, config.Usage.RunningTimeout, orchestrator.AbortOrphan)
	aborted, err := reconciler.ReconcileOrphans(ctx, workerId)
	if err != nil {
		log.WithError(err).Warn("Orphan reconciliation incomplete")
	}
	log.Infof("Reconciled %d orphaned jobs", aborted)
	requeued, err := orchestrator.RecoverClaims(ctx)
	if err != nil {
		log.WithError(err).Warn("Claim recovery incomplete")
	}
	log.Infof("Requeued %d jobs claimed before restart", requeued)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix, prometheus.DefaultRegisterer)
	taskManager.Register(reconciler.Sweep, config.Usage.SweepInterval, "usage_sweep")
	defer taskManager.StopAll(5 * time.Second)

	metrics.ExposeDataMetrics(queue, ledger)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	//////////////////////////////////////////////////////////////////////////
	// Http
	//////////////////////////////////////////////////////////////////////////
	router := mux.NewRouter()
	server.NewApi(orchestrator, ledger, credentialStore, credentials).RegisterRoutes(router)
	progress.NewStreamHandler(pubsub, orchestrator, config.Progress.KeepAlive).RegisterRoutes(router)
	router.Handle("/health", health.NewHealthCheckHttpHandler(healthChecks(redisClient, db)))
	shutdownHttpServer := common.ServeHttp(config.HttpPort, router)
	defer shutdownHttpServer()

	pool := NewWorkerPool(queue, orchestrator, workerId, config.Queue)
	g.Go(func() error {
		pool.Run(ctx)
		return nil
	})
	return g.Wait()
}

// Reconcile aborts orphaned usage records and releases stale port leases of this worker,
// then exits.
func Reconcile(config configuration.OrchestratorConfig) error {
	common.SetLogLevel(config.LogLevel)
	ctx := app.CreateContextWithShutdown()
	workerId := workerIdOf(config)

	resources := &util.Resources{}
	defer func() { _ = resources.CloseAll() }()
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	resources.Add("redis client", redisClient)
	db, err := database.Open(config.Database)
	if err != nil {
		return errors.WithMessage(err, "error opening usage database")
	}
	resources.Add("database", db)

	jobs := repository.NewRedisJobRepository(redisClient)
	clock := &util.DefaultClock{}
	reconciler := usage.NewReconciler(usage.NewSqlRepository(database.Goqu(db, config.Database.Driver)),
		engine.NewInspector(config.Engine.DockerBinary), clock, config.Usage.OrphanMaxAge, config.Usage.RunningTimeout,
		func(_ context.Context, jobId, reason string) {
			abortJob(jobs, clock, jobId, reason)
		})

	aborted, err := reconciler.ReconcileOrphans(ctx, workerId)
	if err != nil {
		return err
	}
	released, err := portlease.NewRedisAllocator(redisClient, config.Ports.RangeStart, config.Ports.RangeEnd, config.Ports.LeaseTtl).
		CleanupStale(ctx, workerId)
	if err != nil {
		return err
	}
	log.Infof("Aborted %d orphaned jobs and released %d stale port leases of %s", aborted, released, workerId)
	return nil
}

func abortJob(jobs repository.JobRepository, clock util.Clock, jobId, reason string) {
	now := clock.Now()
	_, err := jobs.UpdateJob(jobId, func(job *domain.Job) error {
		job.Status = domain.JobAborted
		job.Error = reason
		job.CompletedAt = &now
		return nil
	})
	var terminal *repository.ErrJobTerminal
	if err != nil && !errors.As(err, &terminal) {
		log.WithError(err).WithField("jobId", jobId).Warn("Failed to abort orphaned job")
	}
}

func workerIdOf(config configuration.OrchestratorConfig) string {
	if config.WorkerId != "" {
		return config.WorkerId
	}
	return util.DefaultWorkerId()
}

func createRunner(config configuration.EngineConfig) engine.Runner {
	if config.Runner == configuration.ExecRunner {
		return engine.NewExecRunner(config.Binary, config.Args, config.Limiter, config.LimiterArgs)
	}
	return engine.NewDockerRunner(config.DockerBinary, config.Image, config.Network)
}

func createSourceFactory(config configuration.OrchestratorConfig) SourceFactory {
	if config.Progress.Source == configuration.FileSource {
		return func(ws *workspace.Workspace, _ int) progress.Source {
			return progress.NewFileSource(ws.ResultPath(config.Engine.ResultsFileName), config.Progress.PollInterval)
		}
	}
	return func(_ *workspace.Workspace, port int) progress.Source {
		return progress.NewSocketSource(config.Progress.SocketHost, port)
	}
}

func createPubSub(config configuration.ProgressConfig, redisClient redis.UniversalClient) (progress.PubSub, func(), error) {
	switch config.PubSub {
	case configuration.NatsPubSub:
		conn, err := nats.Connect(config.NatsUrl, nats.Name("backtest-orchestrator"))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "connecting to nats at %s", config.NatsUrl)
		}
		return progress.NewNatsPubSub(conn), conn.Close, nil
	case configuration.LocalPubSub:
		return progress.NewLocalPubSub(), func() {}, nil
	default:
		return progress.NewRedisPubSub(redisClient), func() {}, nil
	}
}

func healthChecks(redisClient redis.UniversalClient, db *sql.DB) health.Checker {
	return health.NewMultiChecker(
		health.Component{Name: "redis", Checker: health.NewRedisHealth(redisClient)},
		health.Component{Name: "database", Checker: health.NewSqlHealth(db)},
	)
}
