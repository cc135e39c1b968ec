package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/metrics"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/configuration"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/repository"
)

// JobProcessor is the part of the Orchestrator the pool drives.
type JobProcessor interface {
	Process(ctx context.Context, jobId string) error
	Fail(ctx context.Context, jobId string, cause error)
	Notifications() <-chan struct{}
}

// WorkerPool runs a fixed number of workers claiming due jobs from the queue.
type WorkerPool struct {
	queue     repository.JobQueue
	processor JobProcessor
	workerId  string
	config    configuration.QueueConfig
	now       func() time.Time
}

func NewWorkerPool(queue repository.JobQueue, processor JobProcessor, workerId string, config configuration.QueueConfig) *WorkerPool {
	return &WorkerPool{
		queue:     queue,
		processor: processor,
		workerId:  workerId,
		config:    config,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled and every worker finished its current job.
func (p *WorkerPool) Run(ctx context.Context) {
	log.Infof("Starting %d workers as %s", p.config.Concurrency, p.workerId)
	wg := sync.WaitGroup{}
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	log.Info("All workers stopped")
}

func (p *WorkerPool) work(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()
	for {
		for ctx.Err() == nil && p.runNext(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-p.processor.Notifications():
		case <-ticker.C:
		}
	}
}

// runNext claims and runs one job. Returns false when nothing was due.
func (p *WorkerPool) runNext(ctx context.Context) bool {
	jobId, ok, err := p.queue.Claim(p.workerId, p.now())
	if err != nil {
		log.WithError(err).Warn("Failed to claim job")
		return false
	}
	if !ok {
		return false
	}

	logger := log.WithField("jobId", jobId)
	err = retry.Do(
		func() error {
			return p.processor.Process(ctx, jobId)
		},
		retry.Attempts(p.config.MaxAttempts),
		retry.Delay(p.config.RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && backtesterrors.IsRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			metrics.RecordJobRetry()
			logger.WithError(err).Warnf("Retrying after failed attempt %d", n+1)
		}),
	)
	if err != nil && ctx.Err() != nil {
		// left claimed so a restart can recover it
		return false
	}
	if err != nil {
		p.processor.Fail(ctx, jobId, err)
	}
	if err := p.queue.Ack(jobId); err != nil {
		logger.WithError(err).Warn("Failed to acknowledge job")
	}
	return true
}
