package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type task struct {
	function   func(ctx context.Context)
	interval   time.Duration
	metricName string
}

// BackgroundTaskManager runs functions periodically until StopAll is called.
// It is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	ctx           context.Context
	cancel        context.CancelFunc
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		ctx:           ctx,
		cancel:        cancel,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately and then every interval.
// The context passed to the function is cancelled by StopAll.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	task := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits up to timeout for them to finish.
// Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.cancel()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	if m.registerer != nil {
		if err := m.registerer.Register(taskDurationHistogram); err != nil {
			log.WithError(err).Warnf("Could not register latency metric for background task %s", task.metricName)
		}
	}

	run := func() {
		start := time.Now()
		task.function(m.ctx)
		taskDurationHistogram.Observe(time.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run()

		ticker := time.NewTicker(task.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-m.ctx.Done():
				return
			}
			run()
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}
