package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const MetricPrefix = "backtest_"

var jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: MetricPrefix + "jobs_submitted_total",
	Help: "Number of backtest jobs accepted for execution",
})

var jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: MetricPrefix + "jobs_finished_total",
	Help: "Number of backtest jobs reaching a terminal status",
}, []string{"status"})

var jobRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    MetricPrefix + "job_run_duration_seconds",
	Help:    "Wall time of engine runs",
	Buckets: prometheus.ExponentialBuckets(1, 2, 14),
}, []string{"status"})

var jobRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: MetricPrefix + "job_retries_total",
	Help: "Number of job attempts retried after an infrastructure failure",
})

var portAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: MetricPrefix + "port_allocations_total",
	Help: "Port lease allocation attempts by outcome",
}, []string{"outcome"})

var coverageChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: MetricPrefix + "cache_coverage_checks_total",
	Help: "Market data cache coverage checks by result",
}, []string{"coverage"})

var barsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: MetricPrefix + "bars_fetched_total",
	Help: "Daily bars fetched from upstream data providers",
}, []string{"provider"})

var orphansReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: MetricPrefix + "orphans_reconciled_total",
	Help: "Usage records moved to aborted by reconciliation",
}, []string{"reason"})

var progressDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: MetricPrefix + "progress_updates_dropped_total",
	Help: "Progress updates dropped because the consumer fell behind",
})

func RecordJobSubmitted() {
	jobsSubmitted.Inc()
}

func RecordJobFinished(status string, runTime time.Duration) {
	jobsFinished.WithLabelValues(status).Inc()
	if runTime > 0 {
		jobRunDuration.WithLabelValues(status).Observe(runTime.Seconds())
	}
}

func RecordJobRetry() {
	jobRetries.Inc()
}

func RecordPortAllocation(outcome string) {
	portAllocations.WithLabelValues(outcome).Inc()
}

func RecordCoverageCheck(coverage string) {
	coverageChecks.WithLabelValues(coverage).Inc()
}

func RecordBarsFetched(provider string, count int) {
	barsFetched.WithLabelValues(provider).Add(float64(count))
}

func RecordOrphanReconciled(reason string) {
	orphansReconciled.WithLabelValues(reason).Inc()
}

func RecordProgressDropped() {
	progressDropped.Inc()
}

// QueueSizer is implemented by the job queue.
type QueueSizer interface {
	Size() (int64, error)
}

// RunningCounter is implemented by the usage ledger.
type RunningCounter interface {
	CountRunning() (int64, error)
}

// ExposeDataMetrics registers a collector reading queue depth and running job counts
// from the backing stores at scrape time.
func ExposeDataMetrics(queue QueueSizer, ledger RunningCounter) *StoreInfoCollector {
	collector := &StoreInfoCollector{queue: queue, ledger: ledger}
	prometheus.MustRegister(collector)
	return collector
}

type StoreInfoCollector struct {
	queue  QueueSizer
	ledger RunningCounter
}

var queueSizeDesc = prometheus.NewDesc(
	MetricPrefix+"queue_size",
	"Number of jobs waiting in the queue",
	nil,
	nil,
)

var runningJobsDesc = prometheus.NewDesc(
	MetricPrefix+"running_jobs",
	"Number of usage records currently running",
	nil,
	nil,
)

func (c *StoreInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- queueSizeDesc
	desc <- runningJobsDesc
}

func (c *StoreInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	size, err := c.queue.Size()
	if err != nil {
		log.Errorf("Error while getting queue size metrics %s", err)
		metrics <- prometheus.NewInvalidMetric(queueSizeDesc, err)
	} else {
		metrics <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(size))
	}

	running, err := c.ledger.CountRunning()
	if err != nil {
		log.Errorf("Error while getting running job metrics %s", err)
		metrics <- prometheus.NewInvalidMetric(runningJobsDesc, err)
	} else {
		metrics <- prometheus.MustNewConstMetric(runningJobsDesc, prometheus.GaugeValue, float64(running))
	}
}
