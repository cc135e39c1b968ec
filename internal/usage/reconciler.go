package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/util"
	"github.com/i-dream-of-ai/aegra/internal/metrics"
)

// Inspector checks on engine processes by the handle stored in their usage record.
type Inspector interface {
	IsAlive(ctx context.Context, processHandle string) (bool, error)
	Terminate(ctx context.Context, processHandle string) error
}

// AbortedHook is told about every record the reconciler aborts.
type AbortedHook func(ctx context.Context, jobId, reason string)

type Reconciler struct {
	repo           Repository
	inspector         Inspector
	clock          util.Clock
	orphanMaxAge   time.Duration
	runningTimeout time.Duration
	onAborted      AbortedHook
}

func NewReconciler(repo Repository, inspector Inspector, clock util.Clock, orphanMaxAge, runningTimeout time.Duration, onAborted AbortedHook) *Reconciler {
	return &Reconciler{
		repo:           repo,
		inspector:         inspector,
		clock:          clock,
		orphanMaxAge:   orphanMaxAge,
		runningTimeout: runningTimeout,
		onAborted:      onAborted,
	}
}

// ReconcileOrphans runs at startup, before workerId starts jobs of its own. Every record
// workerId still has running belongs to its previous incarnation: a live engine older than
// the orphan max age is killed, a dead one is just closed. Records of other workers are
// left alone. Returns the number of records aborted.
func (r *Reconciler) ReconcileOrphans(ctx context.Context, workerId string) (int, error) {
	running, err := r.repo.ListRunning(ctx, workerId)
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	aborted := 0
	now := r.clock.Now()
	for _, record := range running {
		logger := log.WithField("jobId", record.JobId)
		alive := false
		if record.ProcessHandle != "" {
			alive, err = r.inspector.IsAlive(ctx, record.ProcessHandle)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
		}

		var reason string
		if alive {
			if record.Age(now) < r.orphanMaxAge {
				logger.Infof("Engine %s still running for %s, leaving it", record.ProcessHandle, record.Age(now))
				continue
			}
			if err := r.inspector.Terminate(ctx, record.ProcessHandle); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			reason = fmt.Sprintf("orphaned engine %s terminated after %s", record.ProcessHandle, record.Age(now).Round(time.Second))
		} else {
			reason = "engine process no longer running"
		}

		ok, err := r.abort(ctx, record, reason, "orphan")
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if ok {
			aborted++
		}
	}
	if aborted > 0 {
		log.Infof("Reconciled %d orphaned usage records", aborted)
	}
	return aborted, result.ErrorOrNil()
}

// SweepTimedOut aborts records running longer than the running timeout whatever their
// process state. Runs periodically alongside job processing.
func (r *Reconciler) SweepTimedOut(ctx context.Context) (int, error) {
	if r.runningTimeout <= 0 {
		return 0, nil
	}
	running, err := r.repo.ListRunning(ctx, "")
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	aborted := 0
	now := r.clock.Now()
	for _, record := range running {
		if record.Age(now) <= r.runningTimeout {
			continue
		}
		if record.ProcessHandle != "" {
			if err := r.inspector.Terminate(ctx, record.ProcessHandle); err != nil {
				log.WithError(err).WithField("jobId", record.JobId).Warn("Failed to terminate timed out engine")
			}
		}
		ok, err := r.abort(ctx, record, fmt.Sprintf("running longer than %s", r.runningTimeout), "timeout")
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if ok {
			aborted++
		}
	}
	return aborted, result.ErrorOrNil()
}

// Sweep adapts SweepTimedOut to the background task manager.
func (r *Reconciler) Sweep(ctx context.Context) {
	aborted, err := r.SweepTimedOut(ctx)
	if err != nil {
		log.WithError(err).Error("Timed out usage sweep failed")
	}
	if aborted > 0 {
		log.Infof("Aborted %d timed out usage records", aborted)
	}
}

func (r *Reconciler) abort(ctx context.Context, record *Record, reason, metricReason string) (bool, error) {
	ok, err := r.repo.AbortRunning(ctx, record.JobId, reason, r.clock.Now())
	if err != nil || !ok {
		return false, err
	}
	log.WithField("jobId", record.JobId).Warnf("Aborted usage record: %s", reason)
	metrics.RecordOrphanReconciled(metricReason)
	if r.onAborted != nil {
		r.onAborted(ctx, record.JobId, reason)
	}
	return true, nil
}
