package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/util"
)

type Quota struct {
	// Compute-seconds allowed per calendar month (UTC); zero means unlimited.
	MonthlyComputeSeconds float64 `validate:"gte=0"`
	// Jobs allowed to run at once; zero means unlimited.
	MaxConcurrent int `validate:"gte=0"`
}

type Ledger struct {
	repo   Repository
	clock  util.Clock
	quotas map[string]Quota
}

func NewLedger(repo Repository, clock util.Clock, quotas map[string]Quota) *Ledger {
	return &Ledger{repo: repo, clock: clock, quotas: quotas}
}

func (l *Ledger) Create(ctx context.Context, entry Entry) (*Record, error) {
	record := &Record{
		Id:          uuid.New().String(),
		JobId:       entry.JobId,
		Owner:       entry.Owner,
		JobType:     entry.JobType,
		WorkerId:    entry.WorkerId,
		Status:      StatusPending,
		CpuCores:    entry.CpuCores,
		MemoryBytes: entry.MemoryBytes,
		CreatedAt:   l.clock.Now().UTC(),
	}
	if err := l.repo.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// MarkRunning records that workerId started the engine of jobId under processHandle.
func (l *Ledger) MarkRunning(ctx context.Context, jobId, workerId, processHandle string) error {
	return l.repo.MarkRunning(ctx, jobId, workerId, processHandle, l.clock.Now())
}

// Complete finalises the record of jobId. Completing an already terminal record, e.g. one
// the reconciler aborted, leaves it unchanged and returns false.
func (l *Ledger) Complete(ctx context.Context, jobId string, completion Completion) (bool, error) {
	return l.repo.Complete(ctx, jobId, completion, l.clock.Now())
}

func (l *Ledger) Get(ctx context.Context, jobId string) (*Record, error) {
	return l.repo.Get(ctx, jobId)
}

// CheckQuota decides whether owner may start another job of jobType. If the ledger cannot
// be read the job is allowed.
func (l *Ledger) CheckQuota(ctx context.Context, owner, jobType string) QuotaDecision {
	quota, limited := l.quotas[jobType]
	if !limited {
		return QuotaDecision{Allowed: true, Reason: "no quota configured for " + jobType, RemainingComputeSeconds: -1}
	}

	running, err := l.repo.CountRunning(ctx, owner)
	if err != nil {
		log.WithError(err).Warnf("Quota check for %s failed open", owner)
		return QuotaDecision{Allowed: true, Reason: "usage ledger unavailable, quota not enforced", RemainingComputeSeconds: -1}
	}
	decision := QuotaDecision{Allowed: true, ConcurrentCount: running, RemainingComputeSeconds: -1}

	if quota.MonthlyComputeSeconds > 0 {
		used, err := l.repo.SumComputeSeconds(ctx, owner, jobType, startOfMonth(l.clock.Now()))
		if err != nil {
			log.WithError(err).Warnf("Quota check for %s failed open", owner)
			decision.Reason = "usage ledger unavailable, quota not enforced"
			return decision
		}
		decision.RemainingComputeSeconds = quota.MonthlyComputeSeconds - used
		if decision.RemainingComputeSeconds <= 0 {
			decision.RemainingComputeSeconds = 0
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("monthly compute quota of %.0f seconds for %s used up", quota.MonthlyComputeSeconds, jobType)
			return decision
		}
	}

	if quota.MaxConcurrent > 0 && running >= quota.MaxConcurrent {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("%d of %d concurrent jobs already running", running, quota.MaxConcurrent)
	}
	return decision
}

func (l *Ledger) Summary(ctx context.Context, owner string, since time.Time) (*Summary, error) {
	return l.repo.Summary(ctx, owner, since)
}

// CountRunning counts running records of every owner.
func (l *Ledger) CountRunning() (int64, error) {
	count, err := l.repo.CountRunning(context.Background(), "")
	return int64(count), err
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
