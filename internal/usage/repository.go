package usage

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

type Repository interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobId string) (*Record, error)
	MarkRunning(ctx context.Context, jobId, workerId, processHandle string, at time.Time) error
	// Complete finalises a record that is not yet terminal. Returns false if it already was.
	Complete(ctx context.Context, jobId string, completion Completion, at time.Time) (bool, error)
	// AbortRunning moves a running record to aborted. Returns false if it was not running.
	AbortRunning(ctx context.Context, jobId, reason string, at time.Time) (bool, error)
	// ListRunning lists the running records of workerId, or of every worker if it is empty.
	ListRunning(ctx context.Context, workerId string) ([]*Record, error)
	CountRunning(ctx context.Context, owner string) (int, error)
	SumComputeSeconds(ctx context.Context, owner, jobType string, since time.Time) (float64, error)
	Summary(ctx context.Context, owner string, since time.Time) (*Summary, error)
}

var (
	usageTable = goqu.T("usage_records")

	usage_jobId          = goqu.C("job_id")
	usage_owner          = goqu.C("owner")
	usage_jobType        = goqu.C("job_type")
	usage_workerId       = goqu.C("worker_id")
	usage_status         = goqu.C("status")
	usage_computeSeconds = goqu.C("compute_seconds")
	usage_dataPoints     = goqu.C("data_points")
	usage_createdAt      = goqu.C("created_at")
)

type usageRow struct {
	Id              string        `db:"id"`
	JobId           string        `db:"job_id"`
	Owner           string        `db:"owner"`
	JobType         string        `db:"job_type"`
	WorkerId        string        `db:"worker_id"`
	Status          string        `db:"status"`
	ProcessHandle   string        `db:"process_handle"`
	CpuCores        float64       `db:"cpu_cores"`
	MemoryBytes     int64         `db:"memory_bytes"`
	ComputeSeconds  float64       `db:"compute_seconds"`
	PeakMemoryBytes int64         `db:"peak_memory_bytes"`
	DataPoints      int64         `db:"data_points"`
	Reason          string        `db:"reason"`
	CreatedAt       int64         `db:"created_at"`
	StartedAt       sql.NullInt64 `db:"started_at"`
	CompletedAt     sql.NullInt64 `db:"completed_at"`
}

type SqlRepository struct {
	db *goqu.Database
}

func NewSqlRepository(db *goqu.Database) *SqlRepository {
	return &SqlRepository{db: db}
}

func (r *SqlRepository) Create(ctx context.Context, record *Record) error {
	row := toRow(record)
	_, err := r.db.Insert(usageTable).Rows(row).Executor().ExecContext(ctx)
	if err != nil {
		return backtesterrors.Infrastructure("usage ledger", errors.Wrapf(err, "creating usage record for job %s", record.JobId))
	}
	return nil
}

func (r *SqlRepository) Get(ctx context.Context, jobId string) (*Record, error) {
	var row usageRow
	found, err := r.db.From(usageTable).Where(usage_jobId.Eq(jobId)).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, backtesterrors.Infrastructure("usage ledger", errors.WithStack(err))
	}
	if !found {
		return nil, &backtesterrors.ErrNotFound{Type: "usage record", Value: jobId}
	}
	return fromRow(&row), nil
}

func (r *SqlRepository) MarkRunning(ctx context.Context, jobId, workerId, processHandle string, at time.Time) error {
	result, err := r.db.Update(usageTable).
		Set(goqu.Record{
			"status":         string(StatusRunning),
			"worker_id":      workerId,
			"process_handle": processHandle,
			"started_at":     at.UnixMilli(),
		}).
		Where(usage_jobId.Eq(jobId), usage_status.In(string(StatusPending), string(StatusRunning))).
		Executor().ExecContext(ctx)
	if err != nil {
		return backtesterrors.Infrastructure("usage ledger", errors.Wrapf(err, "marking job %s running", jobId))
	}
	if updated, _ := result.RowsAffected(); updated == 0 {
		return &backtesterrors.ErrNotFound{Type: "usage record", Value: jobId, Message: "no pending record"}
	}
	return nil
}

func (r *SqlRepository) Complete(ctx context.Context, jobId string, completion Completion, at time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, jobId, goqu.Record{
		"status":            string(completion.Status),
		"compute_seconds":   completion.ComputeSeconds,
		"peak_memory_bytes": completion.PeakMemoryBytes,
		"data_points":       completion.DataPoints,
		"reason":            completion.Reason,
		"completed_at":      at.UnixMilli(),
	}, string(StatusPending), string(StatusRunning))
}

func (r *SqlRepository) AbortRunning(ctx context.Context, jobId, reason string, at time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, jobId, goqu.Record{
		"status":       string(StatusAborted),
		"reason":       reason,
		"completed_at": at.UnixMilli(),
	}, string(StatusRunning))
}

// conditionalUpdate applies set only while the record is in one of fromStatuses, so racing
// finalisers transition a record at most once.
func (r *SqlRepository) conditionalUpdate(ctx context.Context, jobId string, set goqu.Record, fromStatuses ...string) (bool, error) {
	result, err := r.db.Update(usageTable).
		Set(set).
		Where(usage_jobId.Eq(jobId), usage_status.In(fromStatuses)).
		Executor().ExecContext(ctx)
	if err != nil {
		return false, backtesterrors.Infrastructure("usage ledger", errors.Wrapf(err, "updating usage record of job %s", jobId))
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return false, backtesterrors.Infrastructure("usage ledger", errors.WithStack(err))
	}
	return updated > 0, nil
}

func (r *SqlRepository) ListRunning(ctx context.Context, workerId string) ([]*Record, error) {
	where := []exp.Expression{usage_status.Eq(string(StatusRunning))}
	if workerId != "" {
		where = append(where, usage_workerId.Eq(workerId))
	}
	var rows []usageRow
	err := r.db.From(usageTable).
		Where(where...).
		Order(usage_createdAt.Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, backtesterrors.Infrastructure("usage ledger", errors.WithStack(err))
	}
	records := make([]*Record, 0, len(rows))
	for i := range rows {
		records = append(records, fromRow(&rows[i]))
	}
	return records, nil
}

func (r *SqlRepository) CountRunning(ctx context.Context, owner string) (int, error) {
	where := []exp.Expression{usage_status.Eq(string(StatusRunning))}
	if owner != "" {
		where = append(where, usage_owner.Eq(owner))
	}
	count, err := r.db.From(usageTable).Where(where...).CountContext(ctx)
	if err != nil {
		return 0, backtesterrors.Infrastructure("usage ledger", errors.WithStack(err))
	}
	return int(count), nil
}

func (r *SqlRepository) SumComputeSeconds(ctx context.Context, owner, jobType string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	_, err := r.db.From(usageTable).
		Select(goqu.SUM(usage_computeSeconds)).
		Where(
			usage_owner.Eq(owner),
			usage_jobType.Eq(jobType),
			usage_createdAt.Gte(since.UnixMilli())).
		ScanValContext(ctx, &total)
	if err != nil {
		return 0, backtesterrors.Infrastructure("usage ledger", errors.WithStack(err))
	}
	return total.Float64, nil
}

type summaryRow struct {
	Status         string          `db:"status"`
	Jobs           int64           `db:"jobs"`
	ComputeSeconds sql.NullFloat64 `db:"compute_seconds"`
	DataPoints     sql.NullInt64   `db:"data_points"`
}

func (r *SqlRepository) Summary(ctx context.Context, owner string, since time.Time) (*Summary, error) {
	var rows []summaryRow
	err := r.db.From(usageTable).
		Select(
			usage_status,
			goqu.COUNT(goqu.Star()).As("jobs"),
			goqu.SUM(usage_computeSeconds).As("compute_seconds"),
			goqu.SUM(usage_dataPoints).As("data_points")).
		Where(usage_owner.Eq(owner), usage_createdAt.Gte(since.UnixMilli())).
		GroupBy(usage_status).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, backtesterrors.Infrastructure("usage ledger", errors.WithStack(err))
	}

	summary := &Summary{Owner: owner, Since: since, ByStatus: map[Status]int{}}
	for _, row := range rows {
		summary.Jobs += int(row.Jobs)
		summary.ComputeSeconds += row.ComputeSeconds.Float64
		summary.DataPoints += row.DataPoints.Int64
		summary.ByStatus[Status(row.Status)] = int(row.Jobs)
	}
	return summary, nil
}

func toRow(record *Record) usageRow {
	return usageRow{
		Id:              record.Id,
		JobId:           record.JobId,
		Owner:           record.Owner,
		JobType:         record.JobType,
		WorkerId:        record.WorkerId,
		Status:          string(record.Status),
		ProcessHandle:   record.ProcessHandle,
		CpuCores:        record.CpuCores,
		MemoryBytes:     record.MemoryBytes,
		ComputeSeconds:  record.ComputeSeconds,
		PeakMemoryBytes: record.PeakMemoryBytes,
		DataPoints:      record.DataPoints,
		Reason:          record.Reason,
		CreatedAt:       record.CreatedAt.UnixMilli(),
		StartedAt:       toNullMillis(record.StartedAt),
		CompletedAt:     toNullMillis(record.CompletedAt),
	}
}

func fromRow(row *usageRow) *Record {
	return &Record{
		Id:              row.Id,
		JobId:           row.JobId,
		Owner:           row.Owner,
		JobType:         row.JobType,
		WorkerId:        row.WorkerId,
		Status:          Status(row.Status),
		ProcessHandle:   row.ProcessHandle,
		CpuCores:        row.CpuCores,
		MemoryBytes:     row.MemoryBytes,
		ComputeSeconds:  row.ComputeSeconds,
		PeakMemoryBytes: row.PeakMemoryBytes,
		DataPoints:      row.DataPoints,
		Reason:          row.Reason,
		CreatedAt:       time.UnixMilli(row.CreatedAt).UTC(),
		StartedAt:       fromNullMillis(row.StartedAt),
		CompletedAt:     fromNullMillis(row.CompletedAt),
	}
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
