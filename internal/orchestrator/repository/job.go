package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/domain"
)

const (
	jobObjectPrefix = "Job:"
	maxUpdateTries  = 10
)

type JobRepository interface {
	CreateJob(job *domain.Job) error
	GetJob(jobId string) (*domain.Job, error)
	// UpdateJob applies mutate to the stored job atomically. Fails with ErrJobTerminal,
	// without calling mutate, if the job is already terminal.
	UpdateJob(jobId string, mutate func(job *domain.Job) error) (*domain.Job, error)
}

type RedisJobRepository struct {
	db redis.UniversalClient
}

func NewRedisJobRepository(db redis.UniversalClient) *RedisJobRepository {
	return &RedisJobRepository{db: db}
}

func (repo *RedisJobRepository) CreateJob(job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WithStack(err)
	}
	created, err := repo.db.SetNX(jobKey(job.Id), data, 0).Result()
	if err != nil {
		return backtesterrors.Infrastructure("redis", errors.Wrapf(err, "creating job %s", job.Id))
	}
	if !created {
		return &ErrAlreadyExists{JobId: job.Id}
	}
	return nil
}

func (repo *RedisJobRepository) GetJob(jobId string) (*domain.Job, error) {
	data, err := repo.db.Get(jobKey(jobId)).Bytes()
	if err == redis.Nil {
		return nil, &backtesterrors.ErrNotFound{Type: "job", Value: jobId}
	}
	if err != nil {
		return nil, backtesterrors.Infrastructure("redis", errors.Wrapf(err, "reading job %s", jobId))
	}
	return decodeJob(data)
}

func (repo *RedisJobRepository) UpdateJob(jobId string, mutate func(job *domain.Job) error) (*domain.Job, error) {
	key := jobKey(jobId)
	var updated *domain.Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(key).Bytes()
		if err == redis.Nil {
			return &backtesterrors.ErrNotFound{Type: "job", Value: jobId}
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return &ErrJobTerminal{JobId: jobId, Status: job.Status}
		}
		if err := mutate(job); err != nil {
			return err
		}
		newData, err := json.Marshal(job)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, newData, 0)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxUpdateTries; i++ {
		err := repo.db.Watch(txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			var notFound *backtesterrors.ErrNotFound
			var terminal *ErrJobTerminal
			if errors.As(err, &notFound) || errors.As(err, &terminal) {
				return nil, err
			}
			return nil, backtesterrors.Infrastructure("redis", errors.Wrapf(err, "updating job %s", jobId))
		}
		return updated, nil
	}
	return nil, backtesterrors.Infrastructure("redis", errors.Errorf("updating job %s: too much contention", jobId))
}

func decodeJob(data []byte) (*domain.Job, error) {
	job := &domain.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.WithStack(err)
	}
	return job, nil
}

func jobKey(jobId string) string {
	return jobObjectPrefix + jobId
}
