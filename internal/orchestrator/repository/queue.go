package repository

import (
	"sort"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

const (
	jobQueueKey   = "Job:Queue"
	jobClaimedKey = "Job:Claimed"
)

// JobQueue is a durable queue of job ids ordered by the time they become due.
type JobQueue interface {
	Enqueue(jobId string, due time.Time) error
	// Claim takes the earliest due job off the queue and records workerId as its owner.
	// Returns false when nothing is due.
	Claim(workerId string, now time.Time) (string, bool, error)
	// Ack forgets a claimed job once it has been processed.
	Ack(jobId string) error
	// Remove takes a job off the queue. Returns false if it was not queued.
	Remove(jobId string) (bool, error)
	// ClaimedBy lists the jobs claimed by workerId and not yet acknowledged.
	ClaimedBy(workerId string) ([]string, error)
	Size() (int64, error)
}

type RedisJobQueue struct {
	db redis.UniversalClient
}

func NewRedisJobQueue(db redis.UniversalClient) *RedisJobQueue {
	return &RedisJobQueue{db: db}
}

func (q *RedisJobQueue) Enqueue(jobId string, due time.Time) error {
	err := q.db.ZAdd(jobQueueKey, redis.Z{Member: jobId, Score: float64(due.UnixMilli())}).Err()
	return backtesterrors.Infrastructure("redis", errors.Wrapf(err, "enqueueing job %s", jobId))
}

func (q *RedisJobQueue) Claim(workerId string, now time.Time) (string, bool, error) {
	jobId, err := q.db.Eval(claimScript, []string{jobQueueKey, jobClaimedKey}, now.UnixMilli(), workerId).String()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, backtesterrors.Infrastructure("redis", errors.Wrap(err, "claiming job"))
	}
	return jobId, true, nil
}

func (q *RedisJobQueue) Ack(jobId string) error {
	err := q.db.HDel(jobClaimedKey, jobId).Err()
	return backtesterrors.Infrastructure("redis", errors.Wrapf(err, "acknowledging job %s", jobId))
}

func (q *RedisJobQueue) Remove(jobId string) (bool, error) {
	removed, err := q.db.ZRem(jobQueueKey, jobId).Result()
	if err != nil {
		return false, backtesterrors.Infrastructure("redis", errors.Wrapf(err, "removing job %s", jobId))
	}
	return removed > 0, nil
}

func (q *RedisJobQueue) ClaimedBy(workerId string) ([]string, error) {
	claims, err := q.db.HGetAll(jobClaimedKey).Result()
	if err != nil {
		return nil, backtesterrors.Infrastructure("redis", errors.Wrap(err, "listing claimed jobs"))
	}
	var jobIds []string
	for jobId, owner := range claims {
		if owner == workerId {
			jobIds = append(jobIds, jobId)
		}
	}
	sort.Strings(jobIds)
	return jobIds, nil
}

func (q *RedisJobQueue) Size() (int64, error) {
	size, err := q.db.ZCard(jobQueueKey).Result()
	if err != nil {
		return 0, backtesterrors.Infrastructure("redis", errors.WithStack(err))
	}
	return size, nil
}

const claimScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('HSET', KEYS[2], ids[1], ARGV[2])
return ids[1]
`

