// Package portlease hands out ports from a bounded range to workers on many nodes.
// Each lease is a single Redis key holding the owner id with a TTL; every mutation is
// a single atomic command or script so two nodes can never both believe they hold the
// same port.
package portlease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

const leaseKeyPrefix = "PortLease:"

// Deletes the lease only if it is still held by ARGV[1].
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`

// Extends the lease to ARGV[2] milliseconds only if it is still held by ARGV[1].
const refreshScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
	return 0
end
`

type Allocator interface {
	Allocate(ctx context.Context, rangeStart, rangeEnd int, ownerId string) (port int, ok bool, err error)
	Release(ctx context.Context, port int, ownerId string) (bool, error)
	Refresh(ctx context.Context, port int, ownerId string) (bool, error)
	CleanupStale(ctx context.Context, ownerId string) (int, error)
}

type RedisAllocator struct {
	db         redis.UniversalClient
	ttl        time.Duration
	rangeStart int
	rangeEnd   int

	// held is a best effort view of the ports this process allocated. It is only used
	// to release leases quickly on shutdown and is never consulted when allocating.
	mu   sync.Mutex
	held map[int]string
}

func NewRedisAllocator(db redis.UniversalClient, rangeStart, rangeEnd int, ttl time.Duration) *RedisAllocator {
	return &RedisAllocator{
		db:         db,
		ttl:        ttl,
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		held:       map[int]string{},
	}
}

// Allocate returns the first port in [rangeStart, rangeEnd] that could be leased to ownerId.
// ok is false when every port in the range is already leased.
func (a *RedisAllocator) Allocate(ctx context.Context, rangeStart, rangeEnd int, ownerId string) (int, bool, error) {
	if rangeStart > rangeEnd {
		return 0, false, &backtesterrors.ErrValidation{
			Field:   "rangeStart",
			Value:   rangeStart,
			Message: fmt.Sprintf("range start is after range end %d", rangeEnd),
		}
	}
	for port := rangeStart; port <= rangeEnd; port++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		acquired, err := a.db.SetNX(leaseKey(port), ownerId, a.ttl).Result()
		if err != nil {
			return 0, false, backtesterrors.Infrastructure("port lease store", errors.Wrapf(err, "leasing port %d", port))
		}
		if acquired {
			a.remember(port, ownerId)
			log.WithField("port", port).WithField("owner", ownerId).Debug("Leased port")
			return port, true, nil
		}
	}
	return 0, false, nil
}

// allocateDefault allocates from the range the allocator was configured with.
func (a *RedisAllocator) allocateDefault(ctx context.Context, ownerId string) (int, bool, error) {
	return a.Allocate(ctx, a.rangeStart, a.rangeEnd, ownerId)
}

// Release deletes the lease on port if ownerId holds it. Releasing a port held by another
// owner, or an expired lease, is a no-op and returns false.
func (a *RedisAllocator) Release(ctx context.Context, port int, ownerId string) (bool, error) {
	deleted, err := a.db.Eval(releaseScript, []string{leaseKey(port)}, ownerId).Int()
	if err != nil {
		return false, backtesterrors.Infrastructure("port lease store", errors.Wrapf(err, "releasing port %d", port))
	}
	a.forget(port, ownerId)
	return deleted > 0, nil
}

// Refresh extends the lease on port by the configured TTL if ownerId still holds it.
func (a *RedisAllocator) Refresh(ctx context.Context, port int, ownerId string) (bool, error) {
	extended, err := a.db.Eval(refreshScript, []string{leaseKey(port)}, ownerId, a.ttl.Milliseconds()).Int()
	if err != nil {
		return false, backtesterrors.Infrastructure("port lease store", errors.Wrapf(err, "refreshing port %d", port))
	}
	return extended > 0, nil
}

// CleanupStale releases every lease in the configured range held by ownerId, e.g. leases
// left behind by this worker before an unclean restart. Returns the number released.
func (a *RedisAllocator) CleanupStale(ctx context.Context, ownerId string) (int, error) {
	released := 0
	for port := a.rangeStart; port <= a.rangeEnd; port++ {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		ok, err := a.Release(ctx, port, ownerId)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		log.Infof("Released %d stale port leases held by %s", released, ownerId)
	}
	return released, nil
}

// owner returns the current holder of port, or "" when it is free.
func (a *RedisAllocator) owner(port int) (string, error) {
	owner, err := a.db.Get(leaseKey(port)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", backtesterrors.Infrastructure("port lease store", err)
	}
	return owner, nil
}

// ReleaseAll releases every lease this process believes it holds.
func (a *RedisAllocator) ReleaseAll(ctx context.Context) {
	a.mu.Lock()
	held := make(map[int]string, len(a.held))
	for port, owner := range a.held {
		held[port] = owner
	}
	a.mu.Unlock()

	for port, owner := range held {
		if _, err := a.Release(ctx, port, owner); err != nil {
			log.WithError(err).Warnf("Failed to release port %d on shutdown", port)
		}
	}
}

func (a *RedisAllocator) remember(port int, ownerId string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held[port] = ownerId
}

func (a *RedisAllocator) forget(port int, ownerId string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held[port] == ownerId {
		delete(a.held, port)
	}
}

func leaseKey(port int) string {
	return fmt.Sprintf("%s%d", leaseKeyPrefix, port)
}
