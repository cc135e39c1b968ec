package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// Checker is implemented by anything that can report whether a dependency is healthy.
type Checker interface {
	Check() error
}

type RedisHealth struct {
	db redis.UniversalClient
}

func NewRedisHealth(db redis.UniversalClient) *RedisHealth {
	return &RedisHealth{db: db}
}

func (r *RedisHealth) Check() error {
	_, err := r.db.Ping().Result()
	if err != nil {
		return fmt.Errorf("[RedisHealth.Check] error: %s", err)
	}
	return nil
}

type SqlHealth struct {
	db      *sql.DB
	timeout time.Duration
}

func NewSqlHealth(db *sql.DB) *SqlHealth {
	return &SqlHealth{db: db, timeout: 5 * time.Second}
}

func (s *SqlHealth) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("[SqlHealth.Check] error: %s", err)
	}
	return nil
}
