package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis"
)

// RedisConfig holds the job store, queue and port lease connection. Setting MasterName
// selects a sentinel deployment; several Addrs without it select a cluster.
type RedisConfig struct {
	Addrs        []string `validate:"required,min=1"`
	DB           int      `validate:"gte=0,lte=16"`
	Password     string
	MasterName   string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int `validate:"required"`
	MinIdleConns int
	IdleTimeout  time.Duration
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        rc.Addrs,
		DB:           rc.DB,
		Password:     rc.Password,
		MasterName:   rc.MasterName,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		IdleTimeout:  rc.IdleTimeout,
	}
}

// String describes the deployment without the password.
func (rc RedisConfig) String() string {
	addrs := strings.Join(rc.Addrs, ",")
	switch {
	case rc.MasterName != "":
		return fmt.Sprintf("sentinel %s via %s db %d", rc.MasterName, addrs, rc.DB)
	case len(rc.Addrs) > 1:
		return fmt.Sprintf("cluster %s", addrs)
	default:
		return fmt.Sprintf("%s db %d", addrs, rc.DB)
	}
}
