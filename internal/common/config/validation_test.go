package config

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storesConfig struct {
	Redis    RedisConfig
	Database DatabaseConfig
}

func TestValidate_ReportsEveryField(t *testing.T) {
	err := Validate(storesConfig{
		Redis:    RedisConfig{Addrs: []string{"localhost:6379"}, DB: 20, PoolSize: 10},
		Database: DatabaseConfig{Driver: "mysql", Dsn: "x"},
	})
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 2)
	assert.Equal(t, "field Redis.DB must be at most 16, got 20", merr.Errors[0].Error())
	assert.Equal(t, "field Database.Driver must be one of [sqlite postgres], got mysql", merr.Errors[1].Error())
}

func TestValidate_Valid(t *testing.T) {
	err := Validate(storesConfig{
		Redis:    RedisConfig{Addrs: []string{"localhost:6379"}, PoolSize: 10},
		Database: DatabaseConfig{Driver: SqliteDriver, Dsn: ":memory:"},
	})
	assert.NoError(t, err)
}

type runnerConfig struct {
	Runner  string `validate:"oneof=exec docker"`
	Limiter string `validate:"required_if=Runner exec"`
}

func TestValidate_RequiredIf(t *testing.T) {
	assert.NoError(t, Validate(runnerConfig{Runner: "docker"}))
	assert.NoError(t, Validate(runnerConfig{Runner: "exec", Limiter: "systemd-run"}))

	err := Validate(runnerConfig{Runner: "exec"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field Limiter is required when Runner exec")
}

func TestRedisConfig_StringOmitsPassword(t *testing.T) {
	single := RedisConfig{Addrs: []string{"redis:6379"}, DB: 2, Password: "secret"}
	assert.Equal(t, "redis:6379 db 2", single.String())

	sentinel := RedisConfig{Addrs: []string{"a:26379", "b:26379"}, MasterName: "primary"}
	assert.Equal(t, "sentinel primary via a:26379,b:26379 db 0", sentinel.String())

	cluster := RedisConfig{Addrs: []string{"a:6379", "b:6379"}}
	assert.Equal(t, "cluster a:6379,b:6379", cluster.String())
}
