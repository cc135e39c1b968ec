package configuration

import (
	"time"

	"github.com/i-dream-of-ai/aegra/internal/common/config"
	"github.com/i-dream-of-ai/aegra/internal/marketdata/mirror"
	"github.com/i-dream-of-ai/aegra/internal/provider"
	"github.com/i-dream-of-ai/aegra/internal/usage"
)

const (
	ExecRunner   = "exec"
	DockerRunner = "docker"

	SocketSource = "socket"
	FileSource   = "file"

	RedisPubSub = "redis"
	NatsPubSub  = "nats"
	LocalPubSub = "local"
)

type OrchestratorConfig struct {
	// Identifies this process as the owner of port leases and claimed queue entries.
	// Defaults to the hostname.
	WorkerId    string
	HttpPort    uint16 `validate:"required"`
	MetricsPort uint16
	LogLevel    string

	Redis     config.RedisConfig
	Database  config.DatabaseConfig
	Queue     QueueConfig
	Ports     PortsConfig
	Engine    EngineConfig
	Workspace WorkspaceConfig
	Cache     CacheConfig
	Progress  ProgressConfig
	Providers ProvidersConfig
	Usage     UsageConfig
	Defaults  DefaultsConfig
	Execution ExecutionConfig
}

type QueueConfig struct {
	Concurrency    int           `validate:"gte=1"`
	PollInterval   time.Duration `validate:"required"`
	MaxAttempts    uint          `validate:"gte=1"`
	RetryBaseDelay time.Duration
}

type PortsConfig struct {
	RangeStart        int           `validate:"gt=0,lte=65535"`
	RangeEnd          int           `validate:"gtefield=RangeStart,lte=65535"`
	LeaseTtl          time.Duration `validate:"required"`
	HeartbeatInterval time.Duration `validate:"required,ltfield=LeaseTtl"`
}

type EngineConfig struct {
	Runner string `validate:"oneof=exec docker"`
	// exec runner
	Binary string
	Args   []string
	// Runs the engine in a resource-limited scope, e.g. systemd-run.
	Limiter     string `validate:"required_if=Runner exec"`
	LimiterArgs []string
	// docker runner
	DockerBinary string
	Image        string
	Network      string

	DefaultCpuCores float64         `validate:"gt=0"`
	DefaultMemory   config.ByteSize `validate:"gt=0"`
	// Regular expression with one capture group holding the engine's percent complete.
	ProgressPattern string `validate:"required"`
	ResultsFileName string `validate:"required"`
}

type WorkspaceConfig struct {
	Root   string `validate:"required"`
	Retain bool
}

type CacheConfig struct {
	Root string `validate:"required"`
	// Mirror is enabled when a bucket is configured.
	Mirror mirror.S3Config
}

type ProgressConfig struct {
	Source       string        `validate:"oneof=socket file"`
	PollInterval time.Duration `validate:"required"`
	SocketHost   string
	PubSub       string `validate:"oneof=redis nats local"`
	NatsUrl      string
	KeepAlive    time.Duration
	// Capacity of the channel between engine output and job progress writes.
	BufferSize int `validate:"gte=1"`
}

type ProvidersConfig struct {
	Order              []string `validate:"required,min=1,dive,oneof=polygon alpaca"`
	CredentialCacheTtl time.Duration
	Platform           map[string]provider.PlatformCredential
	PolygonBaseUrl     string
	AlpacaBaseUrl      string
	AlpacaFeed         string
	Timeout            time.Duration
}

type UsageConfig struct {
	EnforceQuota   bool
	Quotas         map[string]usage.Quota `validate:"dive"`
	OrphanMaxAge   time.Duration
	SweepInterval  time.Duration `validate:"required"`
	RunningTimeout time.Duration
}

type DefaultsConfig struct {
	// Window ending today used when neither the job nor the algorithm sets dates.
	Lookback time.Duration `validate:"required"`
	Cash     float64       `validate:"gt=0"`
	JobType  string        `validate:"required"`
}

type ExecutionConfig struct {
	KillOnAbort bool
}
