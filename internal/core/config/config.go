package config

import (
	"time"

	redisclient "github.com/vietddude/mender/internal/infra/redis"
	"github.com/vietddude/mender/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Database    postgres.Config    `yaml:"database"`
	Redis       redisclient.Config `yaml:"redis"`
	Logging     LoggingConfig      `yaml:"logging"`
	Ingest      IngestConfig       `yaml:"ingest"`
	Queue       QueueConfig        `yaml:"queue"`
	Worker      WorkerConfig       `yaml:"worker"`
	Reclaim     ReclaimConfig      `yaml:"reclaim"`
	Outbox      OutboxConfig       `yaml:"outbox"`
	Maintenance MaintenanceConfig  `yaml:"maintenance"`

	// RulesPath points at a YAML rule set; empty means the built-in rules.
	RulesPath string `yaml:"rules_path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// IngestConfig controls signature normalization.
type IngestConfig struct {
	// VolatileKeys are context fields excluded from the normalized signature.
	VolatileKeys []string `yaml:"volatile_keys"`
}

// QueueConfig holds settings for the dual-transport task queue.
type QueueConfig struct {
	StreamKey     string        `yaml:"stream_key"`
	Group         string        `yaml:"group"`
	ReadBlock     time.Duration `yaml:"read_block"`
	FallbackPoll  time.Duration `yaml:"fallback_poll"`
	StaleClaimAge time.Duration `yaml:"stale_claim_age"`
}

// WorkerConfig holds settings for the evaluation worker pool.
type WorkerConfig struct {
	PoolSize            int           `yaml:"pool_size"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	Idle                time.Duration `yaml:"idle"` // sleep when no work is eligible
}

// ReclaimConfig holds dead-letter/reclaim tuning. Backoff doubles per attempt
// from Base up to Max; past MaxAttempts the task is archived.
type ReclaimConfig struct {
	MinIdle     time.Duration `yaml:"min_idle"`
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// OutboxConfig holds outbox processor tuning.
type OutboxConfig struct {
	SinkURL     string        `yaml:"sink_url"`
	Poll        time.Duration `yaml:"poll"`
	Batch       int           `yaml:"batch"`
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxRetries  int           `yaml:"max_retries"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// MaintenanceConfig holds leader-elected job tuning.
type MaintenanceConfig struct {
	LockTTL         time.Duration `yaml:"lock_ttl"`
	ReconcileEvery  time.Duration `yaml:"reconcile_every"`
	RefreshEvery    time.Duration `yaml:"refresh_every"`
	RetentionEvery  time.Duration `yaml:"retention_every"`
	RetentionPeriod time.Duration `yaml:"retention_period"` // 0 = retention disabled
}
