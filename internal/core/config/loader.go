package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued tunables with sensible defaults.
func (cfg *AppConfig) ApplyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if len(cfg.Ingest.VolatileKeys) == 0 {
		cfg.Ingest.VolatileKeys = []string{
			"timestamp", "duration_ms", "trace_id", "span_id", "attempt",
		}
	}

	if cfg.Queue.StreamKey == "" {
		cfg.Queue.StreamKey = "mender:tasks"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "mender-workers"
	}
	if cfg.Queue.ReadBlock == 0 {
		cfg.Queue.ReadBlock = 2 * time.Second
	}
	if cfg.Queue.FallbackPoll == 0 {
		cfg.Queue.FallbackPoll = 5 * time.Second
	}
	if cfg.Queue.StaleClaimAge == 0 {
		cfg.Queue.StaleClaimAge = 5 * time.Minute
	}

	if cfg.Worker.PoolSize == 0 {
		cfg.Worker.PoolSize = 4
	}
	if cfg.Worker.ConfidenceThreshold == 0 {
		cfg.Worker.ConfidenceThreshold = 0.8
	}
	if cfg.Worker.Idle == 0 {
		cfg.Worker.Idle = 1 * time.Second
	}

	if cfg.Reclaim.MinIdle == 0 {
		cfg.Reclaim.MinIdle = 1 * time.Minute
	}
	if cfg.Reclaim.Base == 0 {
		cfg.Reclaim.Base = 2 * time.Second
	}
	if cfg.Reclaim.Max == 0 {
		cfg.Reclaim.Max = 60 * time.Second
	}
	if cfg.Reclaim.MaxAttempts == 0 {
		cfg.Reclaim.MaxAttempts = 5
	}

	if cfg.Outbox.Poll == 0 {
		cfg.Outbox.Poll = 5 * time.Second
	}
	if cfg.Outbox.Batch == 0 {
		cfg.Outbox.Batch = 20
	}
	if cfg.Outbox.Base == 0 {
		cfg.Outbox.Base = 5 * time.Second
	}
	if cfg.Outbox.Max == 0 {
		cfg.Outbox.Max = 10 * time.Minute
	}
	if cfg.Outbox.MaxRetries == 0 {
		cfg.Outbox.MaxRetries = 8
	}
	if cfg.Outbox.HTTPTimeout == 0 {
		cfg.Outbox.HTTPTimeout = 10 * time.Second
	}

	if cfg.Maintenance.LockTTL == 0 {
		cfg.Maintenance.LockTTL = 2 * time.Minute
	}
	if cfg.Maintenance.ReconcileEvery == 0 {
		cfg.Maintenance.ReconcileEvery = 30 * time.Second
	}
	if cfg.Maintenance.RefreshEvery == 0 {
		cfg.Maintenance.RefreshEvery = 5 * time.Minute
	}
	if cfg.Maintenance.RetentionEvery == 0 {
		cfg.Maintenance.RetentionEvery = 1 * time.Hour
	}
}
