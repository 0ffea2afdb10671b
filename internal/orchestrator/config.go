package orchestrator

import (
	"time"

	"extractd/internal/config"
)

// Config holds configuration for the orchestrator.
type Config struct {
	MaxConcurrent       int           // cap on concurrently executing workers (default: 4)
	RetentionPeriod     time.Duration // how long terminal jobs are kept (default: 168h)
	MaintenanceInterval time.Duration // cache purge / retention sweep period (default: 10m)
}

// LoadConfigFromEnv loads orchestrator configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxConcurrent:       config.GetIntEnv("MAX_CONCURRENT_JOBS", 4),
		RetentionPeriod:     config.GetDurationEnv("JOB_RETENTION_PERIOD", 168*time.Hour),
		MaintenanceInterval: config.GetDurationEnv("MAINTENANCE_INTERVAL", 10*time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 168 * time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 10 * time.Minute
	}
	return c
}
