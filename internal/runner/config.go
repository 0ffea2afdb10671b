package runner

import (
	"time"

	"extractd/internal/config"
)

// Config holds configuration for the process runner.
type Config struct {
	Command    []string      // worker argv; args with embedded spaces unsupported
	Timeout    time.Duration // hard wall-clock budget per invocation
	KillGrace  time.Duration // SIGTERM to SIGKILL window
	TotalSteps int           // expected worker phases for STEP markers
	MaxOutput  int           // bytes of stdout/stderr retained per invocation
}

// LoadConfigFromEnv loads runner configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Command:    config.GetCommandEnv("WORKER_COMMAND", []string{"python3", "ai_extraction_orchestrator.py"}),
		Timeout:    config.GetDurationEnv("WORKER_TIMEOUT", 300*time.Second),
		KillGrace:  config.GetDurationEnv("WORKER_KILL_GRACE", 10*time.Second),
		TotalSteps: config.GetIntEnv("WORKER_TOTAL_STEPS", DefaultTotalSteps),
		MaxOutput:  config.GetIntEnv("WORKER_MAX_OUTPUT", 1<<20),
	}
}

func (c Config) withDefaults() Config {
	if len(c.Command) == 0 {
		c.Command = []string{"python3", "ai_extraction_orchestrator.py"}
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 10 * time.Second
	}
	if c.TotalSteps <= 0 {
		c.TotalSteps = DefaultTotalSteps
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = 1 << 20
	}
	return c
}
