package orchestrator

import "time"

// Config bounds how executions run. Zero fields take the defaults below.
type Config struct {
	Version           string        `mapstructure:"version"`
	MaxParallelStages int           `mapstructure:"max_parallel_stages"`
	GlobalStageLimit  int64         `mapstructure:"global_stage_limit"`
	CallConcurrency   int           `mapstructure:"call_concurrency"`
	StageMaxRetries   int           `mapstructure:"stage_max_retries"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
}

// DefaultConfig mirrors the service defaults.
var DefaultConfig = Config{
	Version:           "1.0.0",
	MaxParallelStages: 2,
	GlobalStageLimit:  16,
	CallConcurrency:   4,
	StageMaxRetries:   2,
	StageTimeout:      5 * time.Minute,
}

func (c Config) withDefaults() Config {
	if c.Version == "" {
		c.Version = DefaultConfig.Version
	}
	if c.MaxParallelStages < 1 {
		c.MaxParallelStages = DefaultConfig.MaxParallelStages
	}
	if c.GlobalStageLimit < 1 {
		c.GlobalStageLimit = DefaultConfig.GlobalStageLimit
	}
	if c.CallConcurrency < 1 {
		c.CallConcurrency = DefaultConfig.CallConcurrency
	}
	if c.StageMaxRetries < 0 {
		c.StageMaxRetries = 0
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultConfig.StageTimeout
	}
	return c
}
