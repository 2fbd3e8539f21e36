package embeddings

import "time"

type Config struct {
	BaseURL      string        `mapstructure:"base_url"` // LLM service exposing /embeddings
	DefaultModel string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RedisAddr    string        `mapstructure:"redis_addr"` // enables the shared cache
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	MaxLRU       int           `mapstructure:"max_lru"`
	MaxBatch     int           `mapstructure:"max_batch"` // texts per request
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "text-embedding-3-small"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 64
	}
	return c
}
