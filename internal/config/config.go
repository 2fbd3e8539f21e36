package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/alerting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/vectordb"
)

const (
	envPrefix         = "DILIGENCE"
	defaultConfigPath = "/app/config/diligence.yaml"
)

// Config is the service configuration. Every key can be overridden with a
// DILIGENCE_ prefixed environment variable, dots replaced by underscores
// (orchestrator.stage_timeout -> DILIGENCE_ORCHESTRATOR_STAGE_TIMEOUT).
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	HTTPPort    int `mapstructure:"http_port"`
	GRPCPort    int `mapstructure:"grpc_port"`
	MetricsPort int `mapstructure:"metrics_port"`

	ThesisDir       string `mapstructure:"thesis_dir"`
	RateLimitsPath  string `mapstructure:"rate_limits_path"`
	CredibilityPath string `mapstructure:"credibility_path"`

	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Citation     CitationConfig     `mapstructure:"citation"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Tools        ToolsConfig        `mapstructure:"tools"`

	Embeddings embeddings.Config `mapstructure:"embeddings"`
	VectorDB   vectordb.Config   `mapstructure:"vectordb"`
	Alerting   alerting.Config   `mapstructure:"alerting"`
	Tracing    tracing.Config    `mapstructure:"tracing"`
}

// DatabaseConfig selects the evidence/ledger/report backend. Driver "memory"
// keeps everything in process.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig is shared by the target lock, alert throttle and embedding cache.
// An empty Addr selects the in-memory implementations.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type OrchestratorConfig struct {
	Version           string        `mapstructure:"version"`
	MaxParallelStages int           `mapstructure:"max_parallel_stages"`
	GlobalStageLimit  int64         `mapstructure:"global_stage_limit"`
	CallConcurrency   int           `mapstructure:"call_concurrency"`
	StageMaxRetries   int           `mapstructure:"stage_max_retries"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Assessor          string        `mapstructure:"assessor"`
}

type CitationConfig struct {
	MaxPerClaim  int     `mapstructure:"max_per_claim"`
	MinRelevance float64 `mapstructure:"min_relevance"`
}

// AuthConfig enables bearer JWT (HS256) on the admin API when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type ToolsConfig struct {
	Search  tools.SearchConfig      `mapstructure:"search"`
	Crawl   tools.CrawlConfig       `mapstructure:"crawl"`
	Browser tools.BrowserConfig     `mapstructure:"browser"`
	Model   tools.ModelConfig       `mapstructure:"model"`
	MCP     []tools.MCPServerConfig `mapstructure:"mcp"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", 8081)
	v.SetDefault("grpc_port", 50052)
	v.SetDefault("metrics_port", 2113)
	v.SetDefault("thesis_dir", "/app/config/theses")
	v.SetDefault("rate_limits_path", "")
	v.SetDefault("credibility_path", "")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 2*time.Hour)

	v.SetDefault("orchestrator.version", "1.0.0")
	v.SetDefault("orchestrator.max_parallel_stages", 2)
	v.SetDefault("orchestrator.global_stage_limit", 16)
	v.SetDefault("orchestrator.call_concurrency", 4)
	v.SetDefault("orchestrator.stage_max_retries", 2)
	v.SetDefault("orchestrator.stage_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.initial_backoff", 500*time.Millisecond)
	v.SetDefault("orchestrator.max_backoff", 30*time.Second)
	v.SetDefault("orchestrator.backoff_multiplier", 2.0)
	v.SetDefault("orchestrator.assessor", "heuristic")

	v.SetDefault("citation.max_per_claim", 3)
	v.SetDefault("citation.min_relevance", 0.2)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "diligence")

	v.SetDefault("tools.search.endpoint", "https://www.googleapis.com/customsearch/v1")
	v.SetDefault("tools.search.api_key", "")
	v.SetDefault("tools.search.engine_id", "")
	v.SetDefault("tools.search.max_results", 10)
	v.SetDefault("tools.search.timeout", 20*time.Second)
	v.SetDefault("tools.crawl.user_agent", "DiligenceBot/1.0")
	v.SetDefault("tools.crawl.max_body_bytes", 2<<20)
	v.SetDefault("tools.crawl.max_text_chars", 8000)
	v.SetDefault("tools.crawl.timeout", 30*time.Second)
	v.SetDefault("tools.browser.enabled", false)
	v.SetDefault("tools.browser.exec_path", "")
	v.SetDefault("tools.browser.wait_selector", "body")
	v.SetDefault("tools.browser.settle", time.Second)
	v.SetDefault("tools.browser.timeout", 45*time.Second)
	v.SetDefault("tools.browser.max_text_chars", 8000)
	v.SetDefault("tools.model.base_url", "http://llm-service:8000")
	v.SetDefault("tools.model.model_tier", "medium")
	v.SetDefault("tools.model.max_tokens", 4096)
	v.SetDefault("tools.model.timeout", 120*time.Second)

	v.SetDefault("embeddings.base_url", "http://llm-service:8000")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", 5*time.Second)
	v.SetDefault("embeddings.redis_addr", "")
	v.SetDefault("embeddings.cache_ttl", time.Hour)
	v.SetDefault("embeddings.max_lru", 2048)
	v.SetDefault("embeddings.max_batch", 64)

	v.SetDefault("vectordb.enabled", false)
	v.SetDefault("vectordb.host", "qdrant")
	v.SetDefault("vectordb.port", 6333)
	v.SetDefault("vectordb.collection", "evidence_items")
	v.SetDefault("vectordb.top_k", 10)
	v.SetDefault("vectordb.threshold", 0.5)
	v.SetDefault("vectordb.timeout", 3*time.Second)
	v.SetDefault("vectordb.expected_embedding_dim", 0)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.error_threshold", 5)
	v.SetDefault("alerting.min_coverage", 0.5)
	v.SetDefault("alerting.throttle_window", 15*time.Minute)
	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("alerting.slack_webhook_url", "")
	v.SetDefault("alerting.policy_dir", "")
	v.SetDefault("alerting.notify_timeout", 10*time.Second)
	v.SetDefault("alerting.min_notify_severity", "high")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "diligence-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads CONFIG_PATH (or /app/config/diligence.yaml) over the built-in
// defaults, then applies DILIGENCE_* environment overrides. A missing file at
// the default location is not an error; a missing explicit CONFIG_PATH is.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	explicit := cfgPath != ""
	if !explicit {
		cfgPath = defaultConfigPath
	}
	return LoadFile(cfgPath, explicit)
}

// LoadFile is Load with an explicit path. When required is false a missing
// file falls back to defaults.
func LoadFile(path string, required bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, errs.WrapKind(err, errs.KindConfig, "read config %s", path)
			}
		} else if required {
			return nil, errs.Config("config file %s not found", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.WrapKind(err, errs.KindConfig, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{"http_port": c.HTTPPort, "grpc_port": c.GRPCPort, "metrics_port": c.MetricsPort} {
		if port < 0 || port > 65535 {
			return errs.Config("%s out of range: %d", name, port)
		}
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite3":
		if c.Database.DSN == "" {
			return errs.Config("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return errs.Config("unsupported database driver %q", c.Database.Driver)
	}
	o := c.Orchestrator
	if o.MaxParallelStages < 1 {
		return errs.Config("orchestrator.max_parallel_stages must be >= 1")
	}
	if o.GlobalStageLimit < 1 {
		return errs.Config("orchestrator.global_stage_limit must be >= 1")
	}
	if o.CallConcurrency < 1 {
		return errs.Config("orchestrator.call_concurrency must be >= 1")
	}
	if o.StageMaxRetries < 0 {
		return errs.Config("orchestrator.stage_max_retries must be >= 0")
	}
	if o.StageTimeout <= 0 {
		return errs.Config("orchestrator.stage_timeout must be positive")
	}
	if o.BackoffMultiplier < 1 {
		return errs.Config("orchestrator.backoff_multiplier must be >= 1")
	}
	switch o.Assessor {
	case "heuristic", "model":
	default:
		return errs.Config("unknown assessor %q", o.Assessor)
	}
	if c.Citation.MaxPerClaim < 1 {
		return errs.Config("citation.max_per_claim must be >= 1")
	}
	if c.Citation.MinRelevance < 0 || c.Citation.MinRelevance > 1 {
		return errs.Config("citation.min_relevance must be within [0,1]")
	}
	for _, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return errs.Config("mcp server without name")
		}
		if len(srv.Command) == 0 && srv.Endpoint == "" {
			return errs.Config("mcp server %s needs a command or an endpoint", srv.Name)
		}
	}
	return nil
}

// IsDevelopment reports whether a development logger should be used.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev" || strings.EqualFold(c.LogLevel, "debug")
}

// String is safe to log.
func (c *Config) String() string {
	return fmt.Sprintf("env=%s http=%d grpc=%d metrics=%d db=%s redis=%t thesis_dir=%s",
		c.Environment, c.HTTPPort, c.GRPCPort, c.MetricsPort, c.Database.Driver, c.Redis.Addr != "", c.ThesisDir)
}
