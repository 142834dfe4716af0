// Package config loads and validates relay configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Workers      WorkersConfig      `mapstructure:"workers"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Regions      RegionsConfig      `mapstructure:"regions"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Warmup       WarmupConfig       `mapstructure:"warmup"`
	Database     DatabaseConfig     `mapstructure:"database"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DumpLastResult string        `mapstructure:"dump_last_result"`
	// RateLimitRPS throttles /search per client; zero disables it.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// AuthConfig defines API authentication.
type AuthConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	APIKeys  []string `mapstructure:"api_keys"`
	KeysFile string   `mapstructure:"keys_file"`
}

// OrchestratorConfig shapes hedged rounds.
type OrchestratorConfig struct {
	TotalBudget     time.Duration `mapstructure:"total_budget"`
	MinAttempt      time.Duration `mapstructure:"min_attempt"`
	InitialParallel int           `mapstructure:"initial_parallel"`
	Parallel        int           `mapstructure:"parallel"`
	// MaxRounds caps rounds per search; zero is unbounded.
	MaxRounds int `mapstructure:"max_rounds"`
	// SearchTimeout is the overall deadline applied by the HTTP front end;
	// zero leaves searches bounded only by the client.
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
}

// WorkersConfig sizes and tunes the worker pool.
type WorkersConfig struct {
	Count         int           `mapstructure:"count"`
	IdleRecycle   time.Duration `mapstructure:"idle_recycle"`
	WarmSettle    time.Duration `mapstructure:"warm_settle"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	LaunchBackoff time.Duration `mapstructure:"launch_backoff"`
}

// BrowserConfig controls Chrome launches.
type BrowserConfig struct {
	Headless   bool     `mapstructure:"headless"`
	TargetURL  string   `mapstructure:"target_url"`
	UserAgent  string   `mapstructure:"user_agent"`
	ExecPath   string   `mapstructure:"exec_path"`
	ExtraFlags []string `mapstructure:"extra_flags"`
}

// RegionsConfig maps country codes to locales and optional proxies.
type RegionsConfig struct {
	Table   map[string]string `mapstructure:"table"`
	Proxies map[string]string `mapstructure:"proxies"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Backend      string           `mapstructure:"backend"`
	WriteTimeout time.Duration    `mapstructure:"write_timeout"`
	Local        LocalCacheConfig `mapstructure:"local"`
	Redis        RedisCacheConfig `mapstructure:"redis"`
	GCS          GCSCacheConfig   `mapstructure:"gcs"`
}

// LocalCacheConfig configures the filesystem backend.
type LocalCacheConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// RedisCacheConfig configures the Redis backend.
type RedisCacheConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// GCSCacheConfig configures the Cloud Storage backend.
type GCSCacheConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// WarmupConfig schedules background warmup searches.
type WarmupConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Query      string        `mapstructure:"query"`
	Interval   time.Duration `mapstructure:"interval"`
	Cron       string        `mapstructure:"cron"`
	WantsExtra bool          `mapstructure:"wants_extra"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// DatabaseConfig controls the optional search journal.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	JournalTable    string        `mapstructure:"journal_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for search-completed notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Cache backends.
const (
	CacheMemory = "memory"
	CacheLocal  = "local"
	CacheRedis  = "redis"
	CacheGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ASKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "ASKRELAY_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "0s")
	v.SetDefault("server.dump_last_result", "")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 5)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.keys_file", "api_keys.json")
	v.SetDefault("orchestrator.total_budget", "36s")
	v.SetDefault("orchestrator.min_attempt", "1s")
	v.SetDefault("orchestrator.initial_parallel", 1)
	v.SetDefault("orchestrator.parallel", 2)
	v.SetDefault("orchestrator.max_rounds", 0)
	v.SetDefault("orchestrator.search_timeout", "0s")
	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.idle_recycle", "45m")
	v.SetDefault("workers.warm_settle", "2s")
	v.SetDefault("workers.nav_timeout", "15s")
	v.SetDefault("workers.launch_backoff", "2s")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.target_url", "https://alice.yandex.ru/")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.extra_flags", []string{})
	v.SetDefault("regions.table", map[string]string{})
	v.SetDefault("regions.proxies", map[string]string{})
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.write_timeout", "5s")
	v.SetDefault("cache.local.base_dir", "cache")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "askrelay:cache:")
	v.SetDefault("cache.redis.ttl", "0s")
	v.SetDefault("cache.gcs.bucket", "")
	v.SetDefault("cache.gcs.prefix", "cache")
	v.SetDefault("warmup.enabled", true)
	v.SetDefault("warmup.query", "cache warmup")
	v.SetDefault("warmup.interval", "1h")
	v.SetDefault("warmup.cron", "")
	v.SetDefault("warmup.wants_extra", true)
	v.SetDefault("warmup.run_on_start", true)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.journal_table", "search_journal")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must be >= 0")
	}
	if c.Orchestrator.TotalBudget <= 0 {
		return fmt.Errorf("orchestrator.total_budget must be > 0")
	}
	if c.Orchestrator.InitialParallel <= 0 {
		return fmt.Errorf("orchestrator.initial_parallel must be > 0")
	}
	if c.Orchestrator.Parallel < c.Orchestrator.InitialParallel {
		return fmt.Errorf("orchestrator.parallel must be >= orchestrator.initial_parallel")
	}
	if c.Orchestrator.MaxRounds < 0 {
		return fmt.Errorf("orchestrator.max_rounds must be >= 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Browser.TargetURL == "" {
		return fmt.Errorf("browser.target_url is required")
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheLocal:
		if c.Cache.Local.BaseDir == "" {
			return fmt.Errorf("cache.local.base_dir is required for the local backend")
		}
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	case CacheGCS:
		if c.Cache.GCS.Bucket == "" {
			return fmt.Errorf("cache.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Warmup.Enabled && c.Warmup.Cron == "" && c.Warmup.Interval <= 0 {
		return fmt.Errorf("warmup.interval must be > 0 when warmup is enabled without cron")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}
