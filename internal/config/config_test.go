package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.TotalBudget != 36*time.Second || cfg.Orchestrator.Parallel != 2 || cfg.Orchestrator.InitialParallel != 1 {
		t.Fatalf("unexpected orchestrator defaults: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.MaxRounds != 0 {
		t.Fatalf("expected unbounded rounds by default, got %d", cfg.Orchestrator.MaxRounds)
	}
	if cfg.Workers.Count != 2 || cfg.Workers.IdleRecycle != 45*time.Minute {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Workers)
	}
	if cfg.Cache.Backend != CacheMemory || cfg.Cache.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if !cfg.Warmup.Enabled || cfg.Warmup.Query != "cache warmup" || cfg.Warmup.Interval != time.Hour {
		t.Fatalf("unexpected warmup defaults: %+v", cfg.Warmup)
	}
	if !cfg.Auth.Enabled || cfg.Auth.KeysFile != "api_keys.json" {
		t.Fatalf("unexpected auth defaults: %+v", cfg.Auth)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  dump_last_result: last.json
  rate_limit_rps: 0.5
auth:
  api_keys: ["k1", "k2"]
orchestrator:
  total_budget: 20s
  parallel: 3
  max_rounds: 5
workers:
  count: 4
  idle_recycle: 10m
browser:
  headless: false
  extra_flags: ["--mute-audio"]
regions:
  table:
    RU: ru-RU
    TR: tr-TR
  proxies:
    TR: http://proxy.tr:3128
cache:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
warmup:
  cron: "*/30 * * * *"
pubsub:
  project_id: proj
  topic_name: outcomes
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.DumpLastResult != "last.json" || cfg.Server.RateLimitRPS != 0.5 {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if len(cfg.Auth.APIKeys) != 2 {
		t.Fatalf("expected 2 api keys, got %v", cfg.Auth.APIKeys)
	}
	if cfg.Orchestrator.TotalBudget != 20*time.Second || cfg.Orchestrator.Parallel != 3 || cfg.Orchestrator.MaxRounds != 5 {
		t.Fatalf("expected orchestrator overrides, got %+v", cfg.Orchestrator)
	}
	if cfg.Workers.Count != 4 || cfg.Workers.IdleRecycle != 10*time.Minute {
		t.Fatalf("expected worker overrides, got %+v", cfg.Workers)
	}
	if cfg.Browser.Headless || len(cfg.Browser.ExtraFlags) != 1 {
		t.Fatalf("expected browser overrides, got %+v", cfg.Browser)
	}
	// Viper lower-cases map keys; the region table upper-cases them again.
	if cfg.Regions.Table["ru"] != "ru-RU" || cfg.Regions.Proxies["tr"] != "http://proxy.tr:3128" {
		t.Fatalf("expected region table, got %+v", cfg.Regions)
	}
	if cfg.Cache.Backend != CacheRedis || cfg.Cache.Redis.Addr != "redis:6379" || cfg.Cache.Redis.DB != 2 {
		t.Fatalf("expected redis cache, got %+v", cfg.Cache)
	}
	if cfg.Warmup.Cron != "*/30 * * * *" {
		t.Fatalf("expected warmup cron, got %q", cfg.Warmup.Cron)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("ASKRELAY_WORKERS_COUNT", "6")
	t.Setenv("ASKRELAY_ORCHESTRATOR_SEARCH_TIMEOUT", "90s")
	t.Setenv("ASKRELAY_AUTH_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected PORT to apply, got %d", cfg.Server.Port)
	}
	if cfg.Workers.Count != 6 {
		t.Fatalf("expected 6 workers, got %d", cfg.Workers.Count)
	}
	if cfg.Orchestrator.SearchTimeout != 90*time.Second {
		t.Fatalf("expected search timeout 90s, got %v", cfg.Orchestrator.SearchTimeout)
	}
	if cfg.Auth.Enabled {
		t.Fatal("expected auth disabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server:       ServerConfig{Port: 8080},
			Orchestrator: OrchestratorConfig{TotalBudget: time.Second, InitialParallel: 1, Parallel: 2},
			Workers:      WorkersConfig{Count: 1},
			Browser:      BrowserConfig{TargetURL: "https://alice.test/"},
			Cache:        CacheConfig{Backend: CacheMemory},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	cases := map[string]func(*Config){
		"server.port":             func(c *Config) { c.Server.Port = 0 },
		"server.rate_limit_rps":   func(c *Config) { c.Server.RateLimitRPS = -1 },
		"orchestrator.total":      func(c *Config) { c.Orchestrator.TotalBudget = 0 },
		"orchestrator.initial":    func(c *Config) { c.Orchestrator.InitialParallel = 0 },
		"orchestrator.parallel":   func(c *Config) { c.Orchestrator.Parallel = 0 },
		"orchestrator.max_rounds": func(c *Config) { c.Orchestrator.MaxRounds = -1 },
		"workers.count":           func(c *Config) { c.Workers.Count = 0 },
		"browser.target_url":      func(c *Config) { c.Browser.TargetURL = "" },
		"cache.backend":           func(c *Config) { c.Cache.Backend = "memcached" },
		"cache.local.base_dir":    func(c *Config) { c.Cache.Backend = CacheLocal },
		"cache.redis.addr":        func(c *Config) { c.Cache.Backend = CacheRedis },
		"cache.gcs.bucket":        func(c *Config) { c.Cache.Backend = CacheGCS },
		"warmup.interval":         func(c *Config) { c.Warmup.Enabled = true },
		"pubsub.project_id":       func(c *Config) { c.PubSub.TopicName = "t" },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		field := strings.SplitN(name, ".", 2)[0]
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("%s: error %q does not mention %s", name, err, field)
		}
	}
}
