// Package config loads engine configuration: defaults, then a TOML file,
// then environment variables (env wins). Unknown keys in the file are
// ignored for forward compatibility; invalid values fail fast.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Executor Executor `toml:"executor"`
	Repl     Repl     `toml:"repl"`
	Batch    Batch    `toml:"batch"`
	Cache    Cache    `toml:"cache"`
	Health   Health   `toml:"health"`
	HTTP     HTTP     `toml:"http"`
	Cluster  Cluster  `toml:"cluster"`
	Observer Observer `toml:"observer"`
}

type Executor struct {
	MaxIterations        int      `toml:"max_iterations"`
	MaxContextLength     int      `toml:"max_context_length"`
	IterationTimeout     duration `toml:"iteration_timeout"`
	EnableContextFolding bool     `toml:"enable_context_folding"`
	MaxRecursionDepth    int      `toml:"max_recursion_depth"`
	MaxConcurrentAgents  int      `toml:"max_concurrent_agents"`
	Model                string   `toml:"model"`
}

type Repl struct {
	MaxOutputBytes int      `toml:"max_repl_output"`
	Timeout        duration `toml:"timeout"`
	LocalDeviceID  string   `toml:"local_device_id"`
	// Backend selects local execution isolation: "subprocess" or "docker".
	Backend string `toml:"backend"`
}

type Batch struct {
	EnableParallel bool     `toml:"enable_parallel_batching"`
	Concurrency    int      `toml:"batch_concurrency"`
	Timeout        duration `toml:"batch_timeout"`
	MaxCallsPerSec float64  `toml:"max_calls_per_sec"`
}

type Cache struct {
	Size int `toml:"conversation_cache_size"`
	// Store selects eviction persistence: "" (none), "sqlite", "postgres".
	Store       string `toml:"store"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type Health struct {
	CheckInterval    duration `toml:"health_check_interval"`
	FailureThreshold int      `toml:"health_failure_threshold"`
}

type HTTP struct {
	ConnectTimeout     duration `toml:"http_connect_timeout"`
	RequestTimeout     duration `toml:"http_request_timeout"`
	PoolMaxIdlePerHost int      `toml:"http_pool_max_idle_per_host"`
}

type Cluster struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type Observer struct {
	Enabled bool `toml:"enabled"`
}

// duration unmarshals TOML strings like "30s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Executor: Executor{
			MaxIterations:        10,
			MaxContextLength:     128000,
			EnableContextFolding: true,
			MaxRecursionDepth:    3,
			MaxConcurrentAgents:  8,
		},
		Repl: Repl{
			MaxOutputBytes: 64 * 1024,
			Timeout:        duration(30 * time.Second),
			LocalDeviceID:  "local",
			Backend:        "subprocess",
		},
		Batch: Batch{
			EnableParallel: true,
			Concurrency:    10,
			Timeout:        duration(300 * time.Second),
		},
		Cache: Cache{
			Size:       100,
			SQLitePath: "rlm-sessions.db",
		},
		Health: Health{
			CheckInterval:    duration(10 * time.Second),
			FailureThreshold: 3,
		},
		HTTP: HTTP{
			ConnectTimeout:     duration(10 * time.Second),
			RequestTimeout:     duration(120 * time.Second),
			PoolMaxIdlePerHost: 4,
		},
		Cluster: Cluster{
			BaseURL: "http://localhost:8008",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// A missing file is not an error; a malformed one, or values that fail
// validation, are.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "rlm.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("RLM_CLUSTER_URL"); v != "" {
		cfg.Cluster.BaseURL = v
	}
	if v := os.Getenv("RLM_API_KEY"); v != "" {
		cfg.Cluster.APIKey = v
	}
	if v := os.Getenv("RLM_MODEL"); v != "" {
		cfg.Executor.Model = v
	}
	if v := os.Getenv("RLM_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxIterations = n
		}
	}
	if v := os.Getenv("RLM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine must not start with.
func (c Config) Validate() error {
	if c.Executor.MaxIterations <= 0 {
		return fmt.Errorf("config: max_iterations must be > 0, got %d", c.Executor.MaxIterations)
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("config: batch_concurrency must be > 0, got %d", c.Batch.Concurrency)
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("config: conversation_cache_size must be > 0, got %d", c.Cache.Size)
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("config: health_failure_threshold must be > 0, got %d", c.Health.FailureThreshold)
	}
	if c.HTTP.PoolMaxIdlePerHost < 1 {
		// 0 disables connection pooling entirely, which thrashes the
		// control plane under batch fanout.
		return fmt.Errorf("config: http_pool_max_idle_per_host must be >= 1, got %d", c.HTTP.PoolMaxIdlePerHost)
	}
	switch c.Repl.Backend {
	case "subprocess", "docker":
	default:
		return fmt.Errorf("config: unknown repl backend %q", c.Repl.Backend)
	}
	switch c.Cache.Store {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown cache store %q", c.Cache.Store)
	}
	return nil
}
