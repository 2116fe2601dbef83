// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"maestro/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	Version       string                    `mapstructure:"version" yaml:"version"`
	Providers     map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Execution     ExecutionConfig           `mapstructure:"execution" yaml:"execution"`
	Orchestration OrchestrationConfig       `mapstructure:"orchestration" yaml:"orchestration"`
	Memory        MemoryConfig              `mapstructure:"memory" yaml:"memory"`
	Performance   PerformanceConfig         `mapstructure:"performance" yaml:"performance"`
	Gateway       GatewayConfig             `mapstructure:"gateway" yaml:"gateway"`
	Log           logger.LogConfig          `mapstructure:"logging" yaml:"logging"`
	ProfilesDir   string                    `mapstructure:"profiles_dir" yaml:"profiles_dir"`
}

// ProviderConfig configures one external CLI provider.
type ProviderConfig struct {
	Command     string             `mapstructure:"command" yaml:"command"`
	Enabled     bool               `mapstructure:"enabled" yaml:"enabled"`
	Priority    int                `mapstructure:"priority" yaml:"priority"` // smaller = preferred
	Timeout     time.Duration      `mapstructure:"timeout" yaml:"timeout"`
	HealthCheck *HealthCheckConfig `mapstructure:"health_check" yaml:"health_check,omitempty"`
}

// HealthCheckConfig configures the background availability loop.
type HealthCheckConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ExecutionConfig controls provider execution and staged runs.
type ExecutionConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	Retry          RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Provider       ProviderWait  `mapstructure:"provider" yaml:"provider"`
	Stages         StagesConfig  `mapstructure:"stages" yaml:"stages"`
}

// RetryConfig bounds retry behaviour.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
}

// ProviderWait bounds how long an execution waits for provider capacity.
type ProviderWait struct {
	MaxWait time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
}

// StagesConfig controls the stage execution controller.
type StagesConfig struct {
	Enabled            bool                `mapstructure:"enabled" yaml:"enabled"`
	DefaultTimeout     time.Duration       `mapstructure:"default_timeout" yaml:"default_timeout"`
	CheckpointPath     string              `mapstructure:"checkpoint_path" yaml:"checkpoint_path"`
	AutoSaveCheckpoint bool                `mapstructure:"auto_save_checkpoint" yaml:"auto_save_checkpoint"`
	CleanupAfterDays   int                 `mapstructure:"cleanup_after_days" yaml:"cleanup_after_days"`
	Retry              StageRetryConfig    `mapstructure:"retry" yaml:"retry"`
	Prompts            StagePromptsConfig  `mapstructure:"prompts" yaml:"prompts"`
	Progress           StageProgressConfig `mapstructure:"progress" yaml:"progress"`
}

// StageRetryConfig holds per-stage retry defaults.
type StageRetryConfig struct {
	DefaultMaxRetries int           `mapstructure:"default_max_retries" yaml:"default_max_retries"`
	DefaultRetryDelay time.Duration `mapstructure:"default_retry_delay" yaml:"default_retry_delay"`
}

// StageProgressConfig controls progress reporting for staged runs.
type StageProgressConfig struct {
	UpdateInterval    time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
	SyntheticProgress bool          `mapstructure:"synthetic_progress" yaml:"synthetic_progress"`
}

// StagePromptsConfig controls interactive stage decisions.
type StagePromptsConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AutoConfirm bool          `mapstructure:"auto_confirm" yaml:"auto_confirm"`
	Locale      string        `mapstructure:"locale" yaml:"locale"` // en, zh
}

// OrchestrationConfig controls sessions, delegation and workspaces.
type OrchestrationConfig struct {
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Delegation DelegationConfig `mapstructure:"delegation" yaml:"delegation"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace" yaml:"workspace"`
}

// SessionConfig bounds session lifecycle.
type SessionConfig struct {
	MaxSessions      int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	MaxMetadataSize  int           `mapstructure:"max_metadata_size" yaml:"max_metadata_size"`
	SaveDebounce     time.Duration `mapstructure:"save_debounce" yaml:"save_debounce"`
	CleanupAfterDays int           `mapstructure:"cleanup_after_days" yaml:"cleanup_after_days"`
	MaxUUIDAttempts  int           `mapstructure:"max_uuid_attempts" yaml:"max_uuid_attempts"`
}

// DelegationConfig bounds cross-agent delegation.
type DelegationConfig struct {
	MaxDepth int           `mapstructure:"max_depth" yaml:"max_depth"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// WorkspaceConfig bounds the session/agent filesystem.
type WorkspaceConfig struct {
	BasePath         string `mapstructure:"base_path" yaml:"base_path"`
	MaxFileSize      int64  `mapstructure:"max_file_size" yaml:"max_file_size"`
	MaxFiles         int    `mapstructure:"max_files" yaml:"max_files"`
	CleanupAfterDays int    `mapstructure:"cleanup_after_days" yaml:"cleanup_after_days"`
}

// MemoryConfig controls the memory store.
type MemoryConfig struct {
	MaxEntries  int                `mapstructure:"max_entries" yaml:"max_entries"`
	CleanupDays int                `mapstructure:"cleanup_days" yaml:"cleanup_days"`
	PersistPath string             `mapstructure:"persist_path" yaml:"persist_path"`
	AutoCleanup bool               `mapstructure:"auto_cleanup" yaml:"auto_cleanup"`
	Search      MemorySearchConfig `mapstructure:"search" yaml:"search"`
}

// MemorySearchConfig bounds similarity search.
type MemorySearchConfig struct {
	DefaultLimit int           `mapstructure:"default_limit" yaml:"default_limit"`
	MaxLimit     int           `mapstructure:"max_limit" yaml:"max_limit"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CacheSettings configures one of the process caches.
type CacheSettings struct {
	MaxEntries      int           `mapstructure:"max_entries" yaml:"max_entries"`
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// PerformanceConfig configures caches and rate limiting.
type PerformanceConfig struct {
	ProfileCache  CacheSettings   `mapstructure:"profile_cache" yaml:"profile_cache"`
	TeamCache     CacheSettings   `mapstructure:"team_cache" yaml:"team_cache"`
	ProviderCache CacheSettings   `mapstructure:"provider_cache" yaml:"provider_cache"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures the gateway rate limiter.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int  `mapstructure:"burst_size" yaml:"burst_size"`
}

// GatewayConfig configures the HTTP status gateway.
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

var (
	cacheMu      sync.Mutex
	cachedConfig *Config
	cachedPath   string
)

// Load reads configuration from path, applying defaults and MAESTRO_*
// environment overrides. The last result is cached process-wide and reused
// while the same path is requested; loading another path replaces it.
func Load(path string) (*Config, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cachedConfig != nil && cachedPath == path {
		return cachedConfig, nil
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	cachedConfig = &cfg
	cachedPath = path
	return &cfg, nil
}

// ClearCache drops the cached configuration (for tests).
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cachedConfig = nil
	cachedPath = ""
}

// Validate enforces the documented option bounds.
func Validate(cfg *Config) error {
	if cfg.Execution.Retry.MaxAttempts < 0 || cfg.Execution.Retry.MaxAttempts > 10 {
		return fmt.Errorf("execution.retry.max_attempts must be in [0,10], got %d", cfg.Execution.Retry.MaxAttempts)
	}
	if cfg.Execution.Retry.MaxDelay < cfg.Execution.Retry.InitialDelay {
		return fmt.Errorf("execution.retry.max_delay must be >= initial_delay")
	}
	if f := cfg.Execution.Retry.BackoffFactor; f < MinBackoffFactor || f > MaxBackoffFactor {
		return fmt.Errorf("execution.retry.backoff_factor must be in [%.1f,%.1f], got %g", MinBackoffFactor, MaxBackoffFactor, f)
	}
	if cfg.Execution.Stages.CleanupAfterDays < 0 || cfg.Execution.Stages.CleanupAfterDays > 365 {
		return fmt.Errorf("execution.stages.cleanup_after_days must be in [0,365]")
	}
	if loc := cfg.Execution.Stages.Prompts.Locale; loc != "en" && loc != "zh" {
		return fmt.Errorf("execution.stages.prompts.locale must be en or zh, got %q", loc)
	}
	if cfg.Orchestration.Delegation.MaxDepth < 1 || cfg.Orchestration.Delegation.MaxDepth > 5 {
		return fmt.Errorf("orchestration.delegation.max_depth must be in [1,5], got %d", cfg.Orchestration.Delegation.MaxDepth)
	}
	if cfg.Orchestration.Workspace.MaxFileSize <= 0 || cfg.Orchestration.Workspace.MaxFileSize > 100<<20 {
		return fmt.Errorf("orchestration.workspace.max_file_size must be in (0,100MiB]")
	}
	if cfg.Orchestration.Workspace.MaxFiles < 1 || cfg.Orchestration.Workspace.MaxFiles > 10000 {
		return fmt.Errorf("orchestration.workspace.max_files must be in [1,10000]")
	}
	if cfg.Orchestration.Workspace.CleanupAfterDays < 0 || cfg.Orchestration.Workspace.CleanupAfterDays > 365 {
		return fmt.Errorf("orchestration.workspace.cleanup_after_days must be in [0,365]")
	}
	if cfg.Orchestration.Session.CleanupAfterDays < 0 || cfg.Orchestration.Session.CleanupAfterDays > 365 {
		return fmt.Errorf("orchestration.session.cleanup_after_days must be in [0,365]")
	}
	if cfg.Memory.MaxEntries < 1 || cfg.Memory.MaxEntries > 1_000_000 {
		return fmt.Errorf("memory.max_entries must be in [1,1000000], got %d", cfg.Memory.MaxEntries)
	}
	if rl := cfg.Performance.RateLimit; rl.Enabled {
		if rl.RequestsPerMinute < 1 || rl.RequestsPerMinute > 1000 {
			return fmt.Errorf("performance.rate_limit.requests_per_minute must be in [1,1000]")
		}
		if rl.BurstSize < 1 || rl.BurstSize > 100 {
			return fmt.Errorf("performance.rate_limit.burst_size must be in [1,100]")
		}
	}

	for _, field := range []struct{ name, value string }{
		{"execution.stages.checkpoint_path", cfg.Execution.Stages.CheckpointPath},
		{"orchestration.workspace.base_path", cfg.Orchestration.Workspace.BasePath},
		{"memory.persist_path", cfg.Memory.PersistPath},
		{"profiles_dir", cfg.ProfilesDir},
	} {
		if err := validateRelativePath(field.name, field.value); err != nil {
			return err
		}
	}

	return nil
}

// validateRelativePath rejects absolute paths and any path that escapes the
// project root via "..".
func validateRelativePath(name, value string) error {
	if value == "" {
		return nil
	}
	if filepath.IsAbs(value) {
		return fmt.Errorf("%s must be relative, got absolute path %q", name, value)
	}
	clean := filepath.ToSlash(filepath.Clean(value))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%s must stay within the project, got %q", name, value)
	}
	return nil
}

// EnabledProviders returns the enabled provider names ordered by priority
// ascending, ties broken by name.
func (c *Config) EnabledProviders() []string {
	names := make([]string, 0, len(c.Providers))
	for name, pc := range c.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c.Providers[names[i]].Priority, c.Providers[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}
