package config

import (
	"time"

	"github.com/spf13/viper"
)

// Backoff factor bounds for execution.retry.backoff_factor.
const (
	MinBackoffFactor = 1.0
	MaxBackoffFactor = 10.0
)

// SetDefaults sets default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Providers
	v.SetDefault("providers.claude.command", "claude")
	v.SetDefault("providers.claude.enabled", true)
	v.SetDefault("providers.claude.priority", 1)
	v.SetDefault("providers.claude.timeout", 15*time.Minute)
	v.SetDefault("providers.gemini.command", "gemini")
	v.SetDefault("providers.gemini.enabled", true)
	v.SetDefault("providers.gemini.priority", 2)
	v.SetDefault("providers.gemini.timeout", 15*time.Minute)
	v.SetDefault("providers.codex.command", "codex")
	v.SetDefault("providers.codex.enabled", false)
	v.SetDefault("providers.codex.priority", 3)
	v.SetDefault("providers.codex.timeout", 15*time.Minute)

	// Execution
	v.SetDefault("execution.default_timeout", 15*time.Minute)
	v.SetDefault("execution.retry.max_attempts", 3)
	v.SetDefault("execution.retry.initial_delay", 1*time.Second)
	v.SetDefault("execution.retry.max_delay", 1*time.Minute)
	v.SetDefault("execution.retry.backoff_factor", 2.0)
	v.SetDefault("execution.provider.max_wait", 30*time.Second)

	// Stages
	v.SetDefault("execution.stages.enabled", true)
	v.SetDefault("execution.stages.default_timeout", 10*time.Minute)
	v.SetDefault("execution.stages.checkpoint_path", ".maestro/checkpoints")
	v.SetDefault("execution.stages.auto_save_checkpoint", true)
	v.SetDefault("execution.stages.cleanup_after_days", 30)
	v.SetDefault("execution.stages.retry.default_max_retries", 2)
	v.SetDefault("execution.stages.retry.default_retry_delay", 2*time.Second)
	v.SetDefault("execution.stages.prompts.timeout", 2*time.Minute)
	v.SetDefault("execution.stages.prompts.auto_confirm", false)
	v.SetDefault("execution.stages.prompts.locale", "en")
	v.SetDefault("execution.stages.progress.update_interval", time.Second)
	v.SetDefault("execution.stages.progress.synthetic_progress", false)

	// Orchestration
	v.SetDefault("orchestration.session.max_sessions", 100)
	v.SetDefault("orchestration.session.max_metadata_size", 64*1024)
	v.SetDefault("orchestration.session.save_debounce", 500*time.Millisecond)
	v.SetDefault("orchestration.session.cleanup_after_days", 7)
	v.SetDefault("orchestration.session.max_uuid_attempts", 10)
	v.SetDefault("orchestration.delegation.max_depth", 2)
	v.SetDefault("orchestration.delegation.timeout", 10*time.Minute)
	v.SetDefault("orchestration.workspace.base_path", ".maestro/workspaces")
	v.SetDefault("orchestration.workspace.max_file_size", 10<<20)
	v.SetDefault("orchestration.workspace.max_files", 10000)
	v.SetDefault("orchestration.workspace.cleanup_after_days", 7)

	// Memory
	v.SetDefault("memory.max_entries", 100000)
	v.SetDefault("memory.cleanup_days", 90)
	v.SetDefault("memory.persist_path", ".maestro/memory.db")
	v.SetDefault("memory.auto_cleanup", false)
	v.SetDefault("memory.search.default_limit", 10)
	v.SetDefault("memory.search.max_limit", 100)
	v.SetDefault("memory.search.timeout", 30*time.Second)

	// Performance
	v.SetDefault("performance.profile_cache.max_entries", 100)
	v.SetDefault("performance.profile_cache.ttl", 5*time.Minute)
	v.SetDefault("performance.profile_cache.cleanup_interval", time.Minute)
	v.SetDefault("performance.team_cache.max_entries", 50)
	v.SetDefault("performance.team_cache.ttl", 5*time.Minute)
	v.SetDefault("performance.team_cache.cleanup_interval", time.Minute)
	v.SetDefault("performance.provider_cache.max_entries", 500)
	v.SetDefault("performance.provider_cache.ttl", 10*time.Minute)
	v.SetDefault("performance.provider_cache.cleanup_interval", time.Minute)
	v.SetDefault("performance.rate_limit.enabled", false)
	v.SetDefault("performance.rate_limit.requests_per_minute", 60)
	v.SetDefault("performance.rate_limit.burst_size", 10)

	// Gateway
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 8736)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.console", true)

	// Profiles
	v.SetDefault("profiles_dir", ".maestro/profiles")
}
