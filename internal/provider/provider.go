package provider

import "context"

// Provider is the uniform contract over an external CLI provider.
type Provider interface {
	// Name returns the provider's unique name.
	Name() string

	// Execute runs one completion request against the provider binary.
	Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResponse, error)

	// IsAvailable reports whether the provider binary can currently serve
	// requests. Results are cached; the health loop refreshes them.
	IsAvailable(ctx context.Context) bool

	// GetHealth returns the provider's recent availability record.
	GetHealth() Health

	// GetCacheMetrics returns availability/version cache and health counters.
	GetCacheMetrics() CacheMetrics

	// ClearCaches drops the provider's internal caches (for tests).
	ClearCaches()
}
