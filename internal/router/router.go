// Package router orders providers by priority and routes execution with
// fallback, cooldown penalties and response caching.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"maestro/internal/cache"
	"maestro/internal/provider"
	"maestro/pkg/logger"
)

// DefaultCooldown is the penalty window applied to a failed provider.
const DefaultCooldown = 30 * time.Second

// ErrNoAvailableProviders is returned when no candidate survives the
// penalty and availability filters.
var ErrNoAvailableProviders = errors.New("no available providers")

// AllProvidersFailedError wraps the last failure after every candidate
// has been tried.
type AllProvidersFailedError struct {
	LastErr error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed: %v", e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error {
	return e.LastErr
}

// Entry pairs a provider with its routing priority.
type Entry struct {
	Provider provider.Provider
	Priority int // smaller = preferred
}

// Config holds router configuration.
type Config struct {
	Providers           []Entry
	FallbackEnabled     bool
	HealthCheckInterval time.Duration // 0 = no background loop
	ProviderCooldown    time.Duration // 0 = DefaultCooldown
	ResponseCache       *cache.Config // nil = caching disabled
}

// HealthLoopMetrics reports background health-loop activity.
type HealthLoopMetrics struct {
	LastCheckTime   time.Time     `json:"last_check_time"`
	ChecksPerformed int64         `json:"checks_performed"`
	TotalDuration   time.Duration `json:"total_duration"`
	Failures        int64         `json:"failures"`
}

// Router routes execution requests across prioritized providers.
type Router struct {
	entries  []Entry
	fallback bool
	cooldown time.Duration

	mu        sync.Mutex
	penalized map[string]time.Time

	respCache *cache.Cache[string, *provider.ExecutionResponse]

	healthMu      sync.Mutex
	healthMetrics HealthLoopMetrics

	stopCh chan struct{}
	once   sync.Once
}

// New creates a router. If a health interval is configured the loop fires
// immediately to warm availability caches.
func New(cfg Config) *Router {
	entries := make([]Entry, len(cfg.Providers))
	copy(entries, cfg.Providers)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority < entries[j].Priority
	})

	cooldown := cfg.ProviderCooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	r := &Router{
		entries:   entries,
		fallback:  cfg.FallbackEnabled,
		cooldown:  cooldown,
		penalized: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
	if cfg.ResponseCache != nil {
		r.respCache = cache.New[string, *provider.ExecutionResponse](*cfg.ResponseCache)
	}
	if cfg.HealthCheckInterval > 0 {
		r.refreshHealth(context.Background())
		go r.healthLoop(cfg.HealthCheckInterval)
	}
	return r
}

// cacheKey hashes the provider name, prompt and model parameters.
func cacheKey(name string, req *provider.ExecutionRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%g\x00%d",
		name, req.Prompt, req.SystemPrompt, req.Model, req.Temperature, req.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

// candidates returns non-penalized, available providers in priority order.
// Availability probes run concurrently; a probe failure counts as unavailable.
func (r *Router) candidates(ctx context.Context) []provider.Provider {
	now := time.Now()

	r.mu.Lock()
	eligible := make([]provider.Provider, 0, len(r.entries))
	for _, e := range r.entries {
		if expiry, ok := r.penalized[e.Provider.Name()]; ok && expiry.After(now) {
			continue
		}
		eligible = append(eligible, e.Provider)
	}
	r.mu.Unlock()

	available := make([]bool, len(eligible))
	var wg sync.WaitGroup
	for i, p := range eligible {
		wg.Add(1)
		go func(i int, p provider.Provider) {
			defer wg.Done()
			available[i] = p.IsAvailable(ctx)
		}(i, p)
	}
	wg.Wait()

	out := eligible[:0]
	for i, p := range eligible {
		if available[i] {
			out = append(out, p)
		}
	}
	return out
}

// Execute routes a request through the candidate providers in priority
// order, consulting the response cache and penalizing failures.
func (r *Router) Execute(ctx context.Context, req *provider.ExecutionRequest) (*provider.ExecutionResponse, error) {
	cands := r.candidates(ctx)
	if len(cands) == 0 {
		return nil, ErrNoAvailableProviders
	}

	var lastErr error
	for _, p := range cands {
		name := p.Name()

		if r.respCache != nil {
			if cached, ok := r.respCache.Get(cacheKey(name, req)); ok {
				hit := *cached
				hit.Cached = true
				hit.LatencyMs = 0
				hit.TokensUsed = provider.TokenUsage{}
				return &hit, nil
			}
		}

		resp, err := p.Execute(ctx, req)
		if err == nil {
			if r.respCache != nil {
				r.respCache.Set(cacheKey(name, req), resp)
			}
			r.clearPenalty(name)
			return resp, nil
		}

		lastErr = err
		logger.Warn().Err(err).Str("provider", name).Msg("provider execution failed")
		r.penalize(name)

		if !r.fallback {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, &AllProvidersFailedError{LastErr: lastErr}
}

// penalize excludes a provider from routing for the cooldown window.
func (r *Router) penalize(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.penalized[name] = time.Now().Add(r.cooldown)
}

// clearPenalty re-admits a provider after a success.
func (r *Router) clearPenalty(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.penalized, name)
}

// IsPenalized reports whether a provider is currently excluded.
func (r *Router) IsPenalized(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.penalized[name]
	return ok && expiry.After(time.Now())
}

// Providers returns the configured providers in priority order.
func (r *Router) Providers() []provider.Provider {
	out := make([]provider.Provider, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Provider
	}
	return out
}

// HealthMetrics returns a snapshot of health-loop counters.
func (r *Router) HealthMetrics() HealthLoopMetrics {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	return r.healthMetrics
}

// CacheStats returns response-cache statistics, or zero stats when caching
// is disabled.
func (r *Router) CacheStats() cache.Stats {
	if r.respCache == nil {
		return cache.Stats{}
	}
	return r.respCache.Stats()
}

// healthLoop refreshes provider availability on a fixed interval.
func (r *Router) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.refreshHealth(context.Background())
		}
	}
}

// refreshHealth probes all providers concurrently, collecting every result.
func (r *Router) refreshHealth(ctx context.Context) {
	start := time.Now()
	var failures int64
	var failMu sync.Mutex

	var wg sync.WaitGroup
	for _, e := range r.entries {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()
			if !p.IsAvailable(ctx) {
				failMu.Lock()
				failures++
				failMu.Unlock()
			}
		}(e.Provider)
	}
	wg.Wait()

	r.healthMu.Lock()
	r.healthMetrics.LastCheckTime = time.Now()
	r.healthMetrics.ChecksPerformed++
	r.healthMetrics.TotalDuration += time.Since(start)
	r.healthMetrics.Failures += failures
	r.healthMu.Unlock()
}

// Destroy cancels the health loop and clears penalty state.
func (r *Router) Destroy() {
	r.once.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	r.penalized = make(map[string]time.Time)
	r.mu.Unlock()
	if r.respCache != nil {
		r.respCache.Close()
	}
}
