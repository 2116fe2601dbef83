package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/cache"
	"maestro/internal/provider"
)

// fakeProvider is a scriptable Provider for router tests.
type fakeProvider struct {
	name      string
	available bool
	failWith  error
	content   string
	calls     atomic.Int64
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Execute(ctx context.Context, req *provider.ExecutionRequest) (*provider.ExecutionResponse, error) {
	f.calls.Add(1)
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &provider.ExecutionResponse{
		Content:      f.content,
		Model:        req.Model,
		TokensUsed:   provider.TokenUsage{Prompt: 1, Completion: 2, Total: 3},
		LatencyMs:    7,
		FinishReason: provider.FinishReasonStop,
	}, nil
}

func (f *fakeProvider) IsAvailable(ctx context.Context) bool { return f.available }
func (f *fakeProvider) GetHealth() provider.Health           { return provider.Health{} }
func (f *fakeProvider) GetCacheMetrics() provider.CacheMetrics {
	return provider.CacheMetrics{}
}
func (f *fakeProvider) ClearCaches() {}

func newRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r := New(cfg)
	t.Cleanup(r.Destroy)
	return r
}

func TestExecutePriorityOrder(t *testing.T) {
	p1 := &fakeProvider{name: "p1", available: true, content: "from p1"}
	p2 := &fakeProvider{name: "p2", available: true, content: "from p2"}
	r := newRouter(t, Config{
		Providers:       []Entry{{p2, 2}, {p1, 1}},
		FallbackEnabled: true,
	})

	resp, err := r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from p1", resp.Content)
	assert.Equal(t, int64(0), p2.calls.Load())
}

func TestExecuteFallbackAndCooldown(t *testing.T) {
	p1 := &fakeProvider{name: "p1", available: true, failWith: errors.New("p1 down")}
	p2 := &fakeProvider{name: "p2", available: true, content: "from p2"}
	r := newRouter(t, Config{
		Providers:        []Entry{{p1, 1}, {p2, 2}},
		FallbackEnabled:  true,
		ProviderCooldown: time.Minute,
	})

	resp, err := r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from p2", resp.Content)
	assert.True(t, r.IsPenalized("p1"))

	// Within the cooldown, p1 is skipped entirely.
	_, err = r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi again"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.calls.Load())
}

func TestExecuteNoFallbackPropagates(t *testing.T) {
	boom := errors.New("boom")
	p1 := &fakeProvider{name: "p1", available: true, failWith: boom}
	p2 := &fakeProvider{name: "p2", available: true, content: "unused"}
	r := newRouter(t, Config{
		Providers:       []Entry{{p1, 1}, {p2, 2}},
		FallbackEnabled: false,
	})

	_, err := r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), p2.calls.Load())
}

func TestExecuteNoAvailableProviders(t *testing.T) {
	p1 := &fakeProvider{name: "p1", available: false}
	r := newRouter(t, Config{Providers: []Entry{{p1, 1}}, FallbackEnabled: true})

	_, err := r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNoAvailableProviders)
}

func TestExecuteAllProvidersFailed(t *testing.T) {
	last := errors.New("last failure")
	p1 := &fakeProvider{name: "p1", available: true, failWith: errors.New("first failure")}
	p2 := &fakeProvider{name: "p2", available: true, failWith: last}
	r := newRouter(t, Config{Providers: []Entry{{p1, 1}, {p2, 2}}, FallbackEnabled: true})

	_, err := r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi"})
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.ErrorIs(t, all.LastErr, last)
}

func TestResponseCacheHit(t *testing.T) {
	p1 := &fakeProvider{name: "p1", available: true, content: "expensive answer"}
	r := newRouter(t, Config{
		Providers:       []Entry{{p1, 1}},
		FallbackEnabled: true,
		ResponseCache:   &cache.Config{MaxEntries: 16, TTL: time.Minute},
	})

	req := &provider.ExecutionRequest{Prompt: "hi", Model: "m1"}
	first, err := r.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := r.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, int64(0), second.LatencyMs)
	assert.Equal(t, provider.TokenUsage{}, second.TokensUsed)
	assert.Equal(t, int64(1), p1.calls.Load())

	// Different model parameters miss the cache.
	_, err = r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi", Model: "m2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p1.calls.Load())
}

func TestSuccessClearsPenalty(t *testing.T) {
	p1 := &fakeProvider{name: "p1", available: true, failWith: errors.New("down")}
	r := newRouter(t, Config{
		Providers:        []Entry{{p1, 1}},
		FallbackEnabled:  true,
		ProviderCooldown: 10 * time.Millisecond,
	})

	_, err := r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi"})
	require.Error(t, err)
	require.True(t, r.IsPenalized("p1"))

	time.Sleep(20 * time.Millisecond)
	p1.failWith = nil
	p1.content = "recovered"

	resp, err := r.Execute(context.Background(), &provider.ExecutionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.False(t, r.IsPenalized("p1"))
}

func TestHealthLoopWarmsImmediately(t *testing.T) {
	p1 := &fakeProvider{name: "p1", available: true}
	r := newRouter(t, Config{
		Providers:           []Entry{{p1, 1}},
		HealthCheckInterval: time.Hour,
	})

	m := r.HealthMetrics()
	assert.Equal(t, int64(1), m.ChecksPerformed)
	assert.False(t, m.LastCheckTime.IsZero())
}
