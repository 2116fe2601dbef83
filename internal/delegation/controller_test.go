package delegation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/profile"
	"maestro/internal/provider"
)

// mapProfiles resolves profiles from an in-memory map.
type mapProfiles map[string]*profile.Profile

func (m mapProfiles) Load(name string) (*profile.Profile, error) {
	if p, ok := m[name]; ok {
		return p, nil
	}
	return nil, profile.ErrProfileNotFound
}

// stubExecutor returns a canned response or error.
type stubExecutor struct {
	resp *provider.ExecutionResponse
	err  error

	gotTarget *profile.Profile
	gotChain  []string
}

func (s *stubExecutor) ExecuteAgent(ctx context.Context, target *profile.Profile, task string, dctx *Context) (*provider.ExecutionResponse, error) {
	s.gotTarget = target
	s.gotChain = dctx.DelegationChain
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func testProfiles() mapProfiles {
	no := false
	return mapProfiles{
		"cto":      {Name: "cto", Role: "coordinator"},
		"backend":  {Name: "backend", Role: "implementer"},
		"frontend": {Name: "frontend"},
		"security": {Name: "security"},
		"hermit":   {Name: "hermit", Orchestration: profile.Orchestration{CanDelegate: &no}},
	}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var de *DelegationError
	require.ErrorAs(t, err, &de)
	return de.Reason
}

func TestDelegateSuccess(t *testing.T) {
	exec := &stubExecutor{resp: &provider.ExecutionResponse{Content: "done"}}
	c := NewController(testProfiles(), exec, 0)

	dctx := &Context{SessionID: "s1"}
	result, err := c.Delegate(context.Background(), "cto", "backend", "build it", dctx)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, "done", result.Response)
	assert.Equal(t, "cto", result.FromAgent)
	assert.Equal(t, "backend", result.ToAgent)
	require.Len(t, result.DelegationID, 36)

	// The child context chain gains the delegating agent.
	assert.Equal(t, []string{"cto"}, exec.gotChain)
	// The original context is untouched.
	assert.Empty(t, dctx.DelegationChain)
}

func TestDelegateUnknownAgent(t *testing.T) {
	c := NewController(testProfiles(), &stubExecutor{}, 0)
	_, err := c.Delegate(context.Background(), "cto", "ghost", "t", &Context{})
	assert.Equal(t, ReasonAgentNotFound, reasonOf(t, err))
}

func TestDelegateDisabledTarget(t *testing.T) {
	c := NewController(testProfiles(), &stubExecutor{}, 0)
	_, err := c.Delegate(context.Background(), "cto", "hermit", "t", &Context{})
	assert.Equal(t, ReasonDelegationDisabled, reasonOf(t, err))
}

func TestDelegateSelf(t *testing.T) {
	c := NewController(testProfiles(), &stubExecutor{}, 0)
	_, err := c.Delegate(context.Background(), "backend", "Backend", "t", &Context{})
	assert.Equal(t, ReasonSelfDelegation, reasonOf(t, err))
}

func TestDelegateCycle(t *testing.T) {
	c := NewController(testProfiles(), &stubExecutor{}, 0)
	dctx := &Context{DelegationChain: []string{"cto", "backend"}}
	_, err := c.Delegate(context.Background(), "frontend", "backend", "t", dctx)
	assert.Equal(t, ReasonCycle, reasonOf(t, err))
}

func TestDelegateDepthBound(t *testing.T) {
	exec := &stubExecutor{resp: &provider.ExecutionResponse{Content: "ok"}}
	c := NewController(testProfiles(), exec, 0)

	// Chain ["cto","backend"], next hop lands at depth 3 — allowed for a
	// coordinator origin.
	dctx := &Context{DelegationChain: []string{"cto", "backend"}}
	_, err := c.Delegate(context.Background(), "backend", "frontend", "t", dctx)
	require.NoError(t, err)

	// Chain ["cto","backend","frontend"]: depth 4 exceeds the origin's 3.
	dctx = &Context{DelegationChain: []string{"cto", "backend", "frontend"}}
	_, err = c.Delegate(context.Background(), "frontend", "security", "t", dctx)
	require.Error(t, err)
	var de *DelegationError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ReasonMaxDepth, de.Reason)
	assert.Equal(t, "Max delegation depth (3) exceeded", de.Message)
}

func TestDelegateDepthFallsBackToFromAgent(t *testing.T) {
	c := NewController(testProfiles(), &stubExecutor{resp: &provider.ExecutionResponse{}}, 0)

	// Empty chain: origin is the implementer, depth limit 1; the first
	// hop is allowed.
	_, err := c.Delegate(context.Background(), "backend", "frontend", "t", &Context{})
	require.NoError(t, err)

	// With one link already present the implementer origin is exhausted.
	dctx := &Context{DelegationChain: []string{"backend"}}
	_, err = c.Delegate(context.Background(), "frontend", "security", "t", dctx)
	assert.Equal(t, ReasonMaxDepth, reasonOf(t, err))
}

func TestDelegateExecutionFailure(t *testing.T) {
	exec := &stubExecutor{err: errors.New("provider exploded")}
	c := NewController(testProfiles(), exec, 0)

	result, err := c.Delegate(context.Background(), "cto", "backend", "t", &Context{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, result.Status)
	assert.False(t, result.Success)
	assert.Contains(t, result.Response, "provider exploded")
}

func TestDelegateTimeoutMapsToTimeoutStatus(t *testing.T) {
	exec := &stubExecutor{err: provider.NewProviderError(provider.ErrCodeTimeout, "claude", "timed out", nil)}
	c := NewController(testProfiles(), exec, 0)

	result, err := c.Delegate(context.Background(), "cto", "backend", "t", &Context{})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.False(t, result.Success)
}

func TestStatusSuccessConsistency(t *testing.T) {
	for _, exec := range []*stubExecutor{
		{resp: &provider.ExecutionResponse{Content: "x"}},
		{err: errors.New("nope")},
		{err: provider.NewProviderError(provider.ErrCodeTimeout, "p", "slow", nil)},
	} {
		c := NewController(testProfiles(), exec, 0)
		result, err := c.Delegate(context.Background(), "cto", "backend", "t", &Context{})
		require.NoError(t, err)
		assert.Equal(t, result.Status == StatusSuccess, result.Success)
	}
}
