package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/delegation"
	"maestro/internal/profile"
	"maestro/internal/provider"
)

// scriptedExecutor fails the configured agents and records call order.
type scriptedExecutor struct {
	mu      sync.Mutex
	fail    map[string]error
	delay   map[string]time.Duration
	started map[string]time.Time
	ended   map[string]time.Time
	order   []string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		fail:    make(map[string]error),
		delay:   make(map[string]time.Duration),
		started: make(map[string]time.Time),
		ended:   make(map[string]time.Time),
	}
}

func (e *scriptedExecutor) ExecuteAgent(ctx context.Context, target *profile.Profile, task string, dctx *delegation.Context) (*provider.ExecutionResponse, error) {
	e.mu.Lock()
	e.started[target.Name] = time.Now()
	e.order = append(e.order, target.Name)
	delay := e.delay[target.Name]
	failErr := e.fail[target.Name]
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	e.ended[target.Name] = time.Now()
	e.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	return &provider.ExecutionResponse{Content: "output of " + target.Name}, nil
}

func execute(t *testing.T, exec AgentExecutor, agents []*profile.Profile, opts Options) *Result {
	t.Helper()
	s := New(exec)
	result, err := s.Execute(context.Background(), agents, &ExecutionContext{SessionID: "s1", Task: "do it"}, opts)
	require.NoError(t, err)
	return result
}

func TestLinearDependencyChain(t *testing.T) {
	exec := newScriptedExecutor()
	result := execute(t, exec, []*profile.Profile{
		agent("a"),
		agent("b", "a"),
		agent("c", "b"),
	}, Options{})

	assert.True(t, result.Success)
	assert.Equal(t, []string{"a", "b", "c"}, result.CompletedAgents)
	assert.Empty(t, result.FailedAgents)
	assert.Equal(t, []string{"a", "b", "c"}, exec.order)

	// Topological order: each dependency terminates before its dependent starts.
	assert.False(t, exec.started["b"].Before(exec.ended["a"]))
	assert.False(t, exec.started["c"].Before(exec.ended["b"]))
}

func TestCycleRejectedAtExecute(t *testing.T) {
	s := New(newScriptedExecutor())
	_, err := s.Execute(context.Background(), []*profile.Profile{
		agent("a", "b"),
		agent("b", "a"),
	}, &ExecutionContext{}, Options{})

	var cycleErr *CircularDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b", "a"}, cycleErr.Cycle)
}

func TestPartialFailureContinues(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["b"] = errors.New("b blew up")

	result := execute(t, exec, []*profile.Profile{
		agent("a"),
		agent("b", "a"),
		agent("c"),
	}, Options{})

	assert.False(t, result.Success)
	assert.Equal(t, []string{"a", "c"}, result.CompletedAgents)
	assert.Equal(t, []string{"b"}, result.FailedAgents)
	assert.Empty(t, result.SkippedAgents)
}

func TestSkipPropagation(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["a"] = errors.New("root failed")

	result := execute(t, exec, []*profile.Profile{
		agent("a"),
		agent("b", "a"),
		agent("c", "b"),
		agent("d"),
	}, Options{})

	assert.Equal(t, []string{"a"}, result.FailedAgents)
	assert.Equal(t, []string{"b", "c"}, result.SkippedAgents)
	assert.Equal(t, []string{"d"}, result.CompletedAgents)

	// Skipped agents never reached the executor.
	assert.NotContains(t, exec.order, "b")
	assert.NotContains(t, exec.order, "c")

	// Timeline carries entries for every terminal state.
	statuses := make(map[string]NodeStatus)
	for _, entry := range result.Timeline {
		statuses[entry.AgentName] = entry.Status
	}
	assert.Equal(t, StatusFailed, statuses["a"])
	assert.Equal(t, StatusSkipped, statuses["b"])
	assert.Equal(t, StatusSkipped, statuses["c"])
	assert.Equal(t, StatusCompleted, statuses["d"])
}

func TestFailedNodeResultIsFailureStatus(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["a"] = errors.New("nope")

	result := execute(t, exec, []*profile.Profile{agent("a")}, Options{})

	node := result.Graph.Nodes["a"]
	require.NotNil(t, node.Result)
	assert.Equal(t, delegation.StatusFailure, node.Result.Status)
	assert.False(t, node.Result.Success)
}

func TestTimeoutFailureKeepsTimeoutStatus(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["a"] = provider.NewProviderError(provider.ErrCodeTimeout, "claude", "slow", nil)

	result := execute(t, exec, []*profile.Profile{agent("a")}, Options{})
	assert.Equal(t, delegation.StatusTimeout, result.Graph.Nodes["a"].Result.Status)
}

func TestContinueOnFailureFalseSkipsHigherLevels(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["a"] = errors.New("fail fast")
	cont := false

	result := execute(t, exec, []*profile.Profile{
		agent("a"),
		agent("b"), // same level, still runs
		agent("c", "b"),
	}, Options{ContinueOnFailure: &cont})

	assert.Equal(t, []string{"a"}, result.FailedAgents)
	assert.Equal(t, []string{"b"}, result.CompletedAgents)
	assert.Equal(t, []string{"c"}, result.SkippedAgents)
}

func TestSequentialBatchOrdering(t *testing.T) {
	exec := newScriptedExecutor()
	result := execute(t, exec, []*profile.Profile{
		sequentialAgent("s1"),
		sequentialAgent("s2"),
	}, Options{})

	assert.True(t, result.Success)
	assert.Equal(t, []string{"s1", "s2"}, exec.order)
	assert.False(t, exec.started["s2"].Before(exec.ended["s1"]))
}

func TestCancellationMarksPending(t *testing.T) {
	exec := newScriptedExecutor()
	exec.delay["a"] = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	s := New(exec)
	result, err := s.Execute(ctx, []*profile.Profile{
		agent("a"),
		agent("b", "a"),
	}, &ExecutionContext{Task: "t"}, Options{})
	require.NoError(t, err)

	// a failed on the cancelled context; b never dispatched.
	assert.Contains(t, result.FailedAgents, "a")
	assert.NotContains(t, exec.order, "b")
}

func TestCohortTimeout(t *testing.T) {
	exec := newScriptedExecutor()
	exec.delay["a"] = 500 * time.Millisecond

	s := New(exec)
	result, err := s.Execute(context.Background(), []*profile.Profile{agent("a")},
		&ExecutionContext{Task: "t"}, Options{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result.FailedAgents)
}

func TestParallelAgentsOverlap(t *testing.T) {
	exec := newScriptedExecutor()
	exec.delay["a"] = 60 * time.Millisecond
	exec.delay["b"] = 60 * time.Millisecond

	start := time.Now()
	result := execute(t, exec, []*profile.Profile{agent("a"), agent("b")}, Options{})
	elapsed := time.Since(start)

	assert.True(t, result.Success)
	// Both ran concurrently: well under the serial 120ms.
	assert.Less(t, elapsed, 110*time.Millisecond)
}

func TestSuccessfulNodeResultFields(t *testing.T) {
	exec := newScriptedExecutor()
	result := execute(t, exec, []*profile.Profile{agent("a")}, Options{})

	node := result.Graph.Nodes["a"]
	require.NotNil(t, node.Result)
	assert.Equal(t, delegation.StatusSuccess, node.Result.Status)
	assert.True(t, node.Result.Success)
	assert.Equal(t, "output of a", node.Result.Response)
	assert.Equal(t, "do it", node.Result.Task)
	require.Len(t, node.Result.DelegationID, 36)
}

func TestEventSinkReceivesTimeline(t *testing.T) {
	exec := newScriptedExecutor()
	exec.fail["b"] = errors.New("boom")

	var mu sync.Mutex
	var seen []TimelineEntry
	s := New(exec)
	_, err := s.Execute(context.Background(), []*profile.Profile{
		agent("a"),
		agent("b"),
		agent("c", "b"),
	}, &ExecutionContext{Task: "t"}, Options{
		Events: func(e TimelineEntry) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	statuses := make(map[string]NodeStatus)
	for _, e := range seen {
		statuses[e.AgentName] = e.Status
	}
	assert.Equal(t, StatusCompleted, statuses["a"])
	assert.Equal(t, StatusFailed, statuses["b"])
	assert.Equal(t, StatusSkipped, statuses["c"])
}
