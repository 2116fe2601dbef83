package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"maestro/internal/delegation"
	"maestro/internal/profile"
	"maestro/internal/provider"
	"maestro/pkg/logger"
)

// AgentExecutor runs one agent against its provider. The production
// implementation composes the router and the agent's profile.
type AgentExecutor interface {
	ExecuteAgent(ctx context.Context, target *profile.Profile, task string, dctx *delegation.Context) (*provider.ExecutionResponse, error)
}

// ExecutionContext is the shared context for one cohort. Each agent gets its
// own copy of the session id and delegation chain (SharedData is shared);
// the agent's profile and the cohort Task are passed alongside the copy.
type ExecutionContext struct {
	SessionID  string
	Task       string
	Delegation *delegation.Context
}

// agentContext clones the shared context for one agent.
func (c *ExecutionContext) agentContext() *delegation.Context {
	dctx := &delegation.Context{SessionID: c.SessionID}
	if c.Delegation != nil {
		dctx.DelegationChain = append([]string(nil), c.Delegation.DelegationChain...)
		dctx.SharedData = c.Delegation.SharedData
	}
	return dctx
}

// Options controls one cohort execution.
type Options struct {
	ContinueOnFailure *bool         // nil defaults to true
	MaxConcurrent     int           // 0 = unbounded
	Timeout           time.Duration // 0 = no cohort cap

	// Events receives every timeline entry as it is recorded. Must not
	// block; called from executor goroutines.
	Events func(TimelineEntry)
}

func (o Options) continueOnFailure() bool {
	return o.ContinueOnFailure == nil || *o.ContinueOnFailure
}

// TimelineEntry records one terminal node state.
type TimelineEntry struct {
	AgentName   string        `json:"agent_name"`
	DisplayName string        `json:"display_name,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Level       int           `json:"level"`
	Status      NodeStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`
}

// Result summarises one cohort execution.
type Result struct {
	Success         bool            `json:"success"`
	CompletedAgents []string        `json:"completed_agents"`
	FailedAgents    []string        `json:"failed_agents"`
	SkippedAgents   []string        `json:"skipped_agents"`
	CancelledAgents []string        `json:"cancelled_agents,omitempty"`
	Timeline        []TimelineEntry `json:"timeline"`
	TotalDuration   time.Duration   `json:"total_duration"`
	Graph           *Graph          `json:"graph"`
	Plan            *Plan           `json:"plan"`
}

// Scheduler executes agent cohorts over their dependency graph.
type Scheduler struct {
	executor AgentExecutor
}

// New creates a scheduler.
func New(executor AgentExecutor) *Scheduler {
	return &Scheduler{executor: executor}
}

// run tracks the mutable state of one cohort execution.
type run struct {
	graph    *Graph
	plan     *Plan
	execCtx  *ExecutionContext
	executor AgentExecutor
	events   func(TimelineEntry)

	mu       sync.Mutex
	timeline []TimelineEntry
}

// Execute builds the graph and plan for the cohort and runs it level by
// level. Level i reaches a terminal state for every node before level i+1
// starts.
func (s *Scheduler) Execute(ctx context.Context, agents []*profile.Profile, execCtx *ExecutionContext, opts Options) (*Result, error) {
	graph, err := BuildGraph(agents)
	if err != nil {
		return nil, err
	}
	plan := BuildPlan(graph, opts.MaxConcurrent)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	r := &run{graph: graph, plan: plan, execCtx: execCtx, executor: s.executor, events: opts.Events}
	start := time.Now()

	for level := 0; level <= graph.MaxLevel; level++ {
		levelFailed := false
		for _, batch := range plan.Levels[level] {
			if ctx.Err() != nil {
				r.cancelPending()
				return r.result(start), nil
			}
			if batch.Parallel {
				if r.runParallelBatch(ctx, batch, level) {
					levelFailed = true
				}
			} else {
				if r.runSequentialBatch(ctx, batch, level) {
					levelFailed = true
				}
			}
		}

		if levelFailed && !opts.continueOnFailure() {
			r.skipPending("dependency level failed")
			break
		}
	}

	return r.result(start), nil
}

// runParallelBatch executes a batch concurrently. Returns true if any node
// failed.
func (r *run) runParallelBatch(ctx context.Context, batch Batch, level int) bool {
	var wg sync.WaitGroup
	var failedMu sync.Mutex
	failed := false

	for _, name := range batch.Agents {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := r.runNode(ctx, name, level); err != nil {
				failedMu.Lock()
				failed = true
				failedMu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return failed
}

// runSequentialBatch executes a batch serially. A cancellation between
// items cancels only the tail.
func (r *run) runSequentialBatch(ctx context.Context, batch Batch, level int) bool {
	failed := false
	for _, name := range batch.Agents {
		if ctx.Err() != nil {
			r.cancelNode(name, level)
			continue
		}
		if err := r.runNode(ctx, name, level); err != nil {
			failed = true
		}
	}
	return failed
}

// runNode drives one node to a terminal state. Returns an error only on
// execution failure so batch runners can record level failures.
func (r *run) runNode(ctx context.Context, name string, level int) error {
	r.mu.Lock()
	node := r.graph.Nodes[name]

	if node.Status == StatusSkipped {
		// Marked by a failed ancestor; emit its timeline entry now.
		r.emitLocked(node, level, time.Now(), time.Now(), "dependency failed")
		r.mu.Unlock()
		return nil
	}

	for _, dep := range node.Dependencies {
		depNode := r.graph.Nodes[dep]
		if depNode.Result == nil || !depNode.Result.Success {
			node.Status = StatusSkipped
			r.markDescendantsSkippedLocked(name)
			r.emitLocked(node, level, time.Now(), time.Now(), "dependency failed")
			r.mu.Unlock()
			return nil
		}
	}

	node.Status = StatusRunning
	r.mu.Unlock()

	dctx := r.execCtx.agentContext()
	task := r.execCtx.Task
	start := time.Now()
	resp, err := r.executor.ExecuteAgent(ctx, node.Agent, task, dctx)
	end := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		node.Status = StatusFailed
		node.Result = failureResult(node, task, start, end, err)
		r.markDescendantsSkippedLocked(name)
		r.emitLocked(node, level, start, end, err.Error())
		logger.Warn().Err(err).Str("agent", name).Msg("agent execution failed")
		return err
	}

	node.Status = StatusCompleted
	node.Result = &delegation.Result{
		DelegationID: uuid.New().String(),
		FromAgent:    r.execCtx.SessionID,
		ToAgent:      name,
		Task:         task,
		Status:       delegation.StatusSuccess,
		Success:      true,
		Response:     resp.Content,
		Duration:     end.Sub(start),
		StartTime:    start,
		EndTime:      end,
	}
	r.emitLocked(node, level, start, end, "")
	return nil
}

// failureResult synthesises the uniform failure record for a failed node.
// The status taxonomy has no "skipped"; synthesised results use failure.
func failureResult(node *Node, task string, start, end time.Time, err error) *delegation.Result {
	status := delegation.StatusFailure
	if provider.IsTimeout(err) {
		status = delegation.StatusTimeout
	}
	return &delegation.Result{
		DelegationID: uuid.New().String(),
		ToAgent:      node.Name,
		Task:         task,
		Status:       status,
		Success:      false,
		Response:     err.Error(),
		Duration:     end.Sub(start),
		StartTime:    start,
		EndTime:      end,
	}
}

// markDescendantsSkippedLocked recursively marks pending dependents of a
// failed or skipped node. Must be called with mu held.
func (r *run) markDescendantsSkippedLocked(name string) {
	for _, child := range r.graph.Adjacency[name] {
		childNode := r.graph.Nodes[child]
		if childNode.Status == StatusPending {
			childNode.Status = StatusSkipped
			r.markDescendantsSkippedLocked(child)
		}
	}
}

// cancelNode marks one pending node cancelled with a timeline entry.
func (r *run) cancelNode(name string, level int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.graph.Nodes[name]
	if node.Status != StatusPending {
		return
	}
	node.Status = StatusCancelled
	r.emitLocked(node, level, time.Now(), time.Now(), "cohort cancelled")
}

// cancelPending marks all still-pending nodes cancelled.
func (r *run) cancelPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.graph.Nodes {
		if node.Status == StatusPending {
			node.Status = StatusCancelled
			r.emitLocked(node, node.Level, time.Now(), time.Now(), "cohort cancelled")
		}
	}
}

// skipPending marks all still-pending nodes skipped (continueOnFailure=false).
func (r *run) skipPending(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.graph.Nodes {
		if node.Status == StatusPending {
			node.Status = StatusSkipped
			r.emitLocked(node, node.Level, time.Now(), time.Now(), reason)
		}
	}
}

// emitLocked appends a timeline entry. Must be called with mu held.
func (r *run) emitLocked(node *Node, level int, start, end time.Time, errMsg string) {
	entry := TimelineEntry{
		AgentName: node.Name,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Level:     level,
		Status:    node.Status,
		Error:     errMsg,
	}
	if node.Agent != nil && node.Agent.DisplayName != "" {
		entry.DisplayName = node.Agent.DisplayName
	}
	if node.Status == StatusCompleted {
		entry.Error = ""
	}
	r.timeline = append(r.timeline, entry)
	if r.events != nil {
		r.events(entry)
	}
}

// result assembles the final cohort result.
func (r *run) result(start time.Time) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Result{
		CompletedAgents: r.graph.NodesWithStatus(StatusCompleted),
		FailedAgents:    r.graph.NodesWithStatus(StatusFailed),
		SkippedAgents:   r.graph.NodesWithStatus(StatusSkipped),
		CancelledAgents: r.graph.NodesWithStatus(StatusCancelled),
		Timeline:        append([]TimelineEntry(nil), r.timeline...),
		TotalDuration:   time.Since(start),
		Graph:           r.graph,
		Plan:            r.plan,
	}
	res.Success = len(res.FailedAgents) == 0
	return res
}
