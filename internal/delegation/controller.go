package delegation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"maestro/internal/profile"
	"maestro/internal/provider"
	"maestro/pkg/logger"
)

// Executor runs a task against a target agent's profile with a restricted
// context. The runner provides the production implementation.
type Executor interface {
	ExecuteAgent(ctx context.Context, target *profile.Profile, task string, dctx *Context) (*provider.ExecutionResponse, error)
}

// Profiles resolves agent profiles by name.
type Profiles interface {
	Load(name string) (*profile.Profile, error)
}

// Controller validates and runs delegations.
type Controller struct {
	profiles Profiles
	executor Executor
	timeout  time.Duration
}

// NewController creates a delegation controller. A zero timeout disables
// the controller-level deadline.
func NewController(profiles Profiles, executor Executor, timeout time.Duration) *Controller {
	return &Controller{profiles: profiles, executor: executor, timeout: timeout}
}

// Check validates a delegation without executing it. It returns the target
// profile on success.
func (c *Controller) Check(fromAgent, toAgent string, dctx *Context) (*profile.Profile, error) {
	if strings.EqualFold(toAgent, fromAgent) {
		return nil, newError(ReasonSelfDelegation, "agent %q cannot delegate to itself", fromAgent)
	}

	target, err := c.profiles.Load(toAgent)
	if err != nil {
		return nil, newError(ReasonAgentNotFound, "agent %q not found", toAgent)
	}

	if !target.CanDelegate() {
		return nil, newError(ReasonDelegationDisabled, "agent %q does not accept delegation", toAgent)
	}

	for _, link := range dctx.DelegationChain {
		if strings.EqualFold(link, toAgent) {
			cycle := append(append([]string{}, dctx.DelegationChain...), fromAgent, toAgent)
			return nil, newError(ReasonCycle, "delegation cycle: %s", strings.Join(cycle, " -> "))
		}
	}

	origin := dctx.Origin(fromAgent)
	maxDepth := profile.DefaultDelegationDepth
	if op, err := c.profiles.Load(origin); err == nil {
		maxDepth = op.MaxDelegationDepth()
	}
	if len(dctx.DelegationChain)+1 > maxDepth {
		return nil, newError(ReasonMaxDepth, "Max delegation depth (%d) exceeded", maxDepth)
	}

	return target, nil
}

// Delegate validates the request, invokes the target agent and wraps the
// outcome into a Result. Precondition failures return a DelegationError;
// execution failures are reported through the Result status.
func (c *Controller) Delegate(ctx context.Context, fromAgent, toAgent, task string, dctx *Context) (*Result, error) {
	target, err := c.Check(fromAgent, toAgent, dctx)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	child := dctx.Child(fromAgent)
	start := time.Now()
	resp, execErr := c.executor.ExecuteAgent(ctx, target, task, child)
	end := time.Now()

	result := &Result{
		DelegationID: uuid.New().String(),
		FromAgent:    fromAgent,
		ToAgent:      toAgent,
		Task:         task,
		Duration:     end.Sub(start),
		StartTime:    start,
		EndTime:      end,
	}

	switch {
	case execErr == nil:
		result.Status = StatusSuccess
		result.Success = true
		result.Response = resp.Content
	case provider.IsTimeout(execErr):
		result.Status = StatusTimeout
		result.Response = execErr.Error()
	default:
		result.Status = StatusFailure
		result.Response = execErr.Error()
	}

	logger.Info().
		Str("from", fromAgent).
		Str("to", toAgent).
		Str("status", result.Status).
		Dur("duration", result.Duration).
		Msg("delegation finished")

	return result, nil
}
