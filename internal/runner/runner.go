// Package runner executes single agents against the provider router and
// re-enters the delegation controller for intents found in responses.
package runner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"maestro/internal/delegation"
	"maestro/internal/profile"
	"maestro/internal/provider"
	"maestro/internal/router"
	"maestro/internal/session"
	"maestro/internal/workspace"
	"maestro/pkg/logger"
)

// Runner is the production AgentExecutor. It resolves provider capacity
// through the router, tracks session participation, persists responses to
// the session workspace and follows delegation intents.
type Runner struct {
	router     *router.Router
	profiles   *profile.Loader
	workspaces *workspace.Manager
	sessions   *session.Manager
	delegator  *delegation.Controller

	followIntents bool
}

// Options configures a runner. Workspaces and Sessions are optional.
type Options struct {
	Router        *router.Router
	Profiles      *profile.Loader
	Workspaces    *workspace.Manager
	Sessions      *session.Manager
	FollowIntents bool
}

// New creates a runner. The delegation controller is attached afterwards
// via SetDelegator because controller and runner reference each other.
func New(opts Options) *Runner {
	return &Runner{
		router:        opts.Router,
		profiles:      opts.Profiles,
		workspaces:    opts.Workspaces,
		sessions:      opts.Sessions,
		followIntents: opts.FollowIntents,
	}
}

// SetDelegator wires the delegation controller for intent follow-up.
func (r *Runner) SetDelegator(d *delegation.Controller) {
	r.delegator = d
}

// buildRequest shapes the provider request from the profile and task.
func buildRequest(target *profile.Profile, task string) *provider.ExecutionRequest {
	return &provider.ExecutionRequest{
		Prompt:       task,
		SystemPrompt: target.SystemPrompt,
		Model:        target.Model,
		Temperature:  target.Temperature,
		MaxTokens:    target.MaxTokens,
	}
}

// ExecuteAgent runs one task against the target agent. Implements both the
// scheduler's and the delegation controller's executor contracts.
func (r *Runner) ExecuteAgent(ctx context.Context, target *profile.Profile, task string, dctx *delegation.Context) (*provider.ExecutionResponse, error) {
	if dctx == nil {
		dctx = &delegation.Context{}
	}

	if r.sessions != nil && dctx.SessionID != "" {
		if err := r.sessions.AddParticipant(dctx.SessionID, target.Name); err != nil {
			logger.Debug().Err(err).Str("agent", target.Name).Msg("participant tracking failed")
		}
	}

	resp, err := r.router.Execute(ctx, buildRequest(target, task))
	if err != nil {
		return nil, err
	}

	r.persistResponse(target, dctx, resp)

	if r.followIntents && r.delegator != nil && target.CanDelegate() {
		r.followDelegations(ctx, target, dctx, resp.Content)
	}

	return resp, nil
}

// ExecuteStage runs one stage prompt for the stage controller. Stage
// prompts carry their own structure, so the raw prompt goes through as-is.
func (r *Runner) ExecuteStage(ctx context.Context, agent *profile.Profile, prompt string) (*provider.ExecutionResponse, error) {
	return r.router.Execute(ctx, buildRequest(agent, prompt))
}

// persistResponse writes the agent's response into its session outputs.
// Best-effort: a workspace failure never fails the execution.
func (r *Runner) persistResponse(target *profile.Profile, dctx *delegation.Context, resp *provider.ExecutionResponse) {
	if r.workspaces == nil || dctx.SessionID == "" || resp.Cached {
		return
	}
	name := fmt.Sprintf("responses/%s.md", uuid.New().String())
	if _, err := r.workspaces.WriteToSession(dctx.SessionID, target.Name, name, []byte(resp.Content)); err != nil {
		logger.Debug().Err(err).Str("agent", target.Name).Msg("response persistence failed")
	}
}

// followDelegations parses intents from the response and runs each through
// the delegation controller. Rejected intents are logged and dropped; the
// controller enforces depth and cycle rules.
func (r *Runner) followDelegations(ctx context.Context, from *profile.Profile, dctx *delegation.Context, content string) {
	for _, intent := range delegation.ParseIntents(content) {
		result, err := r.delegator.Delegate(ctx, from.Name, intent.ToAgent, intent.Task, dctx)
		if err != nil {
			logger.Debug().Err(err).
				Str("from", from.Name).
				Str("to", intent.ToAgent).
				Msg("delegation intent rejected")
			continue
		}
		logger.Info().
			Str("from", from.Name).
			Str("to", intent.ToAgent).
			Str("status", result.Status).
			Msg("delegation intent executed")
	}
}
