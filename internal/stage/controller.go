package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"maestro/internal/memory"
	"maestro/internal/profile"
	"maestro/internal/prompter"
	"maestro/internal/provider"
	"maestro/pkg/logger"
)

// Executor runs one stage prompt against the agent's provider.
type Executor interface {
	ExecuteStage(ctx context.Context, agent *profile.Profile, prompt string) (*provider.ExecutionResponse, error)
}

// Config holds controller-level defaults and collaborators.
type Config struct {
	DefaultStageTimeout time.Duration
	DefaultMaxRetries   int
	DefaultRetryDelay   time.Duration
	AutoSaveCheckpoint  bool

	Checkpoints *CheckpointStore  // nil disables persistence
	Memory      *memory.Store     // nil disables stage memory saves
	Prompter    prompter.Prompter // nil forces non-interactive behaviour
}

// Controller sequences one agent's stages.
type Controller struct {
	executor Executor
	config   Config
}

// NewController creates a stage controller.
func NewController(executor Executor, config Config) *Controller {
	return &Controller{executor: executor, config: config}
}

// RunResult summarises one staged run.
type RunResult struct {
	RunID           string        `json:"runId"`
	Agent           string        `json:"agent"`
	Task            string        `json:"task"`
	Stages          []StageState  `json:"stages"`
	Results         []StageResult `json:"results"`
	PreviousOutputs []string      `json:"previousOutputs"`
	Completed       bool          `json:"completed"`
	Aborted         bool          `json:"aborted"`
}

// runState is the mutable state of one staged run.
type runState struct {
	runID           string
	agent           *profile.Profile
	task            string
	mode            Mode
	stages          []EnhancedStage
	states          []StageState
	results         []StageResult
	previousOutputs []string
	sharedData      map[string]any
	createdAt       time.Time
	aborted         bool
}

// Run executes the agent's declared stages from the beginning.
func (c *Controller) Run(ctx context.Context, agent *profile.Profile, task string, mode Mode) (*RunResult, error) {
	stages, err := EnhanceStages(agent.Stages, Defaults{
		StageTimeout: c.config.DefaultStageTimeout,
		MaxRetries:   c.config.DefaultMaxRetries,
		RetryDelay:   c.config.DefaultRetryDelay,
	})
	if err != nil {
		return nil, err
	}

	rs := &runState{
		runID:     uuid.New().String(),
		agent:     agent,
		task:      task,
		mode:      mode,
		stages:    stages,
		states:    make([]StageState, len(stages)),
		createdAt: time.Now().UTC(),
	}
	for i, s := range stages {
		rs.states[i] = StageState{Name: s.Name, Status: StageStatusPending}
	}

	return c.run(ctx, rs)
}

// Resume loads a checkpoint and continues the run. Completed and skipped
// stages are retained; error results are dropped so those stages
// re-execute. The runId is preserved.
func (c *Controller) Resume(ctx context.Context, runID string, agent *profile.Profile) (*RunResult, error) {
	if c.config.Checkpoints == nil {
		return nil, newError(ErrCodeValidation, "no checkpoint store configured")
	}
	cp, err := c.config.Checkpoints.Load(runID)
	if err != nil {
		return nil, err
	}
	if cp.Agent != agent.Name {
		return nil, newError(ErrCodeValidation,
			"checkpoint belongs to agent %q, not %q", cp.Agent, agent.Name)
	}

	stages, err := EnhanceStages(agent.Stages, Defaults{
		StageTimeout: c.config.DefaultStageTimeout,
		MaxRetries:   c.config.DefaultMaxRetries,
		RetryDelay:   c.config.DefaultRetryDelay,
	})
	if err != nil {
		return nil, err
	}
	if len(stages) != len(cp.Stages) {
		return nil, newError(ErrCodeValidation,
			"profile declares %d stages, checkpoint has %d", len(stages), len(cp.Stages))
	}

	rs := &runState{
		runID:           cp.RunID,
		agent:           agent,
		task:            cp.Task,
		mode:            cp.Mode,
		stages:          stages,
		states:          make([]StageState, len(cp.Stages)),
		previousOutputs: append([]string(nil), cp.PreviousOutputs...),
		sharedData:      cp.SharedData,
		createdAt:       cp.CreatedAt,
	}

	for i, st := range cp.Stages {
		rs.states[i] = StageState{Name: st.Name, Status: st.Status, Retries: st.Retries, Result: st.Result}
		switch st.Status {
		case StageStatusCompleted, StageStatusSkipped:
			if st.Result != nil {
				rs.results = append(rs.results, *st.Result)
			}
		default:
			// Error, running and checkpoint states re-execute from scratch.
			rs.states[i] = StageState{Name: st.Name, Status: StageStatusPending}
		}
	}

	logger.Info().Str("run_id", runID).Str("agent", agent.Name).
		Int("last_completed", cp.LastCompletedStageIndex).Msg("resuming staged run")
	return c.run(ctx, rs)
}

// run drives the main stage loop.
func (c *Controller) run(ctx context.Context, rs *runState) (*RunResult, error) {
	for i := 0; i < len(rs.stages); i++ {
		if rs.states[i].Status == StageStatusCompleted || rs.states[i].Status == StageStatusSkipped {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		stage := &rs.stages[i]
		rs.states[i].Status = StageStatusRunning

		result := c.executeWithRetries(ctx, rs, stage, 0)

		// Interactive recovery loop on final failure.
		for result.Status == StageStatusError && rs.mode.Interactive && !rs.mode.AutoConfirm && c.config.Prompter != nil && ctx.Err() == nil {
			choice, err := c.config.Prompter.Select(ctx,
				fmt.Sprintf("Stage %q failed: %s", stage.Name, result.Error),
				[]string{"retry", "skip", "abort"}, "abort")
			if err != nil || choice.Value == "abort" {
				rs.aborted = true
				break
			}
			if choice.Value == "skip" {
				result = skippedResult(stage, result.Retries)
				break
			}
			// Retry keeps counting attempts past the original budget.
			result = c.executeWithRetries(ctx, rs, stage, result.Retries+1)
		}

		rs.recordResult(i, result)
		c.saveCheckpointIfEnabled(rs)

		if result.Status == StageStatusError {
			// Non-interactive failure (or abort chosen above) ends the run.
			break
		}
		if rs.aborted {
			break
		}

		if i < len(rs.stages)-1 && stage.Checkpoint {
			if c.stageGate(ctx, rs, i) {
				break
			}
		}
	}

	completed := true
	for _, st := range rs.states {
		if st.Status != StageStatusCompleted && st.Status != StageStatusSkipped {
			completed = false
			break
		}
	}

	c.saveCheckpointIfEnabled(rs)

	return &RunResult{
		RunID:           rs.runID,
		Agent:           rs.agent.Name,
		Task:            rs.task,
		Stages:          append([]StageState(nil), rs.states...),
		Results:         append([]StageResult(nil), rs.results...),
		PreviousOutputs: append([]string(nil), rs.previousOutputs...),
		Completed:       completed,
		Aborted:         rs.aborted,
	}, nil
}

// stageGate runs the between-stage checkpoint decision. Returns true when
// the run should stop.
func (c *Controller) stageGate(ctx context.Context, rs *runState, index int) bool {
	if !rs.mode.Interactive || rs.mode.AutoConfirm || c.config.Prompter == nil {
		return false
	}

	next := &rs.stages[index+1]
	choice, err := c.config.Prompter.Select(ctx,
		fmt.Sprintf("Stage %q done. Next: %q", rs.stages[index].Name, next.Name),
		[]string{"continue", "modify", "skip", "abort"}, "continue")
	if err != nil {
		return false
	}

	switch choice.Value {
	case "modify":
		text, err := c.config.Prompter.Text(ctx, "Describe the modification", "")
		if err == nil && text.Value != "" {
			next.Description += "\n\nUser modifications:\n" + text.Value
		}
		return false
	case "skip":
		rs.states[index+1].Status = StageStatusSkipped
		result := skippedResult(next, 0)
		rs.states[index+1].Result = &result
		rs.results = append(rs.results, result)
		return false
	case "abort":
		rs.aborted = true
		return true
	default:
		return false
	}
}

// recordResult stores a terminal stage result into the run state.
func (rs *runState) recordResult(index int, result StageResult) {
	rs.states[index].Status = result.Status
	rs.states[index].Retries = result.Retries
	rs.states[index].Result = &result
	rs.results = append(rs.results, result)
	if result.Status == StageStatusCompleted {
		rs.previousOutputs = append(rs.previousOutputs, result.Output)
	}
}

// executeWithRetries runs one stage with bounded retries and exponential
// backoff. Attempt failures are values, not panics; only the outer context
// ending stops the attempt loop early.
func (c *Controller) executeWithRetries(ctx context.Context, rs *runState, stage *EnhancedStage, baseRetries int) StageResult {
	prompt := buildStagePrompt(stage, rs.task, rs.previousOutputs)
	start := time.Now()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= stage.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := stage.RetryDelay * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break
			}
			if ctx.Err() != nil {
				break
			}
			logger.Debug().Str("stage", stage.Name).Int("attempt", attempt).Dur("delay", delay).Msg("retrying stage")
		}
		attempts = attempt

		attemptCtx := ctx
		var cancel context.CancelFunc
		if stage.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, stage.Timeout)
		}
		resp, err := c.executor.ExecuteStage(attemptCtx, rs.agent, prompt)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			result := StageResult{
				Stage:      stage.Name,
				Status:     StageStatusCompleted,
				Output:     resp.Content,
				Duration:   time.Since(start),
				TokensUsed: resp.TokensUsed,
				Retries:    baseRetries + attempt,
				Timestamp:  time.Now().UTC(),
				Artifacts:  []string{},
			}
			c.saveToMemory(ctx, rs, stage, &result)
			return result
		}

		lastErr = err
		// A cancelled run does not burn the retry budget; a timed-out
		// attempt does and is retried.
		if ctx.Err() != nil {
			break
		}
	}

	return StageResult{
		Stage:     stage.Name,
		Status:    StageStatusError,
		Error:     lastErr.Error(),
		Duration:  time.Since(start),
		Retries:   baseRetries + attempts,
		Timestamp: time.Now().UTC(),
		Artifacts: []string{},
	}
}

func skippedResult(stage *EnhancedStage, retries int) StageResult {
	return StageResult{
		Stage:     stage.Name,
		Status:    StageStatusSkipped,
		Retries:   retries,
		Timestamp: time.Now().UTC(),
		Artifacts: []string{},
	}
}

// buildStagePrompt composes the provider prompt for one stage.
func buildStagePrompt(stage *EnhancedStage, task string, previousOutputs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Stage: %s\n", stage.Name)
	b.WriteString("## Stage Description\n")
	b.WriteString(stage.Description)
	b.WriteString("\n## Original Task\n")
	b.WriteString(task)

	if len(previousOutputs) > 0 {
		b.WriteString("\n## Previous Stage Outputs\n")
		for i, out := range previousOutputs {
			fmt.Fprintf(&b, "### Stage %d Output\n%s\n", i+1, out)
		}
	}
	if len(stage.KeyQuestions) > 0 {
		b.WriteString("\n## Key Questions to Address\n")
		for _, q := range stage.KeyQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	if len(stage.ExpectedOutputs) > 0 {
		b.WriteString("\n## Expected Outputs\n")
		for _, o := range stage.ExpectedOutputs {
			fmt.Fprintf(&b, "- %s\n", o)
		}
	}
	return b.String()
}

// saveToMemory persists a completed stage output when the stage opted in.
// Failures are logged, never fatal to the stage.
func (c *Controller) saveToMemory(ctx context.Context, rs *runState, stage *EnhancedStage, result *StageResult) {
	if !stage.SaveToMemory || c.config.Memory == nil || result.Status != StageStatusCompleted {
		return
	}

	content := fmt.Sprintf("[%s] Stage: %s\n\n%s", rs.agent.Name, stage.Name, result.Output)
	id, err := c.config.Memory.Add(ctx, content, nil, memory.Metadata{
		Type:    memory.TypeTask,
		Source:  rs.agent.Name,
		AgentID: rs.agent.Name,
		Extra: map[string]any{
			"stage":      stage.Name,
			"stageIndex": stage.Index,
			"timestamp":  result.Timestamp.Format(time.RFC3339),
			"tokensUsed": result.TokensUsed.Total,
			"durationMs": result.Duration.Milliseconds(),
		},
	})
	if err != nil {
		logger.Warn().Err(err).Str("stage", stage.Name).Msg("stage memory save failed")
		return
	}
	logger.Debug().Int64("memory_id", id).Str("stage", stage.Name).Msg("stage output saved to memory")
}

// saveCheckpointIfEnabled writes the full state vector after a stage when
// the run is resumable and auto-save is on.
func (c *Controller) saveCheckpointIfEnabled(rs *runState) {
	if !rs.mode.Resumable || !c.config.AutoSaveCheckpoint || c.config.Checkpoints == nil {
		return
	}

	cp := &CheckpointData{
		SchemaVersion:           CheckpointSchemaVersion,
		RunID:                   rs.runID,
		Agent:                   rs.agent.Name,
		Task:                    rs.task,
		Mode:                    rs.mode,
		Stages:                  append([]StageState(nil), rs.states...),
		LastCompletedStageIndex: lastCompletedIndex(rs.states),
		PreviousOutputs:         append([]string(nil), rs.previousOutputs...),
		SharedData:              rs.sharedData,
		CreatedAt:               rs.createdAt,
	}
	if err := c.config.Checkpoints.Save(cp); err != nil {
		logger.Warn().Err(err).Str("run_id", rs.runID).Msg("checkpoint save failed")
	}
}

// lastCompletedIndex returns the greatest index whose status is completed,
// or -1.
func lastCompletedIndex(states []StageState) int {
	last := -1
	for i, st := range states {
		if st.Status == StageStatusCompleted {
			last = i
		}
	}
	return last
}
