// Package stage drives a single agent's checkpointed stage sequence with
// retry, interactive decisions and resume-from-disk.
package stage

import (
	"time"

	"maestro/internal/profile"
	"maestro/internal/provider"
)

// Stage statuses. "checkpoint" marks a stage paused at its checkpoint gate.
const (
	StageStatusPending    = "pending"
	StageStatusRunning    = "running"
	StageStatusCompleted  = "completed"
	StageStatusError      = "error"
	StageStatusSkipped    = "skipped"
	StageStatusCheckpoint = "checkpoint"
)

// Mode flags for one staged run.
type Mode struct {
	Interactive bool `json:"interactive"`
	Streaming   bool `json:"streaming"`
	Resumable   bool `json:"resumable"`
	AutoConfirm bool `json:"autoConfirm"`
}

// EnhancedStage is a declared stage with its index attached and defaults
// materialised from controller configuration.
type EnhancedStage struct {
	Index           int           `json:"index"`
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	Checkpoint      bool          `json:"checkpoint"`
	Timeout         time.Duration `json:"timeout"`
	MaxRetries      int           `json:"maxRetries"`
	RetryDelay      time.Duration `json:"retryDelay"`
	SaveToMemory    bool          `json:"saveToMemory"`
	KeyQuestions    []string      `json:"keyQuestions,omitempty"`
	ExpectedOutputs []string      `json:"expectedOutputs,omitempty"`
}

// StageResult records one terminal stage outcome.
type StageResult struct {
	Stage      string              `json:"stage"`
	Status     string              `json:"status"`
	Output     string              `json:"output,omitempty"`
	Error      string              `json:"error,omitempty"`
	Duration   time.Duration       `json:"duration"`
	TokensUsed provider.TokenUsage `json:"tokensUsed"`
	Retries    int                 `json:"retries"`
	Timestamp  time.Time           `json:"timestamp"`
	Artifacts  []string            `json:"artifacts"`
}

// StageState is the persisted per-stage record inside a checkpoint.
type StageState struct {
	Name    string       `json:"name"`
	Status  string       `json:"status"`
	Retries int          `json:"retries"`
	Result  *StageResult `json:"result,omitempty"`
}

// Defaults holds the controller-level stage defaults.
type Defaults struct {
	StageTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// EnhanceStages attaches indexes and materialises defaults. The stage list
// must be non-empty with unique names.
func EnhanceStages(stages []profile.Stage, defaults Defaults) ([]EnhancedStage, error) {
	if len(stages) == 0 {
		return nil, newError(ErrCodeValidation, "agent declares no stages")
	}

	seen := make(map[string]struct{}, len(stages))
	out := make([]EnhancedStage, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return nil, newError(ErrCodeValidation, "stage %d has no name", i)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, newError(ErrCodeValidation, "duplicate stage name %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		e := EnhancedStage{
			Index:           i,
			Name:            s.Name,
			Description:     s.Description,
			Checkpoint:      s.Checkpoint == nil || *s.Checkpoint,
			Timeout:         s.Timeout,
			MaxRetries:      defaults.MaxRetries,
			RetryDelay:      s.RetryDelay,
			SaveToMemory:    s.SaveToMemory,
			KeyQuestions:    append([]string(nil), s.KeyQuestions...),
			ExpectedOutputs: append([]string(nil), s.ExpectedOutputs...),
		}
		if e.Timeout <= 0 {
			e.Timeout = defaults.StageTimeout
		}
		if s.MaxRetries != nil {
			e.MaxRetries = *s.MaxRetries
		}
		if e.RetryDelay <= 0 {
			e.RetryDelay = defaults.RetryDelay
		}
		out[i] = e
	}
	return out, nil
}
