// Package profile defines agent profiles and their YAML loader.
package profile

import (
	"fmt"
	"strings"
	"time"
)

// Role classes used to derive the default delegation depth.
const (
	RoleCoordinator = "coordinator"
	RoleImplementer = "implementer"
)

// Default delegation depths per role class.
const (
	DefaultDelegationDepth     = 2
	CoordinatorDelegationDepth = 3
	ImplementerDelegationDepth = 1
)

// Profile is a declarative agent definition. Profiles are immutable during
// one execution; mutate a copy if an override is needed.
type Profile struct {
	Name         string   `yaml:"name"`
	DisplayName  string   `yaml:"display_name,omitempty"`
	Role         string   `yaml:"role,omitempty"` // coordinator, implementer, or free-form
	SystemPrompt string   `yaml:"system_prompt"`
	Abilities    []string `yaml:"abilities,omitempty"` // markdown snippet names spliced into the system prompt

	Provider    string  `yaml:"provider,omitempty"`
	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// Cohort scheduling.
	Dependencies []string `yaml:"dependencies,omitempty"`
	Parallel     *bool    `yaml:"parallel,omitempty"` // nil defaults to true

	Stages []Stage `yaml:"stages,omitempty"`

	Orchestration Orchestration `yaml:"orchestration,omitempty"`
}

// Orchestration holds delegation and workspace permissions.
type Orchestration struct {
	MaxDelegationDepth int      `yaml:"max_delegation_depth,omitempty"` // 0 = derive from role
	CanDelegate        *bool    `yaml:"can_delegate,omitempty"`         // nil defaults to true
	CanReadWorkspaces  []string `yaml:"can_read_workspaces,omitempty"`
	CanWriteToShared   bool     `yaml:"can_write_to_shared,omitempty"`
}

// Stage is one step of a staged run. Stages are ordered and linear.
type Stage struct {
	Name            string        `yaml:"name"`
	Description     string        `yaml:"description"`
	Checkpoint      *bool         `yaml:"checkpoint,omitempty"` // nil defaults to true
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	MaxRetries      *int          `yaml:"max_retries,omitempty"`
	RetryDelay      time.Duration `yaml:"retry_delay,omitempty"`
	SaveToMemory    bool          `yaml:"save_to_memory,omitempty"`
	KeyQuestions    []string      `yaml:"key_questions,omitempty"`
	ExpectedOutputs []string      `yaml:"expected_outputs,omitempty"`
}

// IsParallel reports whether the agent may run in a parallel batch.
func (p *Profile) IsParallel() bool {
	return p.Parallel == nil || *p.Parallel
}

// CanDelegate reports whether the agent may delegate sub-tasks.
func (p *Profile) CanDelegate() bool {
	return p.Orchestration.CanDelegate == nil || *p.Orchestration.CanDelegate
}

// MaxDelegationDepth returns the configured depth, deriving the default from
// the role class when unset.
func (p *Profile) MaxDelegationDepth() int {
	if p.Orchestration.MaxDelegationDepth > 0 {
		return p.Orchestration.MaxDelegationDepth
	}
	switch strings.ToLower(p.Role) {
	case RoleCoordinator:
		return CoordinatorDelegationDepth
	case RoleImplementer:
		return ImplementerDelegationDepth
	default:
		return DefaultDelegationDepth
	}
}

// CanReadWorkspace reports whether the agent may read owner's session outputs.
func (p *Profile) CanReadWorkspace(owner string) bool {
	for _, name := range p.Orchestration.CanReadWorkspaces {
		if strings.EqualFold(name, owner) {
			return true
		}
	}
	return false
}

// Display returns the display name, falling back to the unique name.
func (p *Profile) Display() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// Validate checks structural invariants of a profile.
func Validate(p *Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if strings.ContainsAny(p.Name, "/\\ ") {
		return fmt.Errorf("profile name %q must not contain spaces or path separators", p.Name)
	}
	seen := make(map[string]struct{}, len(p.Stages))
	for _, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("profile %s: stage name is required", p.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("profile %s: duplicate stage name %q", p.Name, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	for _, dep := range p.Dependencies {
		if strings.EqualFold(dep, p.Name) {
			return fmt.Errorf("profile %s: depends on itself", p.Name)
		}
	}
	return nil
}
