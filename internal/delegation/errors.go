package delegation

import "fmt"

// Reason classifies delegation precondition failures.
type Reason string

const (
	ReasonAgentNotFound      Reason = "agent_not_found"
	ReasonDelegationDisabled Reason = "delegation_disabled"
	ReasonCycle              Reason = "cycle"
	ReasonMaxDepth           Reason = "max_depth"
	ReasonSelfDelegation     Reason = "self_delegation"
)

// DelegationError is a typed precondition failure.
type DelegationError struct {
	Reason  Reason
	Message string
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation rejected (%s): %s", e.Reason, e.Message)
}

func newError(reason Reason, format string, args ...any) *DelegationError {
	return &DelegationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
