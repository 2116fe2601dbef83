// Package prompter models interactive decisions as a capability so that
// front-ends other than the CLI can supply alternatives.
package prompter

import (
	"context"
	"time"
)

// Answer carries a decision plus whether the per-decision budget expired.
// A timed-out prompt returns the default value with TimedOut set; this is
// part of the contract, not an error.
type Answer[T any] struct {
	Value    T
	TimedOut bool
}

// Prompter is the interactive decision capability.
type Prompter interface {
	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, message string, defaultValue bool) (Answer[bool], error)

	// Select asks the user to pick one of the options.
	Select(ctx context.Context, message string, options []string, defaultValue string) (Answer[string], error)

	// Text asks for free-form input.
	Text(ctx context.Context, message string, defaultValue string) (Answer[string], error)

	// Close releases the prompter's resources.
	Close() error
}

// AutoConfirm is a prompter that always returns the default immediately.
// Used by auto-confirm mode and non-interactive runs.
type AutoConfirm struct{}

func (AutoConfirm) Confirm(ctx context.Context, message string, defaultValue bool) (Answer[bool], error) {
	return Answer[bool]{Value: defaultValue}, nil
}

func (AutoConfirm) Select(ctx context.Context, message string, options []string, defaultValue string) (Answer[string], error) {
	return Answer[string]{Value: defaultValue}, nil
}

func (AutoConfirm) Text(ctx context.Context, message string, defaultValue string) (Answer[string], error) {
	return Answer[string]{Value: defaultValue}, nil
}

func (AutoConfirm) Close() error { return nil }

// withTimeout waits for a result from resultCh, returning the default once the
// per-decision budget expires. The pending read keeps draining so the
// reader goroutine does not leak on the next prompt.
func withTimeout[T any](ctx context.Context, timeout time.Duration, defaultValue T, resultCh <-chan result[T]) (Answer[T], error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-resultCh:
		if r.err != nil {
			return Answer[T]{Value: defaultValue}, r.err
		}
		return Answer[T]{Value: r.value}, nil
	case <-timer:
		return Answer[T]{Value: defaultValue, TimedOut: true}, nil
	case <-ctx.Done():
		return Answer[T]{Value: defaultValue}, ctx.Err()
	}
}

type result[T any] struct {
	value T
	err   error
}
