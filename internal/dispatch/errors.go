package dispatch

import "fmt"

// ConfigurationError is fatal at startup: duplicate studio names, selector
// value collisions, or a loader assertion failure in the state tables.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("dispatch: configuration error: %s", e.Reason)
}

// TransitionRejected is recoverable: a trigger had no matching transition
// from the current state. Logged at INFO by the caller; surfaced to the
// originating studio as a one-second red flash (see flashRejection in
// machine.go).
type TransitionRejected struct {
	Trigger string
	State   string
}

func (e *TransitionRejected) Error() string {
	return fmt.Sprintf("dispatch: trigger %q rejected in state %q", e.Trigger, e.State)
}

// SelectorIOError is recoverable: a SetPosition call to the selector
// controller timed out or returned NAK. The convergence loop retries on its
// own schedule; this error is logged, never propagated as fatal.
type SelectorIOError struct {
	Position int
	Cause    error
}

func (e *SelectorIOError) Error() string {
	return fmt.Sprintf("dispatch: selector set_position(%d) failed: %v", e.Position, e.Cause)
}

func (e *SelectorIOError) Unwrap() error { return e.Cause }

// PersistenceError is recoverable: a load failure falls back to the initial
// state, a save failure is logged and shutdown continues regardless.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("dispatch: persistence %s failed: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// InvariantViolation is logged CRITICAL and never recovered from
// automatically: it surfaces a bug in the transition table, not a runtime
// condition the dispatcher can self-heal.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("dispatch: invariant violation: %s", e.Reason)
}
