package slice

import "fmt"

// FailureReason classifies slicing failures.
type FailureReason int

const (
	// ReasonTimeout - measurement exceeded its bounded duration.
	ReasonTimeout FailureReason = iota
	// ReasonSurface - the measuring surface is unavailable or misbehaving.
	ReasonSurface
	// ReasonValidation - computed metadata violated its invariants.
	ReasonValidation
)

func (r FailureReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonSurface:
		return "surface"
	case ReasonValidation:
		return "validation"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Error is the typed slicing failure surfaced to callers. No partial or
// invalid metadata ever accompanies it.
type Error struct {
	Reason FailureReason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("slicing failed (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
