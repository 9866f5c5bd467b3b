package model

import "errors"

// Sentinel errors shared across the engine. Callers branch on these with
// errors.Is; none of them is fatal to the process.
var (
	// ErrNotFound signals an unknown worker, patch or signature id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition signals an illegal worker state change. The
	// worker's state is unchanged when this is returned.
	ErrInvalidTransition = errors.New("invalid worker state transition")

	// ErrPropagationInput is the only error that aborts a propagation:
	// the patch does not exist or no target region has any workers.
	ErrPropagationInput = errors.New("invalid propagation input")
)

// ValidationError reports a malformed intake field. It is caller-fixable
// and produced before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
