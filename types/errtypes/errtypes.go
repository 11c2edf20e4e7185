// Package errtypes contains the control core's typed error kinds.
// Per the error handling design, operations never panic; failure is
// represented as one of these five tagged result variants and callers
// branch on kind with errors.As rather than string matching.
package errtypes

import "fmt"

// CapacityError signals that eviction could not free enough blocks to
// admit the minimum chunk of the head-of-queue prefill request this
// step. It never reaches the requester — the request stays Waiting
// and the pressure is reported via metrics, never surfaced as a
// request-level failure.
type CapacityError struct {
	Needed    int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity: need %d blocks, only %d available after eviction", e.Needed, e.Available)
}

// AbortError wraps an external cancellation. It is always locally
// recoverable: locks and blocks are released and the request
// transitions to Aborted.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted: %s", e.Reason)
}

// IntegrityError reports a structural or accounting invariant
// violation caught by CheckIntegrity. It is fatal: Scheduler.Run logs
// it and returns it, which stops the step loop. In-flight requests are
// not drained, and no distinct process exit code is assigned to it.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation: %s", e.Reason)
}

// ShadowDivergenceError is non-fatal: it is logged and the primary
// engine's output is used regardless.
type ShadowDivergenceError struct {
	Reason string
}

func (e *ShadowDivergenceError) Error() string {
	return fmt.Sprintf("shadow divergence: %s", e.Reason)
}

// BadPayloadError is returned at an FFI-shaped boundary when caller
// input is malformed — a length mismatch between tokens and blocks on
// insert, or a handle that belongs to a different cache instance.
// State is left unchanged.
type BadPayloadError struct {
	Reason string
}

func (e *BadPayloadError) Error() string {
	return fmt.Sprintf("bad payload: %s", e.Reason)
}
