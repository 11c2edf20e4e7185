package kvcache

import (
	"fmt"

	"github.com/minicore/cpucore/types/errtypes"
)

// IntegrityError and BadPayloadError are the cache's local names for
// the control core's shared error kinds (see errtypes), so that a
// CheckIntegrity or InsertPrefix failure surfaces through
// errors.As(err, &errtypes.IntegrityError{}) the same way a
// Scheduler-level violation would.
type IntegrityError = errtypes.IntegrityError
type BadPayloadError = errtypes.BadPayloadError

// ErrUnlockUnderflow is returned by Unlock when the target node's
// lock count is already zero. It is not one of the five shared error
// kinds: it signals a caller bug (double-unlock) rather than a
// data-dependent runtime condition, but a caller that reaches it
// should treat it as an integrity problem and stop.
type ErrUnlockUnderflow struct {
	Node NodeId
}

func (e *ErrUnlockUnderflow) Error() string {
	return fmt.Sprintf("kvcache: unlock underflow at node %d", e.Node)
}
