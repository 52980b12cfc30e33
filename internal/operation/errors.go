package operation

import (
	"errors"
	"fmt"
)

// Errors returned by the tracker.
var (
	ErrConflict    = errors.New("operation already in progress")
	ErrNoOperation = errors.New("no operation recorded")
	ErrInvalidKey  = errors.New("invalid operation key")
)

// ErrTransitionUnfinished is returned when a lifecycle transition over an
// overlapping scope stopped part way. Only that transition may run until
// it completes.
var ErrTransitionUnfinished = errors.New("lifecycle transition unfinished")

// ConflictError is returned when a batch is started on a key whose
// operation is still IN_PROGRESS. It is surfaced immediately and never
// retried by the tracker.
type ConflictError struct {
	Key         Key
	OperationID string
	StartedAt   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("operation %s for %s/%s already in progress since %s",
		e.OperationID, e.Key.Service, e.Key.Scope, e.StartedAt)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err is an operation conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
