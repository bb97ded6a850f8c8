package unit

import "errors"

// Sentinel errors for the start/stop/reload/kill contract (4.F.2, §7).
// Checked with errors.Is; wrapped with fmt.Errorf("...: %w", err) at call
// sites, matching the teacher's error-handling convention.
var (
	ErrAlreadyInProgress = errors.New("unit: operation already in progress")
	ErrAlready           = errors.New("unit: idempotent no-op")
	ErrAgain             = errors.New("unit: transient, retry on next notification")
	ErrCanceled          = errors.New("unit: too many requests, canceled")
	ErrBadRequest        = errors.New("unit: type cannot perform this operation")
	ErrNotSupported      = errors.New("unit: operation not supported by this type")
	ErrNoExec            = errors.New("unit: not loaded or not active, cannot reload")
	ErrLoop              = errors.New("unit: symlink chain exceeds FOLLOW_MAX")
	ErrNameCollision      = errors.New("unit: name owned by a unit of a different type")
)
