package core

import "errors"

var (
	// ErrDuplicateType rejects a registration whose type id is already taken.
	ErrDuplicateType = errors.New("task type already registered")

	// ErrNotRegistered reports a submission or lookup against an unknown type id.
	ErrNotRegistered = errors.New("task type not registered")

	// ErrUnsupportedCallable rejects a registration whose callable shape cannot
	// be normalized (not a func, variadic, unresolvable method, ...).
	ErrUnsupportedCallable = errors.New("unsupported callable")

	// ErrUnsupportedResult rejects a registration whose result type cannot be
	// represented as a Value.
	ErrUnsupportedResult = errors.New("unsupported result type")

	// ErrArgumentMismatch aborts a submission whose arguments do not match the
	// registered signature. No task is created.
	ErrArgumentMismatch = errors.New("arguments do not match registered signature")

	// ErrStopped reports an operation against a scheduler that is not running.
	ErrStopped = errors.New("scheduler stopped")
)
