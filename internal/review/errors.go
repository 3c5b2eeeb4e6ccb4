package review

import "errors"

var (
	// ErrNotFound is returned when a subject, record or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the stored version no longer matches the
	// version a transition was computed from.
	ErrConflict = errors.New("state changed, please retry")
	// ErrPreconditionRequired is returned for human commands that name
	// neither the version nor the status the caller acted on.
	ErrPreconditionRequired = errors.New("expected version or status required")
	// ErrStale marks an analysis result whose record is no longer the
	// subject's in-flight record.
	ErrStale = errors.New("stale analysis")
	// ErrForbidden is returned when the caller's roles do not permit a transition.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition is returned for triggers not legal from the current state.
	ErrInvalidTransition = errors.New("invalid transition")
)
