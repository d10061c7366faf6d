package store

import "errors"

// Error kinds from spec §7. HTTP status mapping happens once, in the
// router, via errors.Is against these sentinels, following the teacher's
// ErrNotFound/ErrRevisionConflict pattern rather than typed error codes
// threaded through every layer.
var (
	ErrNotFound = errors.New("context not found")
	ErrInvalid  = errors.New("invalid context id or payload")
	ErrIOError  = errors.New("context store io error")
)

// schemaValidationError carries the underlying jsonschema failure while
// still satisfying errors.Is(err, ErrInvalid) for router status mapping.
type schemaValidationError struct {
	contextID string
	err       error
}

func (e *schemaValidationError) Error() string {
	return "schema validation failed for " + e.contextID + ": " + e.err.Error()
}

func (e *schemaValidationError) Unwrap() error {
	return e.err
}

func (e *schemaValidationError) Is(target error) bool {
	return target == ErrInvalid
}
