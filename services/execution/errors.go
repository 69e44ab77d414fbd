package execution

import "errors"

var (
	// ErrValidation marks malformed input rejected before any process starts.
	ErrValidation = errors.New("invalid execution request")

	// ErrNotFound marks a reference to a POC or execution that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an attempt to create a record whose id already exists.
	ErrConflict = errors.New("already exists")
)
