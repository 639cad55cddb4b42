package certificate

import (
	"errors"
	"fmt"
)

// ErrRootCAUnavailable is returned when a leaf is requested before any root
// CA has been generated or persisted.
var ErrRootCAUnavailable = errors.New("root CA unavailable")

// CAGenerationError reports a failure to create, persist or load the root CA.
type CAGenerationError struct {
	Op  string
	Err error
}

func (e *CAGenerationError) Error() string {
	return fmt.Sprintf("root CA %s: %v", e.Op, e.Err)
}

func (e *CAGenerationError) Unwrap() error { return e.Err }

// LeafGenerationError reports a failure to issue a leaf certificate for Host.
type LeafGenerationError struct {
	Host string
	Err  error
}

func (e *LeafGenerationError) Error() string {
	return fmt.Sprintf("leaf certificate for %s: %v", e.Host, e.Err)
}

func (e *LeafGenerationError) Unwrap() error { return e.Err }
