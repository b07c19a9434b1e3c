package cycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyCause is a caller error: every cycle needs a cause.
	ErrEmptyCause = errors.New("empty cause")
	// ErrInvalidInput is a caller error: the input payload failed
	// structural validation. Not retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCycleTimeout marks a cycle that exceeded its deadline. The
	// partial snapshot, if any, is returned alongside it.
	ErrCycleTimeout = errors.New("cycle timeout")
	// ErrSnapshotValidationFailed marks an internal invariant violation
	// during snapshot assembly.
	ErrSnapshotValidationFailed = errors.New("snapshot validation failed")
)

// DependenciesNotMetError names the dependency checks that failed, so
// the caller knows exactly what to fix before retrying.
type DependenciesNotMetError struct {
	Failing []string
}

func (e *DependenciesNotMetError) Error() string {
	return fmt.Sprintf("dependencies not met: %s", strings.Join(e.Failing, ", "))
}

// Is makes errors.Is match any DependenciesNotMetError.
func (e *DependenciesNotMetError) Is(target error) bool {
	_, ok := target.(*DependenciesNotMetError)
	return ok
}
