package posting

import "fmt"

// Error is raised when a posting attempt cannot complete.
// Err wraps one of the interfaces sentinels (ErrNavigation, ErrCrashDetected, ...).
type Error struct {
	State     State
	Recovered bool // a crash-recovery page had already been used
	Err       error
}

func (e *Error) Error() string {
	if e.Recovered {
		return fmt.Sprintf("posting failed in %s after crash recovery: %v", e.State, e.Err)
	}
	return fmt.Sprintf("posting failed in %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
