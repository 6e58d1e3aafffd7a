package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady fires when an operation needs a Ready registry.
	ErrNotReady = errors.New("registry is not ready")

	// ErrModuleInProgress fires when startModule is called while another
	// module registration is still open.
	ErrModuleInProgress = errors.New("a module registration is already in progress")

	// ErrNoOpenModule fires when registerTool or completeModule run without
	// an open module.
	ErrNoOpenModule = errors.New("no module registration is in progress")

	// ErrModuleNotFound fires when an operation names an unknown module.
	ErrModuleNotFound = errors.New("module not found")
)

// DuplicateRegistrationError records a tool name collision. It is informational:
// the registry skips the duplicate and keeps serving, it never unloads the
// first registrant.
type DuplicateRegistrationError struct {
	Tool   string
	Owner  string
	Caller string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("tool %q already registered by module %q, skipping registration from %q", e.Tool, e.Owner, e.Caller)
}

// PersistenceError wraps a storage failure. The transaction it reports on
// has been rolled back; in-memory and on-disk state both reflect the
// pre-attempt state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
