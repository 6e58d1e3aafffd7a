package hotreload

import (
	"errors"
	"fmt"
)

var (
	// ErrNotWatched fires when a reload names a unit with no watch entry.
	ErrNotWatched = errors.New("unit is not watched")

	// ErrDisabled fires when an operation needs the manager enabled.
	ErrDisabled = errors.New("hot reload is disabled")
)

// ReloadError reports one failed reload attempt. The previous version of
// the unit is still serving; the failure is recorded in the unit's stats.
type ReloadError struct {
	Unit string
	Kind UnitKind
	Err  error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload of %s %q failed: %v", e.Kind, e.Unit, e.Err)
}

func (e *ReloadError) Unwrap() error {
	return e.Err
}
