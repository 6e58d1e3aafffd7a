package registry

import (
	"time"
)

// State is the registry lifecycle state. Mutating operations are only legal
// in Ready (or the transient states they themselves own); Error is terminal
// until the registry is re-initialized.
type State string

const (
	StateUninitialized       State = "uninitialized"
	StateInitializing        State = "initializing"
	StateReady               State = "ready"
	StateLoadingFromDatabase State = "loading_from_database"
	StateRegisteringTools    State = "registering_tools"
	StateError               State = "error"
)

// ModuleRecord is the ledger entry for one loaded module. A module owns an
// ordered set of tool names; tool names are unique across the whole
// registry, not per module.
type ModuleRecord struct {
	ID           int64
	Name         string
	Category     string
	Version      string
	FilePath     string
	Active       bool
	Tools        []string
	Dependencies []string
	LoadedAt     time.Time
	UnloadedAt   *time.Time
	LoadDuration time.Duration
}

// ToolRecord describes one registered tool and the module that owns it.
// Category is inherited from the owning module.
type ToolRecord struct {
	Module    string
	Name      string
	Category  string
	CreatedAt time.Time
}

// Stats is a point-in-time snapshot of the ledger. It is safe to retain;
// nothing in it aliases registry state.
type Stats struct {
	State         State
	ModuleCount   int
	ToolCount     int
	ActivePlugins int
	ByCategory    map[string]int
	SkippedTools  int
}
