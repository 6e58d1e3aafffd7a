package hotreload

import (
	"time"
)

// ManagerState is the hot-reload manager lifecycle state. Error is
// informational: the manager keeps watching and recovers on the next
// successful reload.
type ManagerState string

const (
	StateDisabled  ManagerState = "disabled"
	StateEnabled   ManagerState = "enabled"
	StateWatching  ManagerState = "watching"
	StateReloading ManagerState = "reloading"
	StateError     ManagerState = "error"
)

// UnitKind distinguishes the two watchable things: a module descriptor file
// and a plugin bundle directory.
type UnitKind string

const (
	UnitModule UnitKind = "module"
	UnitPlugin UnitKind = "plugin"
)

// ReloadStats accumulates per-unit reload history. LastError reflects the
// most recent attempt: a later success clears it.
type ReloadStats struct {
	Count           int           `json:"count"`
	Failures        int           `json:"failures"`
	LastError       string        `json:"lastError,omitempty"`
	LastReloadAt    time.Time     `json:"lastReloadAt"`
	AverageDuration time.Duration `json:"averageDurationMs"`
}

// WatchStatus describes one watch entry in a status snapshot.
type WatchStatus struct {
	Name      string      `json:"name"`
	Kind      UnitKind    `json:"kind"`
	Path      string      `json:"path"`
	Watching  bool        `json:"watching"`
	WatchedAt time.Time   `json:"watchedAt"`
	Stats     ReloadStats `json:"stats"`
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State   ManagerState  `json:"state"`
	Entries []WatchStatus `json:"entries"`
}

// ReloadOptions tunes one direct reload call.
type ReloadOptions struct {
	// Timeout bounds the reload including a plugin's sandboxed activation.
	// Zero means the default.
	Timeout time.Duration
}

// watchEntry is the retained record for one watched unit. Entries survive
// a disable/enable cycle; only attached reflects whether a live fsnotify
// watch currently backs the entry.
type watchEntry struct {
	name      string
	kind      UnitKind
	path      string
	attached  bool
	watchedAt time.Time

	count         int
	failures      int
	lastError     string
	lastReloadAt  time.Time
	totalDuration time.Duration
}

func (e *watchEntry) stats() ReloadStats {
	stats := ReloadStats{
		Count:        e.count,
		Failures:     e.failures,
		LastError:    e.lastError,
		LastReloadAt: e.lastReloadAt,
	}
	if e.count > 0 {
		stats.AverageDuration = e.totalDuration / time.Duration(e.count)
	}
	return stats
}

func (e *watchEntry) recordSuccess(duration time.Duration) {
	e.count++
	e.totalDuration += duration
	e.lastReloadAt = time.Now().UTC()
	e.lastError = ""
}

func (e *watchEntry) recordFailure(duration time.Duration, err error) {
	e.count++
	e.failures++
	e.totalDuration += duration
	e.lastReloadAt = time.Now().UTC()
	e.lastError = err.Error()
}
