package registry

import (
	"sort"
	"time"
)

// ModuleAnalytics summarizes one module for operator dashboards.
type ModuleAnalytics struct {
	Name         string        `json:"name"`
	Category     string        `json:"category"`
	Version      string        `json:"version,omitempty"`
	Active       bool          `json:"active"`
	ToolCount    int           `json:"toolCount"`
	LoadDuration time.Duration `json:"loadDurationMs"`
	LoadedAt     time.Time     `json:"loadedAt"`
}

// Analytics is a full read-only snapshot of the ledger with derived
// aggregates.
type Analytics struct {
	State           State             `json:"state"`
	ModuleCount     int               `json:"moduleCount"`
	ActiveModules   int               `json:"activeModules"`
	ToolCount       int               `json:"toolCount"`
	SkippedTools    int               `json:"skippedTools"`
	ByCategory      map[string]int    `json:"byCategory"`
	Modules         []ModuleAnalytics `json:"modules"`
	AvgLoadDuration time.Duration     `json:"avgLoadDurationMs"`
}

// Stats returns the cheap counters snapshot. It never blocks a concurrent
// commit beyond the read lock acquisition.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		State:         r.state,
		ToolCount:     len(r.toolOwner),
		ActivePlugins: len(r.plugins),
		ByCategory:    make(map[string]int),
		SkippedTools:  r.skipped,
	}
	for _, rec := range r.modules {
		if !rec.Active {
			continue
		}
		stats.ModuleCount++
		stats.ByCategory[rec.Category]++
	}
	return stats
}

// GetAnalytics returns the full snapshot, modules sorted by name.
func (r *Registry) GetAnalytics() Analytics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	analytics := Analytics{
		State:        r.state,
		ModuleCount:  len(r.modules),
		ToolCount:    len(r.toolOwner),
		SkippedTools: r.skipped,
		ByCategory:   make(map[string]int),
	}

	var totalDuration time.Duration
	var timed int
	for _, rec := range r.modules {
		if rec.Active {
			analytics.ActiveModules++
			analytics.ByCategory[rec.Category]++
		}
		if rec.LoadDuration > 0 {
			totalDuration += rec.LoadDuration
			timed++
		}
		analytics.Modules = append(analytics.Modules, ModuleAnalytics{
			Name:         rec.Name,
			Category:     rec.Category,
			Version:      rec.Version,
			Active:       rec.Active,
			ToolCount:    len(rec.Tools),
			LoadDuration: rec.LoadDuration,
			LoadedAt:     rec.LoadedAt,
		})
	}
	if timed > 0 {
		analytics.AvgLoadDuration = totalDuration / time.Duration(timed)
	}

	sort.Slice(analytics.Modules, func(i, j int) bool {
		return analytics.Modules[i].Name < analytics.Modules[j].Name
	})
	return analytics
}
