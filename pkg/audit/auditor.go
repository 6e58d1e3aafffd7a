package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/benteng/pkg/plugin"
	"github.com/harun/benteng/pkg/registry"
)

// lastSweepKey is where the most recent sweep summary is persisted.
const lastSweepKey = "audit.last_sweep"

// TamperRecord describes one plugin whose on-disk bundle no longer matches
// the manifest it was committed with.
type TamperRecord struct {
	Plugin     string    `json:"plugin"`
	Path       string    `json:"path"`
	Detail     string    `json:"detail"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Summary is the result of one integrity sweep.
type Summary struct {
	SweepAt  time.Time      `json:"sweepAt"`
	Duration time.Duration  `json:"durationMs"`
	Checked  int            `json:"checked"`
	Tampered []TamperRecord `json:"tampered,omitempty"`
}

// Config holds auditor settings.
type Config struct {
	Schedule        string
	DisableOnTamper bool

	// OnTamper fires once per tampered plugin. The host wires event
	// broadcasting and lifecycle hooks through it.
	OnTamper func(rec TamperRecord)

	// OnSweep fires after every sweep with its summary.
	OnSweep func(summary Summary)
}

// Auditor re-verifies the integrity of every loaded plugin on a schedule.
// A plugin that passed the gates at load time can still be swapped on disk
// afterwards; the sweep catches that.
type Auditor struct {
	logger   zerolog.Logger
	registry *registry.Registry
	store    *registry.Store
	verifier *plugin.IntegrityVerifier
	cfg      Config

	cron    *cron.Cron
	entryID cron.EntryID

	mu        sync.Mutex
	sweeping  bool
	lastSweep *Summary
}

// NewAuditor creates an auditor. The schedule must be a valid cron
// expression or descriptor; it is validated here so a bad schedule fails
// startup instead of silently never firing.
func NewAuditor(logger zerolog.Logger, reg *registry.Registry, store *registry.Store, cfg Config) (*Auditor, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", cfg.Schedule, err)
	}

	return &Auditor{
		logger:   logger.With().Str("component", "audit").Logger(),
		registry: reg,
		store:    store,
		verifier: plugin.NewIntegrityVerifier(logger),
		cfg:      cfg,
		cron:     cron.New(),
	}, nil
}

// Start schedules the periodic sweep.
func (a *Auditor) Start() error {
	entryID, err := a.cron.AddFunc(a.cfg.Schedule, func() {
		a.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule audit sweep: %w", err)
	}
	a.entryID = entryID
	a.cron.Start()

	a.logger.Info().Str("schedule", a.cfg.Schedule).Msg("Audit sweep scheduled")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (a *Auditor) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
	a.logger.Info().Msg("Audit sweep stopped")
}

// LastSweep returns the most recent sweep summary, if any sweep has run.
func (a *Auditor) LastSweep() (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastSweep == nil {
		return Summary{}, false
	}
	return *a.lastSweep, true
}

// Sweep re-runs the integrity check over every loaded plugin and returns
// the summary. Overlapping sweeps collapse: if one is already running the
// call returns the previous summary untouched.
func (a *Auditor) Sweep(ctx context.Context) Summary {
	a.mu.Lock()
	if a.sweeping {
		prev := a.lastSweep
		a.mu.Unlock()
		a.logger.Warn().Msg("Audit sweep already running, skipping")
		if prev != nil {
			return *prev
		}
		return Summary{}
	}
	a.sweeping = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.sweeping = false
		a.mu.Unlock()
	}()

	started := time.Now()
	summary := Summary{SweepAt: started.UTC()}

	for _, lp := range a.registry.ListPlugins() {
		summary.Checked++

		distDir := filepath.Join(lp.Path, plugin.DistDirName)
		err := a.verifier.Verify(&lp.Manifest, distDir)
		if err == nil {
			continue
		}

		rec := TamperRecord{
			Plugin:     lp.Name,
			Path:       lp.Path,
			Detail:     err.Error(),
			DetectedAt: time.Now().UTC(),
		}
		summary.Tampered = append(summary.Tampered, rec)

		a.logger.Error().
			Str("plugin", lp.Name).
			Str("path", lp.Path).
			Str("detail", rec.Detail).
			Msg("Plugin bundle tampered since load")

		if a.cfg.OnTamper != nil {
			a.cfg.OnTamper(rec)
		}

		if a.cfg.DisableOnTamper {
			if err := a.registry.UnloadModule(ctx, lp.Name); err != nil {
				a.logger.Error().
					Err(err).
					Str("plugin", lp.Name).
					Msg("Failed to deactivate tampered plugin")
			} else {
				a.logger.Warn().
					Str("plugin", lp.Name).
					Msg("Deactivated tampered plugin")
			}
		}
	}

	summary.Duration = time.Since(started)

	a.mu.Lock()
	a.lastSweep = &summary
	a.mu.Unlock()

	a.persistSummary(ctx, summary)

	a.logger.Info().
		Int("checked", summary.Checked).
		Int("tampered", len(summary.Tampered)).
		Dur("duration", summary.Duration).
		Msg("Audit sweep complete")

	if a.cfg.OnSweep != nil {
		a.cfg.OnSweep(summary)
	}

	return summary
}

// persistSummary stores the sweep result so `benteng status` can show it
// across restarts.
func (a *Auditor) persistSummary(ctx context.Context, summary Summary) {
	if a.store == nil {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to marshal sweep summary")
		return
	}
	if err := a.store.SetConfig(ctx, lastSweepKey, string(data)); err != nil {
		a.logger.Error().Err(err).Msg("Failed to persist sweep summary")
	}
}

// LoadLastSweep reads the persisted sweep summary from the store.
func LoadLastSweep(ctx context.Context, store *registry.Store) (Summary, bool, error) {
	raw, err := store.GetConfig(ctx, lastSweepKey)
	if err != nil {
		return Summary{}, false, err
	}
	if raw == "" {
		return Summary{}, false, nil
	}
	var summary Summary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return Summary{}, false, fmt.Errorf("corrupt sweep summary: %w", err)
	}
	return summary, true, nil
}
