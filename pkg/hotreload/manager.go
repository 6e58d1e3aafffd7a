package hotreload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/benteng/pkg/plugin"
	"github.com/harun/benteng/pkg/registry"
)

const (
	defaultDebounce      = 300 * time.Millisecond
	minDebounce          = 200 * time.Millisecond
	maxDebounce          = 400 * time.Millisecond
	defaultReloadTimeout = 30 * time.Second
)

// ModuleReloader re-imports a module descriptor and swaps it into the
// registry. module.Binder implements it.
type ModuleReloader interface {
	Rebind(ctx context.Context, name, path string) (*registry.ModuleRecord, error)
}

// PluginReloader re-drives the full load pipeline for one plugin bundle.
// plugin.Pipeline implements it.
type PluginReloader interface {
	RunBundle(ctx context.Context, name, dir string) (*plugin.LoadedPlugin, error)
}

// Config tunes the manager.
type Config struct {
	// Debounce is the quiet window before a change burst triggers one
	// reload. Clamped to 200-400ms; zero means 300ms.
	Debounce time.Duration

	// ReloadTimeout bounds a single reload including plugin activation.
	ReloadTimeout time.Duration

	// OnReload, when set, is called after every reload attempt with the
	// outcome and how long it took. It runs on the reload goroutine and
	// must not block.
	OnReload func(name string, kind UnitKind, duration time.Duration, err error)
}

// Manager watches module files and plugin bundles and re-drives loading
// when they change. One goroutine owns the fsnotify instance and forwards
// raw events onto an intents channel; a coalescing stage keeps one
// reset-able timer per watched unit, so a save-storm produces one reload;
// the reload itself runs on a background goroutine and re-enters the
// registry's single-writer path only for the final commit.
type Manager struct {
	logger   zerolog.Logger
	modules  ModuleReloader
	plugins  PluginReloader
	debounce time.Duration
	timeout  time.Duration
	onReload func(name string, kind UnitKind, duration time.Duration, err error)

	mu      sync.Mutex
	state   ManagerState
	entries map[string]*watchEntry
	watcher *fsnotify.Watcher
	timers  map[string]*time.Timer
	intents chan string
	due     chan string
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a disabled manager. Call Enable to start watching.
func NewManager(logger zerolog.Logger, modules ModuleReloader, plugins PluginReloader, cfg Config) *Manager {
	debounce := cfg.Debounce
	switch {
	case debounce == 0:
		debounce = defaultDebounce
	case debounce < minDebounce:
		debounce = minDebounce
	case debounce > maxDebounce:
		debounce = maxDebounce
	}
	timeout := cfg.ReloadTimeout
	if timeout == 0 {
		timeout = defaultReloadTimeout
	}
	return &Manager{
		logger:   logger.With().Str("component", "hot-reload").Logger(),
		modules:  modules,
		plugins:  plugins,
		debounce: debounce,
		timeout:  timeout,
		onReload: cfg.OnReload,
		state:    StateDisabled,
		entries:  make(map[string]*watchEntry),
		timers:   make(map[string]*time.Timer),
	}
}

// Enable starts the watcher goroutines and restores a live watch for every
// previously-known entry, not just ones added afterwards.
func (m *Manager) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateDisabled {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	m.watcher = watcher
	m.intents = make(chan string, 64)
	m.due = make(chan string, 16)
	m.done = make(chan struct{})
	m.state = StateEnabled

	for _, entry := range m.entries {
		if err := m.attachLocked(entry); err != nil {
			m.logger.Warn().
				Err(err).
				Str("unit", entry.name).
				Str("path", entry.path).
				Msg("Failed to restore watch")
		}
	}
	if len(m.entries) > 0 {
		m.state = StateWatching
	}

	m.wg.Add(3)
	go m.watchLoop(watcher, m.intents, m.done)
	go m.coalesceLoop(m.intents, m.due, m.done)
	go m.executeLoop(m.due, m.done)

	m.logger.Info().
		Int("entries", len(m.entries)).
		Dur("debounce", m.debounce).
		Msg("Hot reload enabled")
	return nil
}

// Disable stops watching and cancels every pending debounce timer. Watch
// entries are retained so a later Enable restores them.
func (m *Manager) Disable() error {
	m.mu.Lock()
	if m.state == StateDisabled {
		m.mu.Unlock()
		return nil
	}

	close(m.done)
	for unit, timer := range m.timers {
		timer.Stop()
		delete(m.timers, unit)
	}
	watcher := m.watcher
	m.watcher = nil
	for _, entry := range m.entries {
		entry.attached = false
	}
	m.state = StateDisabled
	m.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	m.wg.Wait()

	m.logger.Info().Msg("Hot reload disabled")
	return err
}

// Stop is Disable for shutdown paths.
func (m *Manager) Stop() error {
	return m.Disable()
}

// WatchModule begins watching a module descriptor file. The entry is
// retained even while the manager is disabled.
func (m *Manager) WatchModule(name, path string) error {
	return m.watch(name, UnitModule, path)
}

// WatchPlugin begins watching a plugin bundle directory.
func (m *Manager) WatchPlugin(name, dir string) error {
	return m.watch(name, UnitPlugin, dir)
}

func (m *Manager) watch(name string, kind UnitKind, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve watch path: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &watchEntry{
		name:      name,
		kind:      kind,
		path:      filepath.Clean(abs),
		watchedAt: time.Now().UTC(),
	}
	if prev, exists := m.entries[name]; exists {
		// Re-watching keeps accumulated stats.
		entry.count = prev.count
		entry.failures = prev.failures
		entry.lastError = prev.lastError
		entry.lastReloadAt = prev.lastReloadAt
		entry.totalDuration = prev.totalDuration
	}
	m.entries[name] = entry

	if m.state == StateDisabled {
		m.logger.Debug().
			Str("unit", name).
			Str("path", entry.path).
			Msg("Watch entry retained while disabled")
		return nil
	}

	if err := m.attachLocked(entry); err != nil {
		return err
	}
	if m.state == StateEnabled {
		m.state = StateWatching
	}

	m.logger.Info().
		Str("unit", name).
		Str("kind", string(kind)).
		Str("path", entry.path).
		Msg("Watching for changes")
	return nil
}

// attachLocked adds live fsnotify watches for one entry. Module files are
// watched through their parent directory so editor rename-replace saves
// still produce events; plugin bundles are watched recursively.
func (m *Manager) attachLocked(entry *watchEntry) error {
	switch entry.kind {
	case UnitModule:
		if err := m.watcher.Add(filepath.Dir(entry.path)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", entry.path, err)
		}
	case UnitPlugin:
		if err := m.addDirRecursive(entry.path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", entry.path, err)
		}
	}
	entry.attached = true
	return nil
}

func (m *Manager) addDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if err := m.watcher.Add(path); err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
		}
		return nil
	})
}

// Unwatch drops a unit's entry. Any fsnotify watch on its directories
// stays until the next disable cycle; events with no owning entry are
// discarded by routing.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, name)
	if timer, ok := m.timers[name]; ok {
		timer.Stop()
		delete(m.timers, name)
	}
	if len(m.entries) == 0 && m.state == StateWatching {
		m.state = StateEnabled
	}
}

// Inject schedules a reload intent for a unit exactly as a filesystem
// event would.
func (m *Manager) Inject(name string) error {
	m.mu.Lock()
	if m.state == StateDisabled {
		m.mu.Unlock()
		return ErrDisabled
	}
	if _, ok := m.entries[name]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWatched, name)
	}
	intents, done := m.intents, m.done
	m.mu.Unlock()

	select {
	case intents <- name:
	case <-done:
	}
	return nil
}

// ReloadModule reloads a watched unit immediately, bypassing the debounce.
// A failure leaves the previous module or plugin serving and is recorded
// in the unit's stats; it is never fatal to the host.
func (m *Manager) ReloadModule(ctx context.Context, name string, opts ReloadOptions) error {
	m.mu.Lock()
	entry, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotWatched, name)
	}
	kind, path := entry.kind, entry.path
	m.mu.Unlock()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = m.timeout
	}
	return m.reload(ctx, name, kind, path, timeout)
}

// Status returns a snapshot of the manager state and every watch entry.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{State: m.state}
	for _, entry := range m.entries {
		status.Entries = append(status.Entries, WatchStatus{
			Name:      entry.name,
			Kind:      entry.kind,
			Path:      entry.path,
			Watching:  entry.attached,
			WatchedAt: entry.watchedAt,
			Stats:     entry.stats(),
		})
	}
	sort.Slice(status.Entries, func(i, j int) bool {
		return status.Entries[i].Name < status.Entries[j].Name
	})
	return status
}

// watchLoop owns the fsnotify instance: it resolves raw events to watch
// entries and forwards reload intents.
func (m *Manager) watchLoop(watcher *fsnotify.Watcher, intents chan<- string, done <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name, kind := m.resolveUnit(event.Name)
			if name == "" {
				continue
			}
			if kind == UnitPlugin && event.Op&fsnotify.Create != 0 {
				m.maybeWatchNewDir(event.Name)
			}
			select {
			case intents <- name:
			case <-done:
				return
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error().Err(err).Msg("Watcher error")

		case <-done:
			return
		}
	}
}

// resolveUnit maps an event path to the watch entry that owns it: exact
// file match for module units, directory-prefix match for plugin units.
func (m *Manager) resolveUnit(eventPath string) (string, UnitKind) {
	cleaned := filepath.Clean(eventPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		switch entry.kind {
		case UnitModule:
			if cleaned == entry.path {
				return entry.name, entry.kind
			}
		case UnitPlugin:
			if cleaned == entry.path || strings.HasPrefix(cleaned, entry.path+string(filepath.Separator)) {
				return entry.name, entry.kind
			}
		}
	}
	return "", ""
}

// maybeWatchNewDir extends a plugin bundle's recursive watch when a new
// subdirectory appears mid-build.
func (m *Manager) maybeWatchNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	m.mu.Lock()
	watcher := m.watcher
	m.mu.Unlock()
	if watcher == nil {
		return
	}
	if err := watcher.Add(path); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch new directory")
	}
}

// coalesceLoop keeps one reset-able timer per unit. Every new intent for a
// unit cancels and reschedules its timer, so a superseded timer's pending
// reload never executes; only a full quiet window emits a due event.
func (m *Manager) coalesceLoop(intents <-chan string, due chan<- string, done <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case name := <-intents:
			m.scheduleReload(name, due, done)
		case <-done:
			return
		}
	}
}

func (m *Manager) scheduleReload(name string, due chan<- string, done <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, exists := m.timers[name]; exists {
		timer.Stop()
	}
	m.timers[name] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.timers, name)
		m.mu.Unlock()

		select {
		case due <- name:
		case <-done:
		}
	})
}

// executeLoop runs due reloads one at a time on a background goroutine so
// a reload never blocks event intake or concurrent tool invocations.
func (m *Manager) executeLoop(due <-chan string, done <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case name := <-due:
			m.mu.Lock()
			entry, ok := m.entries[name]
			if !ok {
				m.mu.Unlock()
				continue
			}
			kind, path := entry.kind, entry.path
			m.mu.Unlock()

			if err := m.reload(context.Background(), name, kind, path, m.timeout); err != nil {
				m.logger.Warn().Err(err).Str("unit", name).Msg("Reload failed; previous version keeps serving")
			}

		case <-done:
			return
		}
	}
}

// reload re-drives loading for one unit and records the outcome. Module
// units go through the descriptor binder, plugin units through the full
// load pipeline; both swap atomically in the registry, so a failure here
// leaves the previous version untouched.
func (m *Manager) reload(ctx context.Context, name string, kind UnitKind, path string, timeout time.Duration) error {
	m.setState(StateReloading)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	var err error
	switch kind {
	case UnitModule:
		_, err = m.modules.Rebind(ctx, name, path)
	case UnitPlugin:
		_, err = m.plugins.RunBundle(ctx, name, path)
	default:
		err = fmt.Errorf("unknown unit kind %q", kind)
	}
	duration := time.Since(started)

	m.mu.Lock()
	if entry, ok := m.entries[name]; ok {
		if err != nil {
			entry.recordFailure(duration, err)
		} else {
			entry.recordSuccess(duration)
		}
	}
	if m.state == StateReloading {
		if err != nil {
			m.state = StateError
		} else if len(m.entries) > 0 {
			m.state = StateWatching
		} else {
			m.state = StateEnabled
		}
	}
	m.mu.Unlock()

	if m.onReload != nil {
		m.onReload(name, kind, duration, err)
	}

	if err != nil {
		return &ReloadError{Unit: name, Kind: kind, Err: err}
	}

	m.logger.Info().
		Str("unit", name).
		Str("kind", string(kind)).
		Dur("duration", duration).
		Msg("Reloaded")
	return nil
}

func (m *Manager) setState(state ManagerState) {
	m.mu.Lock()
	if m.state != StateDisabled {
		m.state = state
	}
	m.mu.Unlock()
}
