package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/benteng/pkg/plugin"
)

// CategoryPlugin is the ledger category for modules committed by the plugin
// load pipeline.
const CategoryPlugin = "plugin"

// openModule is the current-module slot: at most one registration session
// may be open at a time.
type openModule struct {
	name     string
	category string
	version  string
	filePath string
	deps     []string
	tools    []string
	started  time.Time
	duration time.Duration
}

// Registry is the single source of truth for which modules and tools are
// active. All mutations go through one writer lock; status queries take a
// consistent snapshot under the read lock and never block a commit.
type Registry struct {
	logger zerolog.Logger
	store  *Store

	mu        sync.RWMutex
	state     State
	lastErr   error
	modules   map[string]*ModuleRecord
	toolOwner map[string]*ToolRecord
	plugins   map[string]*plugin.LoadedPlugin
	open      *openModule
	skipped   int
}

var _ plugin.Committer = (*Registry)(nil)

// NewRegistry creates an uninitialized registry backed by the given store.
func NewRegistry(logger zerolog.Logger, store *Store) *Registry {
	return &Registry{
		logger:    logger.With().Str("component", "registry").Logger(),
		store:     store,
		state:     StateUninitialized,
		modules:   make(map[string]*ModuleRecord),
		toolOwner: make(map[string]*ToolRecord),
		plugins:   make(map[string]*plugin.LoadedPlugin),
	}
}

// Initialize moves the registry from Uninitialized (or Error, after the
// operator intervened) to Ready with empty indices.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateUninitialized && r.state != StateError {
		return fmt.Errorf("cannot initialize registry in state %s", r.state)
	}

	r.state = StateInitializing
	r.modules = make(map[string]*ModuleRecord)
	r.toolOwner = make(map[string]*ToolRecord)
	r.plugins = make(map[string]*plugin.LoadedPlugin)
	r.open = nil
	r.skipped = 0
	r.lastErr = nil

	// Prove the store is usable before declaring readiness.
	if _, err := r.store.GetConfig(ctx, "schema_version"); err != nil {
		r.state = StateError
		r.lastErr = err
		return fmt.Errorf("registry store is unusable: %w", err)
	}

	r.state = StateReady
	r.logger.Info().Msg("Registry initialized")
	return nil
}

// StartModule opens the current-module slot for a new registration session.
func (r *Registry) StartModule(name, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startModuleLocked(name, category)
}

func (r *Registry) startModuleLocked(name, category string) error {
	if r.open != nil {
		return fmt.Errorf("%w: %s is open", ErrModuleInProgress, r.open.name)
	}
	if r.state != StateReady {
		return fmt.Errorf("%w: state is %s", ErrNotReady, r.state)
	}
	if name == "" || category == "" {
		return fmt.Errorf("module name and category are required")
	}

	r.open = &openModule{
		name:     name,
		category: category,
		started:  time.Now().UTC(),
	}
	r.state = StateRegisteringTools
	return nil
}

// SetModuleMeta records version and source path on the open module before
// it is completed.
func (r *Registry) SetModuleMeta(version, filePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open == nil {
		return ErrNoOpenModule
	}
	r.open.version = version
	r.open.filePath = filePath
	return nil
}

// RegisterTool adds a tool to the open module. A name already owned by a
// different module is skipped and logged, never an error: restarted modules
// may redeclare overlapping tools, and the first registrant keeps ownership.
func (r *Registry) RegisterTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerToolLocked(name)
}

func (r *Registry) registerToolLocked(name string) error {
	if r.open == nil {
		return ErrNoOpenModule
	}
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	if owner, exists := r.toolOwner[name]; exists && owner.Module != r.open.name {
		dup := &DuplicateRegistrationError{Tool: name, Owner: owner.Module, Caller: r.open.name}
		r.logger.Warn().
			Str("tool", name).
			Str("owner", owner.Module).
			Str("module", r.open.name).
			Msg(dup.Error())
		r.skipped++
		return nil
	}
	for _, existing := range r.open.tools {
		if existing == name {
			r.skipped++
			return nil
		}
	}

	r.open.tools = append(r.open.tools, name)
	return nil
}

// CompleteModule persists the open module and commits it to the in-memory
// indices as one unit. On a persistence failure the slot stays open and the
// indices are untouched, so memory and disk still agree.
func (r *Registry) CompleteModule(ctx context.Context) (*ModuleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completeModuleLocked(ctx)
}

func (r *Registry) completeModuleLocked(ctx context.Context) (*ModuleRecord, error) {
	if r.open == nil {
		return nil, ErrNoOpenModule
	}

	duration := r.open.duration
	if duration == 0 {
		duration = time.Since(r.open.started)
	}
	rec := &ModuleRecord{
		Name:         r.open.name,
		Category:     r.open.category,
		Version:      r.open.version,
		FilePath:     r.open.filePath,
		Active:       true,
		Tools:        append([]string{}, r.open.tools...),
		Dependencies: append([]string{}, r.open.deps...),
		LoadedAt:     time.Now().UTC(),
		LoadDuration: duration,
	}

	if err := r.store.SaveModule(ctx, rec); err != nil {
		return nil, err
	}

	r.removeModuleLocked(rec.Name)
	r.modules[rec.Name] = rec
	for _, tool := range rec.Tools {
		r.toolOwner[tool] = &ToolRecord{
			Module:    rec.Name,
			Name:      tool,
			Category:  rec.Category,
			CreatedAt: rec.LoadedAt,
		}
	}

	r.open = nil
	r.state = StateReady

	r.logger.Info().
		Str("module", rec.Name).
		Str("category", rec.Category).
		Int("tools", len(rec.Tools)).
		Msg("Module committed")

	out := copyRecord(rec)
	return &out, nil
}

// AbortModule discards the open registration session.
func (r *Registry) AbortModule() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open == nil {
		return ErrNoOpenModule
	}
	r.logger.Debug().Str("module", r.open.name).Msg("Aborted module registration")
	r.open = nil
	r.state = StateReady
	return nil
}

// removeModuleLocked drops a module and every tool it owns from the
// in-memory indices. It does not touch persistence.
func (r *Registry) removeModuleLocked(name string) {
	if _, ok := r.modules[name]; !ok {
		return
	}
	for tool, owner := range r.toolOwner {
		if owner.Module == name {
			delete(r.toolOwner, tool)
		}
	}
	delete(r.modules, name)
}

// CommitPlugin applies a verified plugin capture as one module commit. When
// a module of the same name is already live this is an atomic replace: on
// any failure the previous module keeps serving untouched, and on success
// the previous plugin process is killed after the swap.
func (r *Registry) CommitPlugin(loaded *plugin.LoadedPlugin) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReady {
		return fmt.Errorf("%w: state is %s", ErrNotReady, r.state)
	}

	prevModule := r.modules[loaded.Name]
	prevPlugin := r.plugins[loaded.Name]
	var prevTools []*ToolRecord
	if prevModule != nil {
		for _, tool := range prevModule.Tools {
			if owner, ok := r.toolOwner[tool]; ok && owner.Module == loaded.Name {
				prevTools = append(prevTools, owner)
			}
		}
		// Release the old module's tool names so the replacement does not
		// collide with itself.
		r.removeModuleLocked(loaded.Name)
	}

	restore := func() {
		if prevModule != nil {
			r.modules[prevModule.Name] = prevModule
			for _, owner := range prevTools {
				r.toolOwner[owner.Name] = owner
			}
		}
	}

	if err := r.startModuleLocked(loaded.Name, CategoryPlugin); err != nil {
		restore()
		return err
	}
	r.open.version = loaded.Manifest.Version
	r.open.filePath = loaded.Path
	r.open.duration = loaded.LoadDuration
	for _, dep := range loaded.Manifest.Dependencies {
		depName, _ := plugin.SplitDependency(dep)
		r.open.deps = append(r.open.deps, depName)
	}

	for _, tool := range loaded.Capture.Tools {
		if err := r.registerToolLocked(tool.Name); err != nil {
			r.open = nil
			r.state = StateReady
			restore()
			return err
		}
	}

	if _, err := r.completeModuleLocked(ctx); err != nil {
		r.open = nil
		r.state = StateReady
		restore()
		return err
	}

	r.plugins[loaded.Name] = loaded
	if prevPlugin != nil && prevPlugin.Client != nil && prevPlugin.Client != loaded.Client {
		prevPlugin.Client.Kill()
	}

	return nil
}

// RebindFunc re-imports one recovered module's source file so its handlers
// are live again. It must not call back into the registry; the registry is
// locked while rehydration runs.
type RebindFunc func(rec ModuleRecord) error

// LoadFromDatabase rehydrates the in-memory indices from persisted state.
// Recovered descriptor modules are re-imported through rebind; this is a
// recovery path for previously-trusted code, so the trust pipeline is not
// re-run. A module whose re-import fails stays recorded but inactive, with
// none of its tools registered. Plugin-category modules are skipped by the
// rebind step because the load pipeline restarts their processes and
// re-commits over these records idempotently.
func (r *Registry) LoadFromDatabase(ctx context.Context, rebind RebindFunc) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReady {
		return 0, fmt.Errorf("%w: state is %s", ErrNotReady, r.state)
	}
	r.state = StateLoadingFromDatabase

	records, err := r.store.LoadModules(ctx)
	if err != nil {
		r.state = StateReady
		return 0, err
	}

	count := 0
	for _, rec := range records {
		if rebind != nil && rec.Category != CategoryPlugin && rec.FilePath != "" {
			if err := rebind(copyRecord(rec)); err != nil {
				r.logger.Warn().
					Err(err).
					Str("module", rec.Name).
					Str("path", rec.FilePath).
					Msg("Module re-import failed; keeping it recorded but inactive")
				now := time.Now().UTC()
				rec.Active = false
				rec.UnloadedAt = &now
				if serr := r.store.MarkUnloaded(ctx, rec.Name); serr != nil {
					r.logger.Error().Err(serr).Str("module", rec.Name).Msg("Failed to persist inactive state")
				}
				r.modules[rec.Name] = rec
				continue
			}
		}
		var owned []string
		for _, tool := range rec.Tools {
			if owner, exists := r.toolOwner[tool]; exists && owner.Module != rec.Name {
				r.skipped++
				r.logger.Warn().
					Str("tool", tool).
					Str("owner", owner.Module).
					Str("module", rec.Name).
					Msg("Skipping persisted tool already owned by another module")
				continue
			}
			owned = append(owned, tool)
		}
		rec.Tools = owned

		r.removeModuleLocked(rec.Name)
		r.modules[rec.Name] = rec
		for _, tool := range rec.Tools {
			r.toolOwner[tool] = &ToolRecord{
				Module:    rec.Name,
				Name:      tool,
				Category:  rec.Category,
				CreatedAt: rec.LoadedAt,
			}
		}
		count++
	}

	r.state = StateReady
	r.logger.Info().Int("modules", count).Msg("Rehydrated registry from database")
	return count, nil
}

// UnloadModule marks a module inactive, removes its tools from the live
// indices, and kills its plugin process if it has one.
func (r *Registry) UnloadModule(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReady {
		return fmt.Errorf("%w: state is %s", ErrNotReady, r.state)
	}
	rec, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if !rec.Active {
		return nil
	}

	if err := r.store.MarkUnloaded(ctx, name); err != nil {
		return err
	}

	for tool, owner := range r.toolOwner {
		if owner.Module == name {
			delete(r.toolOwner, tool)
		}
	}
	now := time.Now().UTC()
	rec.Active = false
	rec.UnloadedAt = &now

	if lp, exists := r.plugins[name]; exists {
		if lp.Client != nil {
			lp.Client.Kill()
		}
		delete(r.plugins, name)
	}

	r.logger.Info().Str("module", name).Msg("Module unloaded")
	return nil
}

// InvokeTool routes a tool call to the plugin process that owns it. The
// RPC itself runs outside the registry lock so a slow tool never blocks
// commits.
func (r *Registry) InvokeTool(tool string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	owner, ok := r.toolOwner[tool]
	var client plugin.PluginClient
	if ok {
		if lp, live := r.plugins[owner.Module]; live {
			client = lp.Client
		}
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", tool)
	}
	if client == nil {
		return nil, fmt.Errorf("tool %q has no live plugin process", tool)
	}
	return client.Invoke(tool, args)
}

// GetModule returns a copy of one module's ledger entry.
func (r *Registry) GetModule(name string) (ModuleRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.modules[name]
	if !ok {
		return ModuleRecord{}, false
	}
	return copyRecord(rec), true
}

// ListModules returns copies of every ledger entry, sorted by name.
func (r *Registry) ListModules() []ModuleRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModuleRecord, 0, len(r.modules))
	for _, rec := range r.modules {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListTools returns every registered tool sorted by name.
func (r *Registry) ListTools() []ToolRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolRecord, 0, len(r.toolOwner))
	for _, rec := range r.toolOwner {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModuleVersion reports the version of an active module. Inactive modules
// do not satisfy anything.
func (r *Registry) ModuleVersion(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.modules[name]
	if !ok || !rec.Active {
		return "", false
	}
	return rec.Version, true
}

// GetPlugin returns the live plugin handle for a module, if any.
func (r *Registry) GetPlugin(name string) (*plugin.LoadedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.plugins[name]
	return lp, ok
}

// ListPlugins returns the live plugin handles sorted by name. The registry
// owns their lifecycle; callers must not mutate or kill them.
func (r *Registry) ListPlugins() []*plugin.LoadedPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*plugin.LoadedPlugin, 0, len(r.plugins))
	for _, lp := range r.plugins {
		out = append(out, lp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// State returns the current lifecycle state.
func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Cleanup kills every plugin process, closes persistence, and resets the
// registry to Uninitialized.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, lp := range r.plugins {
		if lp.Client != nil {
			lp.Client.Kill()
		}
		delete(r.plugins, name)
	}
	r.modules = make(map[string]*ModuleRecord)
	r.toolOwner = make(map[string]*ToolRecord)
	r.open = nil
	r.state = StateUninitialized

	err := r.store.Close()
	r.logger.Info().Msg("Registry cleaned up")
	return err
}

func copyRecord(rec *ModuleRecord) ModuleRecord {
	out := *rec
	out.Tools = append([]string{}, rec.Tools...)
	out.Dependencies = append([]string{}, rec.Dependencies...)
	if rec.UnloadedAt != nil {
		t := *rec.UnloadedAt
		out.UnloadedAt = &t
	}
	return out
}
