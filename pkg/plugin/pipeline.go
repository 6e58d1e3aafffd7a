package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Committer receives a validated capture as a single unit. The registry
// implements this; the pipeline stays ignorant of how commits are stored.
// ModuleVersion reports the version of an already-committed active module
// so a single-bundle reload can resolve dependencies against live state.
type Committer interface {
	CommitPlugin(loaded *LoadedPlugin) error
	ModuleVersion(name string) (string, bool)
}

// bundleLoader is the load gate as the pipeline sees it.
type bundleLoader interface {
	Load(ctx context.Context, discovered DiscoveredPlugin, manifest *Manifest) (*LoadedPlugin, error)
}

// PipelineConfig carries the host policy knobs the pipeline enforces.
type PipelineConfig struct {
	SignatureRequired         bool
	StrictCapability          bool
	AllowExternalDependencies bool
	Disabled                  []string
	Workers                   int
	ActivationTimeout         time.Duration

	// OnGateFailure, when set, is called once per rejected plugin with the
	// gate that rejected it.
	OnGateFailure func(plugin, gate string, err error)
}

// Pipeline drives every plugin through the trust gates in order: manifest
// validation, dependency resolution, integrity, signature, capability scan,
// then sandboxed load and commit. One plugin's failure never aborts the
// batch; its dependents are skipped with the reason recorded.
type Pipeline struct {
	logger     zerolog.Logger
	cfg        PipelineConfig
	discoverer *Discoverer
	manifests  *ManifestLoader
	resolver   *DependencyResolver
	integrity  *IntegrityVerifier
	signature  *SignatureVerifier
	scanner    *CapabilityScanner
	loader     bundleLoader
	committer  Committer
	disabled   map[string]bool
}

// NewPipeline wires the gate components together.
func NewPipeline(logger zerolog.Logger, trust *TrustStore, committer Committer, cfg PipelineConfig) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		disabled[name] = true
	}
	return &Pipeline{
		logger:     logger.With().Str("component", "load-pipeline").Logger(),
		cfg:        cfg,
		discoverer: NewDiscoverer(logger),
		manifests:  NewManifestLoader(logger),
		resolver:   NewDependencyResolver(logger),
		integrity:  NewIntegrityVerifier(logger),
		signature:  NewSignatureVerifier(logger, trust, cfg.SignatureRequired),
		scanner:    NewCapabilityScanner(logger, cfg.StrictCapability),
		loader:     NewSandboxedLoader(logger, cfg.ActivationTimeout),
		committer:  committer,
		disabled:   disabled,
	}
}

// runState tracks per-plugin outcomes while a batch moves through the gates.
type runState struct {
	mu         sync.Mutex
	discovered map[string]DiscoveredPlugin
	manifests  map[string]*Manifest
	signatures map[string]*SignatureRecord
	failed     map[string]error
	skipped    map[string]error
	loaded     []string
}

func (s *runState) fail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[name] = err
	delete(s.manifests, name)
}

func (s *runState) skip(name string, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped[name] = reason
	delete(s.manifests, name)
}

func (s *runState) alive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.manifests[name]
	return ok
}

// Run discovers plugins under the given roots and loads every one that
// passes all gates. It returns the batch outcome and the plugins now
// running; the error return is reserved for host-level failures such as an
// unreadable root, never for an individual plugin.
func (p *Pipeline) Run(ctx context.Context, roots DiscoveryRoots) (*LoadResult, []*LoadedPlugin, error) {
	runID, err := gonanoid.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate run ID: %w", err)
	}

	started := time.Now()
	state := &runState{
		discovered: make(map[string]DiscoveredPlugin),
		manifests:  make(map[string]*Manifest),
		signatures: make(map[string]*SignatureRecord),
		failed:     make(map[string]error),
		skipped:    make(map[string]error),
	}

	discovered, err := p.discoverer.Discover(roots)
	if err != nil {
		return nil, nil, err
	}

	p.validateManifests(discovered, state)
	order := p.resolveBatch(state)
	order = p.verifyBatch(ctx, order, state)
	loadedPlugins := p.loadBatch(ctx, order, state)

	result := p.buildResult(runID, state)

	p.logger.Info().
		Str("run_id", runID).
		Int("loaded", len(result.Loaded)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Dur("duration", time.Since(started)).
		Msg("Load pipeline finished")

	return result, loadedPlugins, nil
}

// RunBundle re-runs every gate for one plugin bundle and commits the result
// as an atomic replace of any module with the same name. Unlike Run, the
// declared dependencies resolve against modules already committed rather
// than against a batch. This is the hot-reload entry point.
func (p *Pipeline) RunBundle(ctx context.Context, name, dir string) (*LoadedPlugin, error) {
	if p.disabled[name] {
		return nil, fmt.Errorf("plugin %s is disabled by configuration", name)
	}

	d := DiscoveredPlugin{
		Name:          name,
		Path:          dir,
		DistDir:       filepath.Join(dir, DistDirName),
		ManifestPath:  filepath.Join(dir, ManifestFileName),
		SignaturePath: filepath.Join(dir, SignatureFileName),
		Source:        SourceWorkspace,
	}

	started := time.Now()
	manifest, err := p.manifests.LoadManifest(d.ManifestPath)
	if err != nil {
		p.logGateFailure(name, "manifest", err)
		return nil, err
	}
	if manifest.Name != name {
		err := fmt.Errorf("manifest name %q does not match watched plugin %q", manifest.Name, name)
		p.logGateFailure(name, "manifest", err)
		return nil, err
	}
	if manifest.DependenciesPolicy == PolicyExternalAllowed && !p.cfg.AllowExternalDependencies {
		err := &PolicyError{Plugin: name, Reason: "external dependencies are disabled by host policy"}
		p.logGateFailure(name, "policy", err)
		return nil, err
	}

	for _, dep := range manifest.Dependencies {
		depName, constraint := SplitDependency(dep)
		version, ok := p.committer.ModuleVersion(depName)
		if !ok {
			err := &MissingDependencyError{Plugin: name, Dependency: depName}
			p.logGateFailure(name, "dependencies", err)
			return nil, err
		}
		if constraint != "" {
			if err := checkVersionConstraint(depName, version, constraint); err != nil {
				err = fmt.Errorf("plugin %s requires %s: %w", name, dep, err)
				p.logGateFailure(name, "dependencies", err)
				return nil, err
			}
		}
	}

	if err := p.integrity.Verify(manifest, d.DistDir); err != nil {
		p.logGateFailure(name, "integrity", err)
		return nil, err
	}
	sig, err := p.signature.Verify(manifest, d.SignaturePath)
	if err != nil {
		p.logGateFailure(name, "signature", err)
		return nil, err
	}
	if err := p.scanner.Scan(manifest, d.DistDir); err != nil {
		p.logGateFailure(name, "capabilities", err)
		return nil, err
	}

	loaded, err := p.loader.Load(ctx, d, manifest)
	if err != nil {
		p.logGateFailure(name, "load", err)
		return nil, err
	}
	loaded.Signature = sig

	if err := p.committer.CommitPlugin(loaded); err != nil {
		loaded.Client.Kill()
		p.logGateFailure(name, "commit", err)
		return nil, err
	}

	p.logger.Info().
		Str("plugin", name).
		Str("version", manifest.Version).
		Dur("duration", time.Since(started)).
		Msg("Plugin bundle reloaded")

	return loaded, nil
}

// validateManifests runs gate 1 and the host policy check over every
// discovered plugin.
func (p *Pipeline) validateManifests(discovered []DiscoveredPlugin, state *runState) {
	for _, d := range discovered {
		state.discovered[d.Name] = d

		if p.disabled[d.Name] {
			state.skipped[d.Name] = fmt.Errorf("disabled by configuration")
			continue
		}

		manifest, err := p.manifests.LoadManifest(d.ManifestPath)
		if err != nil {
			p.logGateFailure(d.Name, "manifest", err)
			state.failed[d.Name] = err
			continue
		}
		if manifest.Name != d.Name {
			err := fmt.Errorf("manifest name %q does not match directory name %q", manifest.Name, d.Name)
			p.logGateFailure(d.Name, "manifest", err)
			state.failed[d.Name] = err
			continue
		}
		if manifest.DependenciesPolicy == PolicyExternalAllowed && !p.cfg.AllowExternalDependencies {
			err := &PolicyError{
				Plugin: d.Name,
				Reason: "external dependencies are disabled by host policy",
			}
			p.logGateFailure(d.Name, "policy", err)
			state.failed[d.Name] = err
			continue
		}

		state.manifests[d.Name] = manifest
	}
}

// resolveBatch runs gate 2 with failure isolation: missing dependencies and
// constraint violations fail the declaring plugin, cycles fail every member,
// and dependents of anything excluded are skipped rather than failed.
func (p *Pipeline) resolveBatch(state *runState) []string {
	// A dependency on a plugin that was never discovered is the declaring
	// plugin's fault. A dependency on one that was discovered but already
	// failed or was disabled only skips the dependent.
	for {
		changed := false
		names := sortedKeys(state.manifests)
		for _, name := range names {
			manifest := state.manifests[name]
			for _, dep := range manifest.Dependencies {
				depName, constraint := SplitDependency(dep)
				target, ok := state.manifests[depName]
				if !ok {
					if _, everSeen := state.discovered[depName]; everSeen {
						state.skip(name, fmt.Errorf("dependency %s was not loaded", depName))
					} else {
						err := &MissingDependencyError{Plugin: name, Dependency: depName}
						p.logGateFailure(name, "dependencies", err)
						state.fail(name, err)
					}
					changed = true
					break
				}
				if constraint != "" {
					if err := checkConstraint(target, constraint); err != nil {
						err = fmt.Errorf("plugin %s requires %s: %w", name, dep, err)
						p.logGateFailure(name, "dependencies", err)
						state.fail(name, err)
						changed = true
						break
					}
				}
			}
		}
		if !changed {
			break
		}
	}

	// Cycles: fail the members, then re-run until the remaining graph is
	// acyclic. Dependents of cycle members fall out through the skip pass
	// above on the next iteration.
	for {
		graph, err := p.resolver.BuildGraph(manifestList(state))
		if err != nil {
			// All missing deps were handled above; reaching here means the
			// state changed underneath us, which would be a pipeline bug.
			p.logger.Error().Err(err).Msg("Unexpected graph build failure")
			return nil
		}

		order, err := p.resolver.Resolve(graph)
		if err == nil {
			return order
		}

		cycleErr, ok := err.(*DependencyCycleError)
		if !ok {
			p.logger.Error().Err(err).Msg("Unexpected resolve failure")
			return nil
		}
		for _, member := range cycleErr.Cycle {
			p.logGateFailure(member, "dependencies", cycleErr)
			state.fail(member, cycleErr)
		}
		for _, member := range cycleErr.Cycle {
			for _, dependent := range p.resolver.Dependents(graph, member) {
				if state.alive(dependent) {
					state.skip(dependent, fmt.Errorf("dependency %s failed", member))
				}
			}
		}
	}
}

// verifyBatch runs gates 3 to 5 across plugins with a bounded worker pool.
// The gates only read plugin files, so cross-plugin ordering does not
// matter here; dependents of failures are pruned afterwards.
func (p *Pipeline) verifyBatch(ctx context.Context, order []string, state *runState) []string {
	if len(order) == 0 {
		return order
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				p.verifyOne(name, state)
			}
		}()
	}

	for _, name := range order {
		if ctx.Err() != nil {
			break
		}
		jobs <- name
	}
	close(jobs)
	wg.Wait()

	return p.pruneDependents(order, state)
}

func (p *Pipeline) verifyOne(name string, state *runState) {
	state.mu.Lock()
	manifest, ok := state.manifests[name]
	d := state.discovered[name]
	state.mu.Unlock()
	if !ok {
		return
	}

	if err := p.integrity.Verify(manifest, d.DistDir); err != nil {
		p.logGateFailure(name, "integrity", err)
		state.fail(name, err)
		return
	}

	record, err := p.signature.Verify(manifest, d.SignaturePath)
	if err != nil {
		p.logGateFailure(name, "signature", err)
		state.fail(name, err)
		return
	}
	if record != nil {
		state.mu.Lock()
		state.signatures[name] = record
		state.mu.Unlock()
	}

	if err := p.scanner.Scan(manifest, d.DistDir); err != nil {
		p.logGateFailure(name, "capabilities", err)
		state.fail(name, err)
	}
}

// loadBatch runs gate 6 level by level: a level's plugins share no edges
// and activate concurrently, and every level commits before the next
// starts so dependents always find their dependencies registered.
func (p *Pipeline) loadBatch(ctx context.Context, order []string, state *runState) []*LoadedPlugin {
	if len(order) == 0 {
		return nil
	}

	graph, err := p.resolver.BuildGraph(manifestList(state))
	if err != nil {
		p.logger.Error().Err(err).Msg("Unexpected graph build failure before load")
		return nil
	}
	levels := p.resolver.Levels(graph, order)

	var (
		mu     sync.Mutex
		loaded []*LoadedPlugin
	)

	for _, level := range levels {
		var wg sync.WaitGroup
		sem := make(chan struct{}, p.cfg.Workers)

		for _, name := range level {
			if !state.alive(name) {
				continue
			}
			if ctx.Err() != nil {
				state.skip(name, fmt.Errorf("load cancelled: %w", ctx.Err()))
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(name string) {
				defer wg.Done()
				defer func() { <-sem }()

				plugin := p.loadOne(ctx, name, state)
				if plugin != nil {
					mu.Lock()
					loaded = append(loaded, plugin)
					mu.Unlock()
				}
			}(name)
		}
		wg.Wait()

		// Anything that failed in this level poisons its dependents in
		// later levels before they are attempted.
		for _, name := range level {
			state.mu.Lock()
			_, wasFailed := state.failed[name]
			state.mu.Unlock()
			if !wasFailed {
				continue
			}
			for _, dependent := range p.resolver.Dependents(graph, name) {
				if state.alive(dependent) {
					state.skip(dependent, fmt.Errorf("dependency %s failed", name))
				}
			}
		}
	}

	return loaded
}

func (p *Pipeline) loadOne(ctx context.Context, name string, state *runState) *LoadedPlugin {
	state.mu.Lock()
	manifest := state.manifests[name]
	d := state.discovered[name]
	sig := state.signatures[name]
	state.mu.Unlock()

	loaded, err := p.loader.Load(ctx, d, manifest)
	if err != nil {
		p.logGateFailure(name, "load", err)
		state.fail(name, err)
		return nil
	}
	loaded.Signature = sig

	if err := p.committer.CommitPlugin(loaded); err != nil {
		loaded.Client.Kill()
		p.logGateFailure(name, "commit", err)
		state.fail(name, err)
		return nil
	}

	state.mu.Lock()
	state.loaded = append(state.loaded, name)
	state.mu.Unlock()
	return loaded
}

// pruneDependents skips every live plugin whose dependency chain touches a
// failed or skipped plugin. It walks declared dependencies rather than a
// built graph because the graph cannot be rebuilt while some nodes are
// already gone. A skip can orphan deeper dependents, so it iterates until
// stable.
func (p *Pipeline) pruneDependents(order []string, state *runState) []string {
	for {
		changed := false
		for _, name := range order {
			if !state.alive(name) {
				continue
			}
			state.mu.Lock()
			manifest := state.manifests[name]
			state.mu.Unlock()

			for _, dep := range manifest.Dependencies {
				depName, _ := SplitDependency(dep)
				if !state.alive(depName) {
					state.skip(name, fmt.Errorf("dependency %s was not loaded", depName))
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	var remaining []string
	for _, name := range order {
		if state.alive(name) {
			remaining = append(remaining, name)
		}
	}
	return remaining
}

func (p *Pipeline) buildResult(runID string, state *runState) *LoadResult {
	state.mu.Lock()
	defer state.mu.Unlock()

	result := &LoadResult{
		RunID:  runID,
		Errors: make(map[string]error, len(state.failed)+len(state.skipped)),
	}
	result.Loaded = append(result.Loaded, state.loaded...)
	for name, err := range state.failed {
		result.Failed = append(result.Failed, name)
		result.Errors[name] = err
	}
	for name, reason := range state.skipped {
		result.Skipped = append(result.Skipped, name)
		result.Errors[name] = reason
	}

	sort.Strings(result.Loaded)
	sort.Strings(result.Failed)
	sort.Strings(result.Skipped)
	return result
}

func (p *Pipeline) logGateFailure(name, gate string, err error) {
	p.logger.Error().
		Str("plugin", name).
		Str("gate", gate).
		Err(err).
		Msg("Plugin rejected")
	if p.cfg.OnGateFailure != nil {
		p.cfg.OnGateFailure(name, gate, err)
	}
}

func manifestList(state *runState) []*Manifest {
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]*Manifest, 0, len(state.manifests))
	for _, m := range state.manifests {
		out = append(out, m)
	}
	return out
}

func sortedKeys(m map[string]*Manifest) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
