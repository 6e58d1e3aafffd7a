package module

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/benteng/pkg/registry"
)

// Binder loads module descriptors and commits them to the registry. Binding
// an already-bound name is the reload path: the registry replaces the old
// tool set as one unit, and a failure anywhere leaves the old module
// serving.
type Binder struct {
	logger   zerolog.Logger
	loader   Loader
	registry *registry.Registry
	cache    *Cache
}

// NewBinder creates a binder over the given loader and registry.
func NewBinder(logger zerolog.Logger, loader Loader, reg *registry.Registry, cache *Cache) *Binder {
	return &Binder{
		logger:   logger.With().Str("component", "module-binder").Logger(),
		loader:   loader,
		registry: reg,
		cache:    cache,
	}
}

// Cache exposes the binder's descriptor cache.
func (b *Binder) Cache() *Cache {
	return b.cache
}

// Bind loads the descriptor at path and commits it as a module. The
// descriptor is fully validated before the registry is touched; once
// registration starts, any failure aborts the open session so the
// registry's previous state stands.
func (b *Binder) Bind(ctx context.Context, path string) (*registry.ModuleRecord, error) {
	desc, err := b.loader.Load(path)
	if err != nil {
		return nil, err
	}
	return b.bindDescriptor(ctx, desc, path)
}

// Rebind reloads a watched module from its file and requires the descriptor
// to still declare the same module name. A renamed descriptor is a shape
// violation, not a replace of the old name.
func (b *Binder) Rebind(ctx context.Context, name, path string) (*registry.ModuleRecord, error) {
	desc, err := b.loader.Load(path)
	if err != nil {
		return nil, err
	}
	if desc.Name != name {
		return nil, &InvalidDescriptorError{
			Path:       path,
			Violations: []string{fmt.Sprintf("name: descriptor declares %q, watched module is %q", desc.Name, name)},
		}
	}
	return b.bindDescriptor(ctx, desc, path)
}

func (b *Binder) bindDescriptor(ctx context.Context, desc *Descriptor, path string) (*registry.ModuleRecord, error) {
	if err := b.registry.StartModule(desc.Name, desc.Category); err != nil {
		return nil, err
	}
	if err := b.registry.SetModuleMeta(desc.Version, path); err != nil {
		_ = b.registry.AbortModule()
		return nil, err
	}

	for _, tool := range desc.Tools {
		if err := b.registry.RegisterTool(tool.Name); err != nil {
			_ = b.registry.AbortModule()
			return nil, fmt.Errorf("failed to register tool %q: %w", tool.Name, err)
		}
	}

	rec, err := b.registry.CompleteModule(ctx)
	if err != nil {
		_ = b.registry.AbortModule()
		return nil, err
	}

	if b.cache != nil {
		b.cache.Put(desc, path)
	}

	b.logger.Info().
		Str("module", desc.Name).
		Str("category", desc.Category).
		Int("tools", len(rec.Tools)).
		Msg("Bound module descriptor")

	return rec, nil
}

// Unbind unloads a module and drops its cached descriptor.
func (b *Binder) Unbind(ctx context.Context, name string) error {
	if err := b.registry.UnloadModule(ctx, name); err != nil {
		return err
	}
	if b.cache != nil {
		b.cache.Remove(name)
	}
	return nil
}
