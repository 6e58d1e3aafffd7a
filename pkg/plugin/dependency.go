package plugin

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// DependencyResolver orders plugins so every dependency loads before its
// dependents, and rejects graphs with cycles or dangling references.
type DependencyResolver struct {
	logger zerolog.Logger
}

// NewDependencyResolver creates a new dependency resolver
func NewDependencyResolver(logger zerolog.Logger) *DependencyResolver {
	return &DependencyResolver{
		logger: logger.With().Str("component", "dependency-resolver").Logger(),
	}
}

// BuildGraph constructs the dependency graph from a set of manifests.
// Every declared dependency must name another manifest in the set; a
// reference to an unknown plugin fails the whole batch here rather than
// surfacing as a runtime import error later.
func (r *DependencyResolver) BuildGraph(manifests []*Manifest) (*DependencyGraph, error) {
	graph := &DependencyGraph{
		Nodes: make(map[string]*Manifest, len(manifests)),
		Edges: make(map[string][]string, len(manifests)),
	}

	for _, manifest := range manifests {
		graph.Nodes[manifest.Name] = manifest
	}

	for _, manifest := range manifests {
		edges := make([]string, 0, len(manifest.Dependencies))
		for _, dep := range manifest.Dependencies {
			name, constraint := SplitDependency(dep)
			target, ok := graph.Nodes[name]
			if !ok {
				return nil, &MissingDependencyError{
					Plugin:     manifest.Name,
					Dependency: name,
				}
			}
			if constraint != "" {
				if err := checkConstraint(target, constraint); err != nil {
					return nil, fmt.Errorf("plugin %s requires %s: %w", manifest.Name, dep, err)
				}
			}
			edges = append(edges, name)
		}
		graph.Edges[manifest.Name] = edges
	}

	return graph, nil
}

// checkConstraint verifies the resolved dependency's version satisfies the
// declared semver range.
func checkConstraint(target *Manifest, constraint string) error {
	return checkVersionConstraint(target.Name, target.Version, constraint)
}

func checkVersionConstraint(name, version, constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid constraint %q: %w", constraint, err)
	}
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return fmt.Errorf("dependency %s has invalid version %q: %w", name, version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("dependency %s@%s does not satisfy constraint %q", name, version, constraint)
	}
	return nil
}

// Resolve returns plugin names in load order (dependencies first). The walk
// visits plugins in sorted name order so the result is deterministic for a
// given graph.
func (r *DependencyResolver) Resolve(graph *DependencyGraph) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	marks := make(map[string]int, len(graph.Nodes))
	order := make([]string, 0, len(graph.Nodes))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			// Found a back edge. The cycle is the stack suffix starting at
			// the revisited node.
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append([]string{}, stack[start:]...)
			return &DependencyCycleError{Cycle: cycle}
		}

		marks[name] = visiting
		stack = append(stack, name)

		deps := append([]string{}, graph.Edges[name]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		marks[name] = done
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(graph.Nodes))
	for name := range graph.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	r.logger.Debug().
		Strs("order", order).
		Msg("Resolved plugin load order")

	return order, nil
}

// Levels groups the resolved order into topological levels: plugins within a
// level share no dependency edges and may load concurrently, while level N+1
// must wait for level N.
func (r *DependencyResolver) Levels(graph *DependencyGraph, order []string) [][]string {
	depth := make(map[string]int, len(order))
	maxDepth := 0

	for _, name := range order {
		d := 0
		for _, dep := range graph.Edges[name] {
			if dd := depth[dep] + 1; dd > d {
				d = dd
			}
		}
		depth[name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, name := range order {
		d := depth[name]
		levels[d] = append(levels[d], name)
	}

	return levels
}

// Dependents returns the names of plugins that directly or transitively
// depend on the given plugin, in reload order (closest dependents first).
func (r *DependencyResolver) Dependents(graph *DependencyGraph, name string) []string {
	reverse := make(map[string][]string, len(graph.Edges))
	for from, deps := range graph.Edges {
		for _, dep := range deps {
			reverse[dep] = append(reverse[dep], from)
		}
	}

	seen := map[string]bool{name: true}
	var result []string
	frontier := []string{name}
	for len(frontier) > 0 {
		var next []string
		for _, n := range frontier {
			dependents := append([]string{}, reverse[n]...)
			sort.Strings(dependents)
			for _, d := range dependents {
				if !seen[d] {
					seen[d] = true
					result = append(result, d)
					next = append(next, d)
				}
			}
		}
		frontier = next
	}

	return result
}
