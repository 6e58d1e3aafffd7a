package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depManifest(name, version string, deps ...string) *Manifest {
	return &Manifest{
		ManifestVersion: ManifestVersion,
		Name:            name,
		Version:         version,
		Entry:           "dist/index.js",
		Dist:            DistInfo{Hash: testDistHash},
		Dependencies:    deps,
	}
}

func indexOf(t *testing.T, order []string, name string) int {
	t.Helper()
	for i, n := range order {
		if n == name {
			return i
		}
	}
	t.Fatalf("%s not found in order %v", name, order)
	return -1
}

func TestDependencyResolver_Resolve(t *testing.T) {
	resolver := NewDependencyResolver(testLogger())

	t.Run("orders dependencies before dependents", func(t *testing.T) {
		manifests := []*Manifest{
			depManifest("app", "1.0.0", "lib", "util"),
			depManifest("lib", "1.0.0", "util"),
			depManifest("util", "1.0.0"),
		}

		graph, err := resolver.BuildGraph(manifests)
		require.NoError(t, err)

		order, err := resolver.Resolve(graph)
		require.NoError(t, err)
		require.Len(t, order, 3)

		assert.Less(t, indexOf(t, order, "util"), indexOf(t, order, "lib"))
		assert.Less(t, indexOf(t, order, "lib"), indexOf(t, order, "app"))
	})

	t.Run("order is deterministic", func(t *testing.T) {
		manifests := []*Manifest{
			depManifest("zeta", "1.0.0"),
			depManifest("alpha", "1.0.0"),
			depManifest("mid", "1.0.0", "alpha"),
		}

		graph, err := resolver.BuildGraph(manifests)
		require.NoError(t, err)

		first, err := resolver.Resolve(graph)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := resolver.Resolve(graph)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})

	t.Run("detects cycle with full path", func(t *testing.T) {
		manifests := []*Manifest{
			depManifest("a", "1.0.0", "b"),
			depManifest("b", "1.0.0", "c"),
			depManifest("c", "1.0.0", "a"),
		}

		graph, err := resolver.BuildGraph(manifests)
		require.NoError(t, err)

		_, err = resolver.Resolve(graph)
		var cycleErr *DependencyCycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Len(t, cycleErr.Cycle, 3)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Cycle)
		assert.Contains(t, cycleErr.Error(), "->")
	})

	t.Run("detects self dependency", func(t *testing.T) {
		manifests := []*Manifest{
			depManifest("selfish", "1.0.0", "selfish"),
		}

		graph, err := resolver.BuildGraph(manifests)
		require.NoError(t, err)

		_, err = resolver.Resolve(graph)
		var cycleErr *DependencyCycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"selfish"}, cycleErr.Cycle)
	})
}

func TestDependencyResolver_BuildGraph(t *testing.T) {
	resolver := NewDependencyResolver(testLogger())

	t.Run("rejects missing dependency", func(t *testing.T) {
		manifests := []*Manifest{
			depManifest("lonely", "1.0.0", "ghost"),
		}

		_, err := resolver.BuildGraph(manifests)
		var missingErr *MissingDependencyError
		require.ErrorAs(t, err, &missingErr)
		assert.Equal(t, "lonely", missingErr.Plugin)
		assert.Equal(t, "ghost", missingErr.Dependency)
	})

	t.Run("checks version constraints", func(t *testing.T) {
		manifests := []*Manifest{
			depManifest("consumer", "1.0.0", "provider@^2.0.0"),
			depManifest("provider", "1.5.0"),
		}

		_, err := resolver.BuildGraph(manifests)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not satisfy")
	})

	t.Run("accepts satisfied constraints", func(t *testing.T) {
		manifests := []*Manifest{
			depManifest("consumer", "1.0.0", "provider@^2.0.0"),
			depManifest("provider", "2.3.1"),
		}

		graph, err := resolver.BuildGraph(manifests)
		require.NoError(t, err)
		assert.Equal(t, []string{"provider"}, graph.Edges["consumer"])
	})
}

func TestDependencyResolver_Levels(t *testing.T) {
	resolver := NewDependencyResolver(testLogger())

	manifests := []*Manifest{
		depManifest("base-a", "1.0.0"),
		depManifest("base-b", "1.0.0"),
		depManifest("mid", "1.0.0", "base-a", "base-b"),
		depManifest("top", "1.0.0", "mid"),
	}

	graph, err := resolver.BuildGraph(manifests)
	require.NoError(t, err)
	order, err := resolver.Resolve(graph)
	require.NoError(t, err)

	levels := resolver.Levels(graph, order)
	require.Len(t, levels, 3)
	assert.ElementsMatch(t, []string{"base-a", "base-b"}, levels[0])
	assert.Equal(t, []string{"mid"}, levels[1])
	assert.Equal(t, []string{"top"}, levels[2])
}

func TestDependencyResolver_Dependents(t *testing.T) {
	resolver := NewDependencyResolver(testLogger())

	manifests := []*Manifest{
		depManifest("core", "1.0.0"),
		depManifest("direct", "1.0.0", "core"),
		depManifest("transitive", "1.0.0", "direct"),
		depManifest("unrelated", "1.0.0"),
	}

	graph, err := resolver.BuildGraph(manifests)
	require.NoError(t, err)

	dependents := resolver.Dependents(graph, "core")
	assert.Equal(t, []string{"direct", "transitive"}, dependents)

	assert.Empty(t, resolver.Dependents(graph, "transitive"))
	assert.Empty(t, resolver.Dependents(graph, "unrelated"))
}
