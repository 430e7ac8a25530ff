package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

func TestGraphLevels(t *testing.T) {
	g := NewGraph()
	g.Add("service")
	g.Add("pool", "service")
	g.Add("principal", "service")
	g.Add("provider", "pool")
	g.Add("binding", "principal")
	g.Add("grant", "provider", "principal")

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 4)

	assert.Equal(t, []string{"service"}, levels[0])
	assert.Equal(t, []string{"pool", "principal"}, levels[1])
	assert.Equal(t, []string{"provider", "binding"}, levels[2])
	assert.Equal(t, []string{"grant"}, levels[3])
}

func TestGraphLevelsStableRegardlessOfInsertionOrder(t *testing.T) {
	g := NewGraph()
	// Dependents declared before their dependencies.
	g.Add("grant", "provider", "principal")
	g.Add("provider", "pool")
	g.Add("pool", "service")
	g.Add("principal", "service")
	g.Add("service")

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 4)
	assert.Equal(t, []string{"service"}, levels[0])
	assert.ElementsMatch(t, []string{"pool", "principal"}, levels[1])
	assert.Equal(t, []string{"provider"}, levels[2])
	assert.Equal(t, []string{"grant"}, levels[3])
}

func TestGraphIgnoresUnknownDependencies(t *testing.T) {
	g := NewGraph()
	g.Add("binding", "already-exists")

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, []string{"binding"}, levels[0])
}

func TestGraphDetectsCycle(t *testing.T) {
	g := NewGraph()
	g.Add("a", "b")
	g.Add("b", "a")

	_, err := g.Levels()
	assert.Equal(t, trust.CodeDependencyCycle, trust.CodeOf(err))
}
