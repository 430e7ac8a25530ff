package reconcile

import (
	"fmt"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

// Graph orders operations by dependency. Nodes at the same level have no
// edges between them and may be applied concurrently.
type Graph struct {
	order []string
	deps  map[string][]string
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{deps: map[string][]string{}}
}

// Add registers a node and its dependencies. Re-adding a node merges the
// dependency lists. Dependencies on nodes never added are ignored, which
// lets a plan depend on resources that already exist.
func (g *Graph) Add(id string, deps ...string) {
	if _, ok := g.deps[id]; !ok {
		g.order = append(g.order, id)
		g.deps[id] = nil
	}
	g.deps[id] = append(g.deps[id], deps...)
}

// Levels groups nodes so that every node appears exactly one level after
// its deepest dependency. Insertion order is preserved within a level so
// plans are deterministic regardless of declaration order in the
// document. A cycle is a document error.
func (g *Graph) Levels() ([][]string, error) {
	depth := map[string]int{}
	visiting := map[string]bool{}

	var resolve func(id string) (int, error)
	resolve = func(id string) (int, error) {
		if d, ok := depth[id]; ok {
			return d, nil
		}
		if visiting[id] {
			return 0, trust.NewError(trust.CategoryConfig, trust.CodeDependencyCycle,
				fmt.Sprintf("dependency cycle through %s", id))
		}
		visiting[id] = true
		defer delete(visiting, id)

		d := 0
		for _, dep := range g.deps[id] {
			if _, known := g.deps[dep]; !known {
				continue
			}
			dd, err := resolve(dep)
			if err != nil {
				return 0, err
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		depth[id] = d
		return d, nil
	}

	maxDepth := 0
	for _, id := range g.order {
		d, err := resolve(id)
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range g.order {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}
	return levels, nil
}
