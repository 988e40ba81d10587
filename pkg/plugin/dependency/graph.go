package dependency

import (
	"fmt"
	"sort"
	"strings"

	"addinhost/pkg/plugin"
)

// CycleError reports a dependency cycle. Cycle lists each member once; the
// last member depends on the first.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	path := e.Cycle
	if len(path) > 0 {
		path = append(append([]string(nil), path...), path[0])
	}
	return fmt.Sprintf("%v: %s", plugin.ErrCircularDependency, strings.Join(path, " -> "))
}

func (e *CycleError) Unwrap() error { return plugin.ErrCircularDependency }

type node struct {
	id    string
	edges []int
}

// Graph is an arena of plugin ids. An edge a -> b means a depends on b.
type Graph struct {
	index map[string]int
	nodes []node
}

func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// BuildGraph adds one node per descriptor and an edge for every required
// dependency whose target is part of the set.
func BuildGraph(descs []*plugin.PluginDescriptor) *Graph {
	g := NewGraph()
	for _, d := range descs {
		g.AddNode(d.ID)
	}
	for _, d := range descs {
		for _, dep := range d.Dependencies {
			if dep.Optional {
				continue
			}
			if _, ok := g.index[dep.PluginID]; ok {
				_ = g.AddEdge(d.ID, dep.PluginID)
			}
		}
	}
	return g
}

func (g *Graph) AddNode(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	g.nodes = append(g.nodes, node{id: id})
	i := len(g.nodes) - 1
	g.index[id] = i
	return i
}

func (g *Graph) AddEdge(from, to string) error {
	fi, ok := g.index[from]
	if !ok {
		return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, from)
	}
	ti, ok := g.index[to]
	if !ok {
		return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, to)
	}

	edges := g.nodes[fi].edges
	pos := sort.Search(len(edges), func(k int) bool { return g.nodes[edges[k]].id >= to })
	if pos < len(edges) && edges[pos] == ti {
		return nil
	}
	edges = append(edges, 0)
	copy(edges[pos+1:], edges[pos:])
	edges[pos] = ti
	g.nodes[fi].edges = edges
	return nil
}

func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// DependsOn returns the direct dependencies of id.
func (g *Graph) DependsOn(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, len(g.nodes[i].edges))
	for k, e := range g.nodes[i].edges {
		out[k] = g.nodes[e].id
	}
	return out
}

func (g *Graph) sortedIndices() []int {
	idx := make([]int, len(g.nodes))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return g.nodes[idx[a]].id < g.nodes[idx[b]].id })
	return idx
}

func (g *Graph) reverse() [][]int {
	rev := make([][]int, len(g.nodes))
	for _, i := range g.sortedIndices() {
		for _, e := range g.nodes[i].edges {
			rev[e] = append(rev[e], i)
		}
	}
	return rev
}

// Dependents returns the ids that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	var out []string
	for _, j := range g.reverse()[i] {
		out = append(out, g.nodes[j].id)
	}
	return out
}

// TransitiveDependents returns every id that reaches id, sorted.
func (g *Graph) TransitiveDependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	rev := g.reverse()
	seen := make([]bool, len(g.nodes))
	stack := []int{i}
	seen[i] = true
	var out []string
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, j := range rev[cur] {
			if !seen[j] {
				seen[j] = true
				out = append(out, g.nodes[j].id)
				stack = append(stack, j)
			}
		}
	}
	sort.Strings(out)
	return out
}

const (
	unvisited = iota
	onStack
	done
)

// DetectCycle runs a depth-first search with an explicit recursion stack.
// Every consecutive pair of the returned path is an edge, as is the edge
// from its last element back to its first.
func (g *Graph) DetectCycle() (bool, []string) {
	state := make([]int, len(g.nodes))
	var stack []int
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = onStack
		stack = append(stack, i)

		for _, e := range g.nodes[i].edges {
			switch state[e] {
			case onStack:
				start := len(stack) - 1
				for stack[start] != e {
					start--
				}
				for _, k := range stack[start:] {
					cycle = append(cycle, g.nodes[k].id)
				}
				return true
			case unvisited:
				if visit(e) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[i] = done
		return false
	}

	for _, i := range g.sortedIndices() {
		if state[i] == unvisited && visit(i) {
			return true, cycle
		}
	}
	return false, nil
}

// TopologicalOrder returns ids with every dependency before its dependents,
// ties broken by id.
func (g *Graph) TopologicalOrder() ([]string, error) {
	remaining := make([]int, len(g.nodes))
	var ready []string
	for i, n := range g.nodes {
		remaining[i] = len(n.edges)
		if remaining[i] == 0 {
			ready = append(ready, n.id)
		}
	}
	sort.Strings(ready)

	rev := g.reverse()
	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, j := range rev[g.index[id]] {
			remaining[j]--
			if remaining[j] == 0 {
				next := g.nodes[j].id
				pos := sort.SearchStrings(ready, next)
				ready = append(ready, "")
				copy(ready[pos+1:], ready[pos:])
				ready[pos] = next
			}
		}
	}

	if len(order) < len(g.nodes) {
		_, cycle := g.DetectCycle()
		return nil, &CycleError{Cycle: cycle}
	}
	return order, nil
}
