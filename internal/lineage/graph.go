// Package lineage tracks which artifacts were derived from which, so a
// failed artifact's downstream impact can be computed and replayed
// selectively.
package lineage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCycle is returned when an edge would make an artifact its own ancestor.
var ErrCycle = errors.New("lineage cycle")

type node struct {
	stepID   string
	parents  []string
	children []string
}

// Graph is an append-only DAG over artifact ids. Edges point from an
// artifact to the parents it was derived from.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode registers an artifact. Adding a known id is a no-op.
func (g *Graph) AddNode(id, stepID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(id, stepID)
}

func (g *Graph) addNodeLocked(id, stepID string) *node {
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := &node{stepID: stepID}
	g.nodes[id] = n
	return n
}

// AddEdge records that id was derived from parentIDs. Parents must already
// be known. Existing edges are kept; an edge that would close a cycle is
// rejected with ErrCycle.
func (g *Graph) AddEdge(id string, parentIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("lineage: unknown artifact %s", id)
	}
	for _, p := range parentIDs {
		if _, ok := g.nodes[p]; !ok {
			return fmt.Errorf("lineage: unknown parent %s of %s", p, id)
		}
		if p == id || g.reachableLocked(id, p) {
			return fmt.Errorf("%w: %s -> %s", ErrCycle, id, p)
		}
	}
	for _, p := range parentIDs {
		if contains(n.parents, p) {
			continue
		}
		n.parents = append(n.parents, p)
		parent := g.nodes[p]
		parent.children = append(parent.children, id)
	}
	return nil
}

// reachableLocked reports whether to is downstream of from.
func (g *Graph) reachableLocked(from, to string) bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range g.nodes[cur].children {
			if c == to {
				return true
			}
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false
}

// Has reports whether the artifact is known.
func (g *Graph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// StepOf returns the producer step of an artifact.
func (g *Graph) StepOf(id string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.stepID
	}
	return ""
}

// DownstreamOf returns every artifact that directly or indirectly consumed
// id, sorted. id itself is not included.
func (g *Graph) DownstreamOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	seen := map[string]bool{id: true}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range g.nodes[cur].children {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	sort.Strings(out)
	return out
}

// replayRootsLocked returns the members of set that have no parent in set:
// the frontier whose re-execution regenerates the whole set.
func (g *Graph) replayRootsLocked(set map[string]bool) []string {
	var roots []string
	for id := range set {
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		root := true
		for _, p := range n.parents {
			if set[p] {
				root = false
				break
			}
		}
		if root {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// FindEarliestValidAncestor walks back from the invalidated set to the
// shallowest invalidated artifact all of whose parents are still valid.
// Re-executing its producer with valid inputs regenerates the invalidated
// descendants. Ties at equal depth resolve to the smallest id.
func (g *Graph) FindEarliestValidAncestor(invalidated []string) (string, error) {
	if len(invalidated) == 0 {
		return "", errors.New("lineage: empty invalidated set")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	set := toSet(invalidated)
	for id := range set {
		if _, ok := g.nodes[id]; !ok {
			return "", fmt.Errorf("lineage: unknown artifact %s", id)
		}
	}

	roots := g.replayRootsLocked(set)
	if len(roots) == 0 {
		return "", errors.New("lineage: invalidated set has no frontier")
	}
	depths := make(map[string]int)
	best := roots[0]
	for _, r := range roots[1:] {
		if g.depthLocked(r, depths) < g.depthLocked(best, depths) {
			best = r
		}
	}
	return best, nil
}

// Depth returns the length of the longest parent chain above id.
func (g *Graph) Depth(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.depthLocked(id, make(map[string]int))
}

func (g *Graph) depthLocked(id string, memo map[string]int) int {
	if d, ok := memo[id]; ok {
		return d
	}
	n, ok := g.nodes[id]
	if !ok {
		return 0
	}
	depth := 0
	for _, p := range n.parents {
		if d := g.depthLocked(p, memo) + 1; d > depth {
			depth = d
		}
	}
	memo[id] = depth
	return depth
}

// Len returns the number of artifacts in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node is the serializable form of one artifact in the graph.
type Node struct {
	ID      string   `json:"id"`
	StepID  string   `json:"step_id"`
	Parents []string `json:"parents,omitempty"`
}

// Snapshot returns every node with its parents, parents before children.
func (g *Graph) Snapshot() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	depths := make(map[string]int)
	sort.Slice(ids, func(i, j int) bool {
		di, dj := g.depthLocked(ids[i], depths), g.depthLocked(ids[j], depths)
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})

	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		n := g.nodes[id]
		out = append(out, Node{ID: id, StepID: n.stepID, Parents: sortedCopy(n.parents)})
	}
	return out
}

// Restore rebuilds a graph from a snapshot.
func Restore(nodes []Node) (*Graph, error) {
	g := New()
	for _, n := range nodes {
		g.AddNode(n.ID, n.StepID)
	}
	for _, n := range nodes {
		if err := g.AddEdge(n.ID, n.Parents); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedCopy(list []string) []string {
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}
