package unit

import (
	"fmt"

	"github.com/cuemby/unitd/pkg/unitname"
)

// Graph provides the bidirectional-edge operations over a Store's units
// (4.E). It holds no state of its own beyond a reference to the store whose
// units it mutates — the edges live on the Unit values themselves.
type Graph struct {
	store *Store
}

// NewGraph binds a Graph to the given Store.
func NewGraph(s *Store) *Graph {
	return &Graph{store: s}
}

// AddDependency adds edge (u, k, v), and its declared inverse (v, k', u) if
// one exists, maintaining the bidirectional-closure invariant I1. Both
// operands are resolved through FollowMerge first. Self-loops are silently
// accepted as no-ops (I6). The whole operation is atomic: on failure after
// partial insertion, every inserted edge is rolled back.
//
// addReference additionally adds a "references"/"referenced-by" pair,
// mirroring the spec's add_dependency(..., add_reference) parameter.
func (g *Graph) AddDependency(u, v *Unit, k Relation, addReference bool) error {
	u = g.store.FollowMerge(u)
	v = g.store.FollowMerge(v)
	if u == v {
		return nil
	}

	type inserted struct {
		on   *Unit
		rel  Relation
		peer string
	}
	var done []inserted
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			d := done[i]
			d.on.removeEdge(d.rel, d.peer)
		}
	}

	add := func(on *Unit, rel Relation, peerID string) error {
		if on.Edges == nil {
			on.Edges = make(map[Relation]map[string]bool)
		}
		on.addEdge(rel, peerID)
		done = append(done, inserted{on, rel, peerID})
		return nil
	}

	if err := add(u, k, v.ID); err != nil {
		rollback()
		return fmt.Errorf("unit: add_dependency: %w", err)
	}
	if inv, ok := Inverse[k]; ok {
		if err := add(v, inv, u.ID); err != nil {
			rollback()
			return fmt.Errorf("unit: add_dependency: %w", err)
		}
	}

	if addReference {
		if err := add(u, RelReferences, v.ID); err != nil {
			rollback()
			return fmt.Errorf("unit: add_dependency: %w", err)
		}
		if err := add(v, RelReferencedBy, u.ID); err != nil {
			rollback()
			return fmt.Errorf("unit: add_dependency: %w", err)
		}
	}

	return nil
}

// RemoveDependency removes edge (u, k, v) and its inverse, keeping the graph
// consistent. It removes that single edge only; Graph.RemoveUnit is the call
// that strips every edge referencing a unit.
func (g *Graph) RemoveDependency(u, v *Unit, k Relation) {
	u.removeEdge(k, v.ID)
	if inv, ok := Inverse[k]; ok {
		v.removeEdge(inv, u.ID)
	}
}

// RemoveUnit strips every edge that references u from every other unit in
// the store — both the back-edges third parties hold to u and u's own
// edges. Required before a merged or freed unit can be safely collected
// (§3 "Ownership and lifecycle").
func (g *Graph) RemoveUnit(u *Unit) {
	for _, other := range g.store.All() {
		if other == u {
			continue
		}
		for _, set := range other.Edges {
			if set[u.ID] {
				delete(set, u.ID)
			}
		}
	}
	u.Edges = make(map[Relation]map[string]bool)
}

// TransferEdges moves every edge from `from` to `to` (used by Store.Merge):
// from's own outgoing edges become to's, and every third-party unit that
// held an edge pointing at from.ID is rewritten to point at to.ID instead.
// This must run in the same transaction as Store.Merge's name-map update.
func (g *Graph) TransferEdges(to, from *Unit) {
	for rel, set := range from.Edges {
		for peerID := range set {
			to.addEdge(rel, peerID)
		}
	}
	from.Edges = make(map[Relation]map[string]bool)

	for _, other := range g.store.All() {
		if other == to || other == from {
			continue
		}
		for rel, set := range other.Edges {
			if set[from.ID] {
				delete(set, from.ID)
				other.addEdge(rel, to.ID)
			}
		}
	}
}

// ResolvePendingEdges drains u.PendingEdges, creating a stub unit for any
// peer name not already in the store (4.C's "a dependency may name a unit
// not yet loaded" case), and installs each edge via AddDependency.
func (g *Graph) ResolvePendingEdges(u *Unit, typeOf func(name string) (unitname.Type, bool)) error {
	pending := u.PendingEdges
	u.PendingEdges = nil
	for _, pe := range pending {
		peer, ok := g.store.Get(pe.PeerName)
		if !ok {
			t, ok := typeOf(pe.PeerName)
			if !ok {
				return fmt.Errorf("unit: %s: %s: cannot determine type of %q", u.ID, pe.Relation, pe.PeerName)
			}
			peer = New(pe.PeerName, t)
			if _, err := g.store.AddName(peer, pe.PeerName); err != nil {
				return err
			}
		}
		if err := g.AddDependency(u, peer, pe.Relation, false); err != nil {
			return err
		}
	}
	return nil
}

// HasEdge reports whether u holds relation k to v.
func (g *Graph) HasEdge(u *Unit, k Relation, v *Unit) bool {
	return u.Edges[k] != nil && u.Edges[k][v.ID]
}

// TransitiveClosure walks the given relations outward from root (breadth
// first) and returns every reached unit, including root. Used by the job
// engine's requirement expansion (4.G) and by isolate-mode's "everything
// not in the target's closure" computation.
func (g *Graph) TransitiveClosure(root *Unit, relations []Relation) []*Unit {
	visited := map[string]bool{root.ID: true}
	queue := []*Unit{root}
	out := []*Unit{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, rel := range relations {
			for peerID := range cur.Edges[rel] {
				if visited[peerID] {
					continue
				}
				peer, ok := g.store.Get(peerID)
				if !ok {
					continue
				}
				visited[peerID] = true
				queue = append(queue, peer)
				out = append(out, peer)
			}
		}
	}
	return out
}
