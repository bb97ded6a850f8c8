package unit

import (
	"testing"

	"github.com/cuemby/unitd/pkg/unitname"
)

func mkpair() (*Store, *Graph, *Unit, *Unit) {
	s := NewStore()
	g := NewGraph(s)
	a := New("a.service", unitname.Service)
	b := New("b.service", unitname.Service)
	s.AddName(a, "a.service")
	s.AddName(b, "b.service")
	return s, g, a, b
}

func TestAddDependencyBidirectional(t *testing.T) {
	_, g, a, b := mkpair()
	if err := g.AddDependency(a, b, RelRequires, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.HasEdge(a, RelRequires, b) {
		t.Fatal("expected a -requires-> b")
	}
	if !g.HasEdge(b, RelRequiredBy, a) {
		t.Fatal("expected inverse b -required-by-> a (I1)")
	}
}

func TestAddDependencySelfLoopNoop(t *testing.T) {
	_, g, a, _ := mkpair()
	if err := g.AddDependency(a, a, RelRequires, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Peers(RelRequires)) != 0 {
		t.Fatal("expected self-loop to be a no-op (I6)")
	}
}

func TestAddDependencyNoInverseForOnFailure(t *testing.T) {
	_, g, a, b := mkpair()
	if err := g.AddDependency(a, b, RelOnFailure, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.HasEdge(a, RelOnFailure, b) {
		t.Fatal("expected a -on-failure-> b")
	}
	for rel := range b.Edges {
		for peer := range b.Edges[rel] {
			if peer == a.ID {
				t.Fatalf("on-failure has no inverse, but found peer edge %s", rel)
			}
		}
	}
}

func TestAddDependencyWithReference(t *testing.T) {
	_, g, a, b := mkpair()
	if err := g.AddDependency(a, b, RelWants, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !g.HasEdge(a, RelReferences, b) || !g.HasEdge(b, RelReferencedBy, a) {
		t.Fatal("expected references/referenced-by pair to be added")
	}
}

func TestTransitiveClosure(t *testing.T) {
	s, g, a, b := mkpair()
	c := New("c.service", unitname.Service)
	s.AddName(c, "c.service")
	if err := g.AddDependency(a, b, RelRequires, false); err != nil {
		t.Fatal(err)
	}
	if err := g.AddDependency(b, c, RelRequires, false); err != nil {
		t.Fatal(err)
	}
	closure := g.TransitiveClosure(a, StartExpansionRelations)
	if len(closure) != 3 {
		t.Fatalf("expected closure of 3, got %d", len(closure))
	}
}

func TestMergeTransfersEdgesAndRewritesInverse(t *testing.T) {
	s, g, a, b := mkpair()
	stub := New("dbus.socket", unitname.Socket)
	s.AddName(stub, "dbus.socket")
	canon := New("messagebus.socket", unitname.Socket)
	s.AddName(canon, "messagebus.socket")

	if err := g.AddDependency(a, stub, RelRequires, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Merge(canon, stub, Inactive); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	g.TransferEdges(canon, stub)

	if !g.HasEdge(canon, RelRequiredBy, a) {
		t.Fatal("expected canonical unit to inherit the required-by back-edge")
	}
	_ = b
}
