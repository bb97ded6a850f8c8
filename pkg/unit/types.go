// Package unit implements the unit model: the canonical registry (Store),
// the bidirectional dependency graph, and the per-type state machines driven
// by the job engine and event loop. It is the data core the rest of the
// manager is built around.
package unit

import (
	"time"

	"github.com/cuemby/unitd/pkg/condition"
	"github.com/cuemby/unitd/pkg/unitname"
)

// LoadState mirrors the spec's stub/loaded/error/merged/masked states.
type LoadState string

const (
	LoadStub   LoadState = "stub"
	LoadLoaded LoadState = "loaded"
	LoadError  LoadState = "error"
	LoadMerged LoadState = "merged"
	LoadMasked LoadState = "masked"
)

// ActiveState is derived from the per-type sub-state via a translation
// table (see MountSubState.ActiveState).
type ActiveState string

const (
	Inactive     ActiveState = "inactive"
	Activating   ActiveState = "activating"
	Active       ActiveState = "active"
	Reloading    ActiveState = "reloading"
	Deactivating ActiveState = "deactivating"
	Failed       ActiveState = "failed"
)

// Relation enumerates the 17 typed dependency relations.
type Relation string

const (
	RelRequires               Relation = "requires"
	RelRequiresOverridable     Relation = "requires-overridable"
	RelWants                  Relation = "wants"
	RelRequisite              Relation = "requisite"
	RelRequisiteOverridable    Relation = "requisite-overridable"
	RelBindTo                 Relation = "bind-to"
	RelRequiredBy             Relation = "required-by"
	RelRequiredByOverridable   Relation = "required-by-overridable"
	RelWantedBy                Relation = "wanted-by"
	RelBoundBy                Relation = "bound-by"
	RelConflicts              Relation = "conflicts"
	RelConflictedBy           Relation = "conflicted-by"
	RelBefore                 Relation = "before"
	RelAfter                  Relation = "after"
	RelReferences             Relation = "references"
	RelReferencedBy           Relation = "referenced-by"
	RelOnFailure               Relation = "on-failure"
)

// Inverse is the fixed (relation, inverse) table from 4.E. A zero value
// means the relation has no declared inverse.
var Inverse = map[Relation]Relation{
	RelRequires:             RelRequiredBy,
	RelRequiresOverridable:  RelRequiredByOverridable,
	RelWants:                RelWantedBy,
	RelRequisite:            RelRequiredBy,
	RelRequisiteOverridable: RelRequiredByOverridable,
	RelBindTo:               RelBoundBy,
	RelBoundBy:              RelBindTo,
	RelConflicts:            RelConflictedBy,
	RelConflictedBy:         RelConflicts,
	RelBefore:               RelAfter,
	RelAfter:                RelBefore,
	RelReferences:           RelReferencedBy,
	RelReferencedBy:         RelReferences,
	// RelOnFailure, RelRequiredBy, RelRequiredByOverridable, RelWantedBy: no inverse.
}

// StartExpansionRelations are walked when expanding a start-like job's
// transitive requirement closure (4.G step 1).
var StartExpansionRelations = []Relation{
	RelRequires, RelRequiresOverridable, RelWants, RelBindTo,
	RelRequisite, RelRequisiteOverridable,
}

// Timestamps holds the four housekeeping timestamps plus the condition-check
// time, all monotonic-clock reads in this implementation (the spec's
// wall/monotonic pair collapses to time.Time since the checkpoint format is
// the only consumer of the raw microsecond pair, handled in pkg/checkpoint).
type Timestamps struct {
	InactiveExit  time.Time
	ActiveEnter   time.Time
	ActiveExit    time.Time
	InactiveEnter time.Time
	ConditionCheck time.Time
}

// Policy bits, see Unit doc.
type Policy struct {
	StopWhenUnneeded    bool
	RefuseManualStart   bool
	RefuseManualStop    bool
	AllowIsolate        bool
	DefaultDependencies bool
	OnFailureIsolate    bool
	IgnoreOnIsolate     bool
	IgnoreOnSnapshot    bool
}

// QueueFlags tracks idempotent membership in the four work queues (4.I).
type QueueFlags struct {
	InLoadQueue    bool
	InGCQueue      bool
	InCleanupQueue bool
	InDBusQueue    bool
}

// Unit is the universal resource record (§3).
type Unit struct {
	ID    string // primary name; ID ∈ Names
	Names []string

	Type     unitname.Type
	Instance string // "" unless this is an instantiated name

	LoadState   LoadState
	LoadError   error // set iff LoadState == LoadError
	MergedInto  *Unit // set iff LoadState == LoadMerged

	ActiveStateCached ActiveState // set by Notify; not authoritative

	// Edges[K] is the set of peer unit IDs this unit holds relation K to.
	Edges map[Relation]map[string]bool

	Job *Job // at most one pending job (I2)

	Timestamps Timestamps

	FragmentPath  string
	FragmentMtime time.Time
	Description   string
	Conditions    []condition.Condition

	Policy Policy
	Queues QueueFlags

	// Payload holds the per-type state (e.g. *MountState). Exactly one
	// field is meaningful per Type.
	Mount *MountState

	// Exec carries the typed execution directives (4.C) for any unit type
	// whose fragment declares a [Service]/[Socket] section. No state
	// machine in this tree drives it yet (only mount is fully implemented,
	// 4.F.3) but the value is retained rather than parsed-and-dropped.
	Exec *ExecContext

	// PendingEdges holds relation directives the fragment loader has parsed
	// but not yet resolved to a peer Unit (the peer may not be loaded yet).
	// The loader drains this via ResolvePendingEdges once every fragment in
	// a batch has been scanned.
	PendingEdges []PendingEdge
}

// PendingEdge is one unresolved "Key=PeerName" directive found by the
// fragment parser (4.C), awaiting resolution against a Store (4.D).
type PendingEdge struct {
	Relation Relation
	PeerName string
}

// New creates a fresh stub unit identified by id. The caller is responsible
// for registering it with a Store via Store.AddName.
func New(id string, t unitname.Type) *Unit {
	return &Unit{
		ID:        id,
		Names:     []string{id},
		Type:      t,
		LoadState: LoadStub,
		Edges:     make(map[Relation]map[string]bool),
	}
}

// HasName reports whether n is one of this unit's aliases.
func (u *Unit) HasName(n string) bool {
	for _, name := range u.Names {
		if name == n {
			return true
		}
	}
	return false
}

// addEdge inserts u -K-> peerID into this unit's edge set. It does not
// maintain the inverse; callers use Graph.AddDependency for that.
func (u *Unit) addEdge(k Relation, peerID string) {
	if u.Edges[k] == nil {
		u.Edges[k] = make(map[string]bool)
	}
	u.Edges[k][peerID] = true
}

func (u *Unit) removeEdge(k Relation, peerID string) {
	if set, ok := u.Edges[k]; ok {
		delete(set, peerID)
	}
}

// Peers returns the (unsorted) list of unit IDs u holds relation k to.
func (u *Unit) Peers(k Relation) []string {
	set := u.Edges[k]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
