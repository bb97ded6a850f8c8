package unit

import (
	"fmt"
	"os"

	"github.com/cuemby/unitd/pkg/unitname"
)

// Store is the canonical registry: name→unit map, per-type lists, and the
// four deduplicated work queues threaded through every unit (4.D, 4.I).
type Store struct {
	byName map[string]*Unit
	byType map[unitname.Type][]*Unit

	loadQueue    []*Unit
	gcQueue      []*Unit
	cleanupQueue []*Unit
	dbusQueue    []*Unit

	// dirCache caches the directory listing of each unit-search-path entry
	// so repeated fragment lookups (4.C path resolution) don't restat the
	// same directory. Keyed by directory path.
	dirCache map[string][]os.DirEntry
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byName:   make(map[string]*Unit),
		byType:   make(map[unitname.Type][]*Unit),
		dirCache: make(map[string][]os.DirEntry),
	}
}

// Get resolves a name to its unit, following merge forwarding.
func (s *Store) Get(name string) (*Unit, bool) {
	u, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return s.FollowMerge(u), true
}

// FollowMerge chases the merged_into chain to the canonical unit. Must be
// called before any operation that could otherwise observe u as distinct
// (4.D).
func (s *Store) FollowMerge(u *Unit) *Unit {
	seen := map[*Unit]bool{}
	for u.LoadState == LoadMerged && u.MergedInto != nil && !seen[u] {
		seen[u] = true
		u = u.MergedInto
	}
	return u
}

// AddName registers a new alias for u, or — if name already maps to a
// distinct stub/error unit of the same type/instanced-ness — returns that
// unit as a merge candidate without registering u under name. Per §7, a
// collision with a unit of a *different* type aborts with ErrNameCollision.
func (s *Store) AddName(u *Unit, name string) (*Unit, error) {
	existing, ok := s.byName[name]
	if !ok {
		s.register(u, name)
		return u, nil
	}
	existing = s.FollowMerge(existing)
	if existing == u {
		return u, nil
	}
	if existing.Type != u.Type {
		return nil, fmt.Errorf("unit: name %q: %w", name, ErrNameCollision)
	}
	if existing.LoadState != LoadStub && existing.LoadState != LoadError {
		return nil, fmt.Errorf("unit: name %q already owned by a loaded unit: %w", name, ErrNameCollision)
	}
	// existing is a merge candidate; the caller (loader) decides whether to
	// actually call Merge.
	return existing, nil
}

func (s *Store) register(u *Unit, name string) {
	s.byName[name] = u
	if !u.HasName(name) {
		u.Names = append(u.Names, name)
	}
	found := false
	for _, e := range s.byType[u.Type] {
		if e == u {
			found = true
			break
		}
	}
	if !found {
		s.byType[u.Type] = append(s.byType[u.Type], u)
	}
}

// ByType returns every unit of the given type.
func (s *Store) ByType(t unitname.Type) []*Unit {
	return append([]*Unit(nil), s.byType[t]...)
}

// All returns every distinct unit in the store (excluding the forwarding
// side of a merge, which is only reachable through byName).
func (s *Store) All() []*Unit {
	seen := map[*Unit]bool{}
	out := make([]*Unit, 0, len(s.byName))
	for _, u := range s.byName {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Merge collapses other into u per 4.D: moves every alias, transfers edges
// (caller supplies a Graph to do the inverse-respecting transfer; Store
// itself only performs the name-map and load-state bookkeeping), marks
// other merged, and enqueues it for cleanup.
//
// Preconditions (checked): same Type and instanced-ness, other is stub or
// error, other has no pending job, other is inactive-or-failed.
func (s *Store) Merge(u, other *Unit, otherActive ActiveState) error {
	if u == other {
		return nil
	}
	if u.Type != other.Type {
		return fmt.Errorf("unit: merge: type mismatch: %w", ErrNameCollision)
	}
	if (u.Instance == "") != (other.Instance == "") {
		return fmt.Errorf("unit: merge: instanced-ness mismatch")
	}
	if other.LoadState != LoadStub && other.LoadState != LoadError {
		return fmt.Errorf("unit: merge: other must be stub or error, was %s", other.LoadState)
	}
	if other.Job != nil {
		return fmt.Errorf("unit: merge: other has a pending job")
	}
	if otherActive != Inactive && otherActive != Failed {
		return fmt.Errorf("unit: merge: other must be inactive-or-failed, was %s", otherActive)
	}

	for _, name := range other.Names {
		s.byName[name] = u
		if !u.HasName(name) {
			u.Names = append(u.Names, name)
		}
	}
	other.Names = nil
	other.LoadState = LoadMerged
	other.MergedInto = u
	s.EnqueueCleanup(other)
	return nil
}

// --- Queue management (4.I): idempotent insertion via per-unit flags,
// mandatory removal on free. ---

func (s *Store) EnqueueLoad(u *Unit) {
	if u.Queues.InLoadQueue {
		return
	}
	u.Queues.InLoadQueue = true
	s.loadQueue = append(s.loadQueue, u)
}

func (s *Store) EnqueueGC(u *Unit) {
	if u.Queues.InGCQueue {
		return
	}
	u.Queues.InGCQueue = true
	s.gcQueue = append(s.gcQueue, u)
}

func (s *Store) EnqueueCleanup(u *Unit) {
	if u.Queues.InCleanupQueue {
		return
	}
	u.Queues.InCleanupQueue = true
	s.cleanupQueue = append(s.cleanupQueue, u)
}

func (s *Store) EnqueueDBus(u *Unit) {
	if u.Queues.InDBusQueue {
		return
	}
	u.Queues.InDBusQueue = true
	s.dbusQueue = append(s.dbusQueue, u)
}

// DrainLoadQueue removes and returns every queued unit, clearing membership.
func (s *Store) DrainLoadQueue() []*Unit { return drain(&s.loadQueue, func(u *Unit) { u.Queues.InLoadQueue = false }) }
func (s *Store) DrainGCQueue() []*Unit { return drain(&s.gcQueue, func(u *Unit) { u.Queues.InGCQueue = false }) }
func (s *Store) DrainCleanupQueue() []*Unit {
	return drain(&s.cleanupQueue, func(u *Unit) { u.Queues.InCleanupQueue = false })
}
func (s *Store) DrainDBusQueue() []*Unit { return drain(&s.dbusQueue, func(u *Unit) { u.Queues.InDBusQueue = false }) }

func drain(q *[]*Unit, clear func(*Unit)) []*Unit {
	out := *q
	*q = nil
	for _, u := range out {
		clear(u)
	}
	return out
}

// Free removes every trace of u from the store. Must only be called once
// u's back-references have all been retracted (the cleanup-queue's job).
func (s *Store) Free(u *Unit) {
	for _, name := range u.Names {
		if s.byName[name] == u {
			delete(s.byName, name)
		}
	}
	list := s.byType[u.Type]
	for i, e := range list {
		if e == u {
			s.byType[u.Type] = append(list[:i], list[i+1:]...)
			break
		}
	}
	for _, q := range []*[]*Unit{&s.loadQueue, &s.gcQueue, &s.cleanupQueue, &s.dbusQueue} {
		for i, e := range *q {
			if e == u {
				*q = append((*q)[:i], (*q)[i+1:]...)
				break
			}
		}
	}
	u.Queues = QueueFlags{}
}

// CachedReadDir returns (and memoizes) the directory listing of dir, for the
// fragment loader's unit-path search (4.C).
func (s *Store) CachedReadDir(dir string) ([]os.DirEntry, error) {
	if entries, ok := s.dirCache[dir]; ok {
		return entries, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	s.dirCache[dir] = entries
	return entries, nil
}

// InvalidateDirCache drops a cached directory listing, forcing a re-scan on
// next lookup.
func (s *Store) InvalidateDirCache(dir string) {
	delete(s.dirCache, dir)
}
