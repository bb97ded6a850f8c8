// Package job implements the job engine (4.G): enqueueing, merging,
// ordering, and completing work items against the unit store's dependency
// graph. The transaction/expand/commit-or-reject shape is grounded on
// pkg/scheduler's desired-vs-actual reconciliation in the teacher, and the
// run-order derivation walks the graph's before/after edges directly.
package job

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cuemby/unitd/pkg/log"
	"github.com/cuemby/unitd/pkg/unit"
)

// Engine owns job ID allocation and the transaction algorithm. It does not
// own the event loop; Commit is called from the single event-loop goroutine
// (§5), so Engine itself needs no internal locking beyond the ID counter,
// which callers outside that goroutine (the control API) may also touch.
type Engine struct {
	store *unit.Store
	graph *unit.Graph
	log   zerolog.Logger

	mu     sync.Mutex
	nextID uint64
}

// NewEngine binds an Engine to the given store/graph.
func NewEngine(s *unit.Store, g *unit.Graph) *Engine {
	return &Engine{store: s, graph: g, log: log.WithComponent("job")}
}

func (e *Engine) allocID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}

// pair is one (unit, job-type) entry of a transaction, per 4.G step 1.
type pair struct {
	u  *unit.Unit
	jt unit.JobType
}

// Transaction is the set of (unit, job-type) pairs produced by requirement
// expansion, plus the run-order derived from before/after.
type Transaction struct {
	pairs []pair
	order []*unit.Unit // run order, before-units first
}

// Order returns the transaction's units in run order (before-units first),
// for the manager to dispatch jobs one at a time.
func (tx *Transaction) Order() []*unit.Unit { return tx.order }

// startsLike are the job types whose enqueue expands transitive
// requirements (4.G step 1); stop/reload do not pull in new units.
func startsLike(jt unit.JobType) bool {
	switch jt {
	case unit.JobStart, unit.JobRestart, unit.JobReloadOrStart, unit.JobTryRestart:
		return true
	}
	return false
}

// Expand builds the transaction for a single top-level (target, jt, mode)
// request, per 4.G step 1–3.
func (e *Engine) Expand(target *unit.Unit, jt unit.JobType, mode unit.JobMode) (*Transaction, error) {
	tx := &Transaction{}

	if mode == unit.ModeIgnoreRequirements || !startsLike(jt) {
		tx.pairs = []pair{{target, jt}}
		tx.order = []*unit.Unit{target}
		return tx, nil
	}

	closure := e.graph.TransitiveClosure(target, unit.StartExpansionRelations)

	if mode == unit.ModeIsolate {
		if !target.Policy.AllowIsolate {
			return nil, fmt.Errorf("job: isolate mode requires allow_isolate on %s", target.ID)
		}
		inClosure := lo.Map(closure, func(u *unit.Unit, _ int) string { return u.ID })
		inClosureSet := lo.SliceToMap(inClosure, func(id string) (string, bool) { return id, true })

		for _, u := range e.store.All() {
			if u.ActiveStateCached != unit.Active && u.ActiveStateCached != unit.Reloading {
				continue
			}
			if inClosureSet[u.ID] {
				continue
			}
			tx.pairs = append(tx.pairs, pair{u, unit.JobStop})
		}
	}

	for _, u := range closure {
		want := jt
		if u != target {
			want = unit.JobStart
		}
		tx.pairs = append(tx.pairs, pair{u, want})
	}

	if err := checkContradictions(tx); err != nil {
		return nil, err
	}
	tx.order = deriveOrder(tx)
	e.log.Debug().Str("target", target.ID).Int("units", len(tx.pairs)).Msg("transaction expanded")
	return tx, nil
}

// checkContradictions implements 4.G step 2: a start and a stop on the same
// unit within one transaction is a contradiction.
func checkContradictions(tx *Transaction) error {
	want := map[string]unit.JobType{}
	for _, p := range tx.pairs {
		if existing, ok := want[p.u.ID]; ok && conflictingTypes(existing, p.jt) {
			return fmt.Errorf("job: transaction contradiction on %s: %s vs %s", p.u.ID, existing, p.jt)
		}
		want[p.u.ID] = p.jt
	}
	return nil
}

func conflictingTypes(a, b unit.JobType) bool {
	isStop := func(t unit.JobType) bool { return t == unit.JobStop }
	isStart := func(t unit.JobType) bool {
		return t == unit.JobStart || t == unit.JobRestart || t == unit.JobReloadOrStart
	}
	return (isStop(a) && isStart(b)) || (isStart(a) && isStop(b))
}

// deriveOrder implements step 3: a simple topological sort over the
// transaction's units using the before/after edges restricted to units
// inside the transaction.
func deriveOrder(tx *Transaction) []*unit.Unit {
	units := lo.Map(tx.pairs, func(p pair, _ int) *unit.Unit { return p.u })
	inTx := lo.SliceToMap(units, func(u *unit.Unit) (string, bool) { return u.ID, true })

	visited := map[string]bool{}
	var order []*unit.Unit
	var visit func(u *unit.Unit)
	visit = func(u *unit.Unit) {
		if visited[u.ID] {
			return
		}
		visited[u.ID] = true
		for peerID := range u.Edges[unit.RelAfter] {
			if !inTx[peerID] {
				continue
			}
			if peer := findByID(units, peerID); peer != nil {
				visit(peer)
			}
		}
		order = append(order, u)
	}
	for _, u := range units {
		visit(u)
	}
	return order
}

func findByID(units []*unit.Unit, id string) *unit.Unit {
	for _, u := range units {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// Commit installs the transaction's jobs onto their units, applying
// replace/fail semantics. Must run on the event-loop goroutine.
func (e *Engine) Commit(tx *Transaction, mode unit.JobMode) error {
	if mode == unit.ModeFail {
		for _, p := range tx.pairs {
			if p.u.Job != nil {
				return fmt.Errorf("job: unit %s already has a pending job, fail-mode refuses", p.u.ID)
			}
		}
	}

	for _, p := range tx.pairs {
		if p.u.Job != nil {
			// replace (or isolate, which behaves like replace per-unit):
			// drop the existing job first.
			p.u.Job = nil
		}
		id := e.allocID()
		p.u.Job = &unit.Job{
			ID:     id,
			Type:   p.jt,
			Mode:   mode,
			State:  unit.JobWaiting,
			Target: p.u,
		}
		e.log.Info().Uint64("job_id", id).Str("unit", p.u.ID).Str("type", string(p.jt)).Msg("job queued")
	}
	return nil
}

// AddJob is the manager_add_job(type, unit, mode, force, …) entry point:
// expand, check, and commit in one call.
func (e *Engine) AddJob(target *unit.Unit, jt unit.JobType, mode unit.JobMode) (*Transaction, error) {
	tx, err := e.Expand(target, jt, mode)
	if err != nil {
		return nil, err
	}
	if err := e.Commit(tx, mode); err != nil {
		return nil, err
	}
	return tx, nil
}
