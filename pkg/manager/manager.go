// Package manager is the top-level composition root: it wires the unit
// store/graph, the job engine, the event loop, the fragment loader, mount
// table reconciliation, checkpoint handoff, and durable history into one
// running process. Adapted from Manager/Config/NewManager's composition
// shape in the original manager.go, with hashicorp/raft's Apply(log) single
// writer replaced by a direct method call from the event-loop goroutine —
// this system has no cluster membership, so there is nothing to replicate.
package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/unitd/pkg/checkpoint"
	"github.com/cuemby/unitd/pkg/config"
	"github.com/cuemby/unitd/pkg/dbusnotify"
	"github.com/cuemby/unitd/pkg/eventloop"
	"github.com/cuemby/unitd/pkg/fragment"
	"github.com/cuemby/unitd/pkg/historydb"
	"github.com/cuemby/unitd/pkg/job"
	"github.com/cuemby/unitd/pkg/log"
	"github.com/cuemby/unitd/pkg/metrics"
	"github.com/cuemby/unitd/pkg/mounttable"
	"github.com/cuemby/unitd/pkg/unit"
	"github.com/cuemby/unitd/pkg/unitname"
)

// Manager owns every long-lived component and is the single caller of
// mutating Store/Graph/Engine methods — all from the event-loop goroutine,
// per the single-threaded model (§5).
type Manager struct {
	cfg config.Config
	log zerolog.Logger

	store   *unit.Store
	graph   *unit.Graph
	jobs    *job.Engine
	machine *unit.Machine
	loop    *eventloop.Loop
	history *historydb.DB
	dbus    *dbusnotify.Emitter

	specifiers map[rune]string

	// pidOwners maps a running child's PID to the unit it belongs to, so
	// OnChildExit (keyed only by PID) can find the unit to notify.
	pidOwners map[int]*unit.Unit
}

// New builds a Manager from cfg, opening the history database and
// constructing (but not starting) every component.
func New(cfg config.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("manager: create data dir: %w", err)
	}

	hist, err := historydb.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("manager: open history db: %w", err)
	}

	store := unit.NewStore()
	graph := unit.NewGraph(store)

	hostname, _ := os.Hostname()

	m := &Manager{
		cfg:        cfg,
		log:        log.WithComponent("manager"),
		store:      store,
		graph:      graph,
		jobs:       job.NewEngine(store, graph),
		machine:    unit.NewMachine(),
		history:    hist,
		dbus:       dbusnotify.Connect(),
		specifiers: map[rune]string{'n': "", 'i': "", 't': "/run", 'H': hostname},
		pidOwners:  make(map[int]*unit.Unit),
	}

	m.loop = eventloop.New(eventloop.Handlers{
		OnChildExit: m.onChildExit,
		OnFDEvent:   m.onFDEvent,
		OnTimer:     m.onTimer,
		DrainLoad:   m.drainLoadQueue,
		DrainGC:     m.drainGCQueue,
		DrainDBus:   m.drainDBusQueue,
	})

	return m, nil
}

// Start begins the event loop. LoadAll reads fragments synchronously, before
// or after Start; the loop's load-queue drain only clears and logs the
// queue and reads no fragments.
func (m *Manager) Start() {
	m.loop.Start()
	metrics.RegisterComponent("eventloop", true, "running")
	metrics.RegisterComponent("historydb", true, "open")
	m.log.Info().Msg("manager started")
}

// Stop halts the event loop and closes the history database.
func (m *Manager) Stop() error {
	m.loop.Stop()
	metrics.UpdateComponent("eventloop", false, "stopped")
	_ = m.dbus.Close()
	metrics.UpdateComponent("historydb", false, "closed")
	return m.history.Close()
}

// Store and Graph expose the underlying model for the control API.
func (m *Manager) Store() *unit.Store { return m.store }
func (m *Manager) Graph() *unit.Graph { return m.graph }

// --- Loading ---

// LoadAll scans every directory in m.cfg.UnitPath, parsing and applying
// every fragment found, then resolves pending cross-unit edges in one
// closing pass (4.C/4.D: a dependency may name a unit not yet loaded when
// its own fragment is scanned).
func (m *Manager) LoadAll() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FragmentLoadDuration)

	var loaded []*unit.Unit
	for _, dir := range m.cfg.UnitPath {
		entries, err := m.store.CachedReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("manager: read unit path %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			u, err := m.loadFragment(filepath.Join(dir, entry.Name()), entry.Name())
			if err != nil {
				m.log.Error().Err(err).Str("file", entry.Name()).Msg("fragment load failed")
				continue
			}
			if u != nil {
				loaded = append(loaded, u)
			}
		}
	}

	for _, u := range loaded {
		if err := m.graph.ResolvePendingEdges(u, m.typeOfLoadedOrStub); err != nil {
			u.LoadState = unit.LoadError
			u.LoadError = err
			m.log.Error().Err(err).Str("unit", u.ID).Msg("dependency resolution failed")
		}
	}

	for _, u := range loaded {
		if u.Mount == nil {
			continue
		}
		if err := unit.AutoLinkMount(m.graph, m.store, u); err != nil {
			m.log.Error().Err(err).Str("unit", u.ID).Msg("mount auto-link failed")
		}
	}

	m.recomputeGaugesLocked()
	return nil
}

// loadFragment parses and applies a single fragment file, registering a new
// unit (or merging into an existing stub) in the store.
func (m *Manager) loadFragment(path, name string) (*unit.Unit, error) {
	t, err := fragment.TypeFromSuffix(name)
	if err != nil {
		return nil, nil // not a unit file; skip silently like systemd's loader
	}

	frag, err := fragment.ParseFile(path)
	if err != nil {
		return nil, err
	}

	fresh := unit.New(name, t)
	if parsed, perr := unitname.Parse(name, true); perr == nil {
		fresh.Instance = parsed.Instance
	}
	specifiers := m.specifiersFor(name, fresh.Instance)

	owner, err := m.store.AddName(fresh, name)
	if err != nil {
		return nil, err
	}
	if owner != fresh {
		// merge target: apply the fragment onto the pre-existing stub.
		fresh = owner
	}
	if t == unitname.Mount && fresh.Mount == nil {
		fresh.Mount = &unit.MountState{SubState: unit.MountDead}
	}
	fresh.FragmentPath = path
	if info, statErr := os.Stat(path); statErr == nil {
		fresh.FragmentMtime = info.ModTime()
	}

	if err := fragment.Apply(fresh, frag, specifiers); err != nil {
		fresh.LoadState = unit.LoadError
		fresh.LoadError = err
		return fresh, err
	}
	fresh.LoadState = unit.LoadLoaded
	return fresh, nil
}

// specifiersFor builds the full %-specifier table (4.C) for a unit named
// name with the given (already-parsed, still-escaped) instance string:
// %n full unit name, %N name with suffix stripped, %p template prefix,
// %P unescaped prefix, %i instance, %I unescaped instance, %f instance (or
// prefix, for non-templated units) as an absolute path. Base specifiers
// (%t, %H, ...) come from m.specifiers and are never overridden here.
func (m *Manager) specifiersFor(name, instance string) map[rune]string {
	specifiers := make(map[rune]string, len(m.specifiers)+6)
	for k, v := range m.specifiers {
		specifiers[k] = v
	}
	specifiers['n'] = name

	prefix, _, err := unitname.PrefixAndInstance(name)
	if err != nil {
		prefix, _ = unitname.Prefix(name)
	}
	specifiers['N'] = strings.TrimSuffix(name, filepath.Ext(name))
	specifiers['p'] = prefix
	specifiers['P'] = unitname.Unescape(prefix)
	specifiers['i'] = instance
	specifiers['I'] = unitname.Unescape(instance)
	if instance != "" {
		specifiers['f'] = unitname.Unescape(instance)
	} else {
		specifiers['f'] = unitname.Unescape(prefix)
	}
	return specifiers
}

// typeOfLoadedOrStub looks up a peer name's type by checking whether it is
// already loaded, falling back to its filename suffix (4.D: a dependency
// may name a unit not yet loaded, in which case only the suffix is known).
func (m *Manager) typeOfLoadedOrStub(name string) (unitname.Type, bool) {
	if u, ok := m.store.Get(name); ok {
		return u.Type, true
	}
	t, err := unitname.ToType(name)
	if err != nil {
		return "", false
	}
	return t, true
}

// --- Job control (the manager_add_job entry points) ---

// StartUnit, StopUnit, ReloadUnit, RestartUnit enqueue a job transaction
// against the named unit and immediately dispatch its first runnable step.
// Must be called from the event-loop goroutine (the control API hands these
// off via a channel into the loop; see pkg/api).
func (m *Manager) StartUnit(name string, mode unit.JobMode) (*job.Transaction, error) {
	return m.addJob(name, unit.JobStart, mode)
}

func (m *Manager) StopUnit(name string, mode unit.JobMode) (*job.Transaction, error) {
	return m.addJob(name, unit.JobStop, mode)
}

func (m *Manager) ReloadUnit(name string, mode unit.JobMode) (*job.Transaction, error) {
	return m.addJob(name, unit.JobReload, mode)
}

func (m *Manager) RestartUnit(name string, mode unit.JobMode) (*job.Transaction, error) {
	return m.addJob(name, unit.JobRestart, mode)
}

func (m *Manager) addJob(name string, jt unit.JobType, mode unit.JobMode) (*job.Transaction, error) {
	u, ok := m.store.Get(name)
	if !ok {
		return nil, fmt.Errorf("manager: unknown unit %q", name)
	}
	timer := metrics.NewTimer()
	tx, err := m.jobs.AddJob(u, jt, mode)
	timer.ObserveDuration(metrics.JobTransactionDuration)
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.WithLabelValues("job").Set(float64(len(tx.Order())))
	for _, ju := range tx.Order() {
		m.dispatch(ju)
	}
	return tx, nil
}

// dispatch runs u's pending job's mechanic (mount start/stop/reload) and
// arms its timeout deadline; completion arrives asynchronously via
// onChildExit/Notify.
func (m *Manager) dispatch(u *unit.Unit) {
	if u.Job == nil {
		return
	}
	var err error
	switch u.Job.Type {
	case unit.JobStart, unit.JobRestart, unit.JobReloadOrStart, unit.JobTryRestart:
		err = u.StartUnit(m.machine)
	case unit.JobStop:
		err = u.StopUnit(m.machine)
	case unit.JobReload:
		err = u.ReloadUnit(m.machine)
	case unit.JobVerifyActive:
		// no mechanic to run; completion is judged purely on current state.
	}
	if err != nil {
		m.log.Warn().Err(err).Str("unit", u.ID).Msg("job dispatch failed")
		return
	}
	if u.Mount != nil {
		if pid := u.Mount.PID(); pid != 0 {
			m.pidOwners[pid] = u
		}
		if d := u.Mount.Deadline(); !d.IsZero() {
			m.loop.Arm(u.ID, d)
		}
	}
}

// --- Event loop handlers ---

func (m *Manager) onChildExit(e eventloop.ChildExit) {
	u, ok := m.pidOwners[e.PID]
	if !ok {
		return
	}
	delete(m.pidOwners, e.PID)
	if u.Mount == nil {
		return
	}
	m.loop.Disarm(u.ID)

	op := "unknown"
	if u.Job != nil {
		op = string(u.Job.Type)
	}
	old := u.ActiveStateCached
	timer := metrics.NewTimer()
	m.machine.OnChildExit(u.Mount, e.Status == 0, u.Mount.IsMounted)
	metrics.MountOperationDuration.WithLabelValues(op).Observe(timer.Duration().Seconds())
	u.Notify(m.store, m, old, u.Mount.SubState.ActiveState(), u.Job != nil)
}

func (m *Manager) onFDEvent(eventloop.FDEvent) {
	// Control API connections and the D-Bus-equivalent notify socket are
	// owned by pkg/api; nothing in the core model reacts to raw fd
	// readiness directly.
}

func (m *Manager) onTimer(unitID string) {
	u, ok := m.store.Get(unitID)
	if !ok || u.Mount == nil {
		return
	}
	var h unit.Handle
	old := u.ActiveStateCached
	abandoned := m.machine.OnTimeout(u.Mount, h, u.Mount.IsMounted)
	metrics.MountEscalationsTotal.WithLabelValues(string(u.Mount.SubState)).Inc()
	if d := u.Mount.Deadline(); !abandoned && !d.IsZero() {
		m.loop.Arm(u.ID, d)
	}
	u.Notify(m.store, m, old, u.Mount.SubState.ActiveState(), u.Job != nil)
}

func (m *Manager) drainLoadQueue() {
	units := m.store.DrainLoadQueue()
	for _, u := range units {
		m.log.Debug().Str("unit", u.ID).Msg("load queue drained")
	}
}

func (m *Manager) drainGCQueue() {
	for _, u := range m.store.DrainGCQueue() {
		if !u.CheckGC(m.store) {
			m.graph.RemoveUnit(u)
			m.store.Free(u)
		}
	}
}

func (m *Manager) drainDBusQueue() {
	for _, u := range m.store.DrainDBusQueue() {
		if err := m.dbus.PropertiesChanged(u.ID, []string{"ActiveState", "LoadState", "SubState"}); err != nil {
			m.log.Warn().Err(err).Str("unit", u.ID).Msg("dbus signal emission failed")
		}
	}
}

func (m *Manager) recomputeGaugesLocked() {
	byState := map[string]map[unit.LoadState]int{}
	for _, u := range m.store.All() {
		if byState[string(u.Type)] == nil {
			byState[string(u.Type)] = map[unit.LoadState]int{}
		}
		byState[string(u.Type)][u.LoadState]++
	}
	metrics.UnitsTotal.Reset()
	for t, states := range byState {
		for state, n := range states {
			metrics.UnitsTotal.WithLabelValues(t, string(state)).Set(float64(n))
		}
	}
}

// --- NotifyHooks ---

func (m *Manager) JobFinishAndInvalidate(u *unit.Unit, outcome unit.JobOutcome) {
	if u.Job == nil {
		return
	}
	rec := historydb.JobRecord{
		ID:         u.Job.ID,
		UnitID:     u.ID,
		Type:       u.Job.Type,
		Mode:       u.Job.Mode,
		Outcome:    outcome,
		FinishedAt: time.Now(),
	}
	if err := m.history.RecordJob(rec); err != nil {
		m.log.Error().Err(err).Msg("failed to record job history")
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(u.Job.Type), outcomeLabel(outcome)).Inc()
	u.Job = nil
}

func (m *Manager) RetroactiveAction(u *unit.Unit, newState unit.ActiveState) {
	m.log.Debug().Str("unit", u.ID).Str("state", string(newState)).Msg("retroactive state change")
}

func (m *Manager) OnFailureTriggered(u *unit.Unit) {
	if err := m.history.RecordFailure(historydb.FailureRecord{UnitID: u.ID, At: time.Now(), Reason: "entered failed state"}); err != nil {
		m.log.Error().Err(err).Msg("failed to record failure history")
	}
	for peerID := range u.Edges[unit.RelOnFailure] {
		if peer, ok := m.store.Get(peerID); ok {
			if _, err := m.addJob(peer.ID, unit.JobStart, unit.ModeReplace); err != nil {
				m.log.Error().Err(err).Str("unit", peer.ID).Msg("OnFailure trigger failed")
			}
		}
	}
}

func outcomeLabel(o unit.JobOutcome) string {
	if o == unit.JobDone {
		return "done"
	}
	return "failed"
}

// --- Mount table reconciliation ---

// ReconcileMountTable parses /proc/self/mountinfo and updates every mount
// unit's IsMounted flag accordingly, then re-notifies every mount unit,
// whether or not its sub-state changed (4.F.3/4.K).
func (m *Manager) ReconcileMountTable() error {
	rows, err := mounttable.ReadProc()
	if err != nil {
		return err
	}
	before := map[string]unit.MountSubState{}
	for _, u := range m.store.ByType(unitname.Mount) {
		if u.Mount != nil {
			before[u.ID] = u.Mount.SubState
		}
	}
	mounttable.Reconcile(rows, m.store, m.graph, m.machine)
	for _, u := range m.store.ByType(unitname.Mount) {
		if u.Mount == nil {
			continue
		}
		old := before[u.ID].ActiveState()
		u.Notify(m.store, m, old, u.Mount.SubState.ActiveState(), false)
	}
	return nil
}

// --- Re-exec checkpoint ---

// Checkpoint serializes every unit's timestamps and job-relevant properties
// for a re-exec handoff (§6).
func (m *Manager) Checkpoint(w *checkpoint.Writer) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CheckpointDuration)

	epoch := time.Unix(0, 0)
	for _, u := range m.store.All() {
		fields := checkpoint.Fields{UnitName: u.ID}
		fields.Add("load-state", string(u.LoadState))
		fields.Add("active-state-cached", string(u.ActiveStateCached))
		if u.Job != nil {
			fields.Add("job-type", string(u.Job.Type))
		}
		fields.Add("inactive-exit", checkpoint.SerializeTimestamp(0, u.Timestamps.InactiveExit.Sub(epoch)))
		fields.Add("active-enter", checkpoint.SerializeTimestamp(0, u.Timestamps.ActiveEnter.Sub(epoch)))
		fields.Add("active-exit", checkpoint.SerializeTimestamp(0, u.Timestamps.ActiveExit.Sub(epoch)))
		fields.Add("inactive-enter", checkpoint.SerializeTimestamp(0, u.Timestamps.InactiveEnter.Sub(epoch)))
		if err := w.WriteUnit(fields); err != nil {
			return err
		}
	}
	return nil
}
