package unit

import (
	"context"
	"time"
)

func noopCtx() context.Context { return context.Background() }

// JobOutcome is passed to NotifyHooks.JobFinishAndInvalidate when a state
// change finishes or contradicts the unit's pending job.
type JobOutcome int

const (
	JobDone JobOutcome = iota
	JobFailed
)

// NotifyHooks lets the job engine and GC/D-Bus queues react to a sub-state
// transition without pkg/unit importing pkg/job (which would cycle, since
// the job engine needs *Unit). The manager wires a concrete NotifyHooks at
// startup; see pkg/manager.
type NotifyHooks interface {
	// JobFinishAndInvalidate is called when this change finishes or
	// contradicts u's pending job.
	JobFinishAndInvalidate(u *Unit, outcome JobOutcome)
	// RetroactiveAction is called when the change was not caused by a job
	// (4.F.1 step 3 / 4.G "Retroactive coupling").
	RetroactiveAction(u *Unit, newState ActiveState)
	// OnFailureTriggered is called when u enters failed (step 4).
	OnFailureTriggered(u *Unit)
}

func category(s ActiveState) string {
	switch s {
	case Active, Reloading:
		return "active"
	case Inactive, Failed:
		return "inactive"
	default:
		return "transitional"
	}
}

// Notify implements 4.F.1's shared notify(old, new, reload_ok), called on
// every sub-state change including old==new. causedByJob tells step 3
// whether this change satisfies the currently pending job (if any).
func (u *Unit) Notify(s *Store, hooks NotifyHooks, old, new ActiveState, causedByJob bool) {
	now := time.Now()

	oldCat, newCat := category(old), category(new)
	if oldCat != newCat {
		switch {
		case newCat == "active" && oldCat != "active":
			u.Timestamps.InactiveExit = now
			u.Timestamps.ActiveEnter = now
		case newCat == "inactive" && oldCat == "active":
			u.Timestamps.ActiveExit = now
			u.Timestamps.InactiveEnter = now
		case newCat == "transitional" && oldCat == "inactive":
			u.Timestamps.InactiveExit = now
		case newCat == "transitional" && oldCat == "active":
			u.Timestamps.ActiveExit = now
		}
	}

	if u.Job != nil && hooks != nil {
		if jobSatisfiedBy(u.Job, new) {
			hooks.JobFinishAndInvalidate(u, JobDone)
		} else if jobContradictedBy(u.Job, new) {
			hooks.JobFinishAndInvalidate(u, JobFailed)
		}
	}

	if !causedByJob && hooks != nil {
		hooks.RetroactiveAction(u, new)
	}

	if new == Failed && hooks != nil {
		hooks.OnFailureTriggered(u)
	}

	if (new == Active || new == Reloading) && u.Policy.StopWhenUnneeded {
		if !anyActiveRequirer(s, u) {
			// The caller (job engine) is responsible for actually enqueuing
			// the stop job; Notify only flags the need via the GC queue,
			// mirroring check_unneeded's deferral to the next GC pass.
			s.EnqueueGC(u)
		}
	}

	s.EnqueueDBus(u)
	s.EnqueueGC(u)

	u.ActiveStateCached = new
}

func jobSatisfiedBy(j *Job, new ActiveState) bool {
	switch j.Type {
	case JobStart, JobReloadOrStart, JobTryRestart, JobRestart:
		return new == Active || new == Reloading
	case JobStop:
		return new == Inactive || new == Failed
	case JobReload:
		return new == Active
	case JobVerifyActive:
		return new == Active
	}
	return false
}

func jobContradictedBy(j *Job, new ActiveState) bool {
	switch j.Type {
	case JobStart, JobReloadOrStart, JobRestart, JobTryRestart:
		return new == Inactive || new == Failed
	case JobStop:
		return new == Active
	case JobReload:
		return new == Inactive || new == Failed
	}
	return false
}

// anyActiveRequirer reports whether some unit that requires/wants/binds-to u
// is currently active, used by check_unneeded (4.F.1 step 6).
func anyActiveRequirer(s *Store, u *Unit) bool {
	for _, rel := range []Relation{RelRequiredBy, RelRequiredByOverridable, RelWantedBy, RelBoundBy} {
		for peerID := range u.Edges[rel] {
			if peer, ok := s.Get(peerID); ok {
				if peer.ActiveStateCached == Active || peer.ActiveStateCached == Reloading {
					return true
				}
			}
		}
	}
	return false
}

// StartUnit implements start(u) for a mount unit: it returns
// ErrAlreadyInProgress while u is activating, active or reloading,
// ErrBadRequest when u has no mount payload, and otherwise returns what
// Machine.Start returns. It evaluates none of u's Conditions and does not
// forward the request to any other unit.
func (u *Unit) StartUnit(m *Machine) error {
	switch u.ActiveStateCached {
	case Activating, Active, Reloading:
		return ErrAlreadyInProgress
	}
	if u.Mount == nil {
		return ErrBadRequest
	}
	return m.Start(noopCtx(), u.Mount)
}

// StopUnit implements stop(u); inactive-or-failed is the idempotent case.
func (u *Unit) StopUnit(m *Machine) error {
	switch u.ActiveStateCached {
	case Inactive, Failed:
		return ErrAlready
	}
	if u.Mount == nil {
		return ErrBadRequest
	}
	return m.Stop(noopCtx(), u.Mount)
}

// ReloadUnit implements reload(u): requires loaded, can_reload, and active.
func (u *Unit) ReloadUnit(m *Machine) error {
	if u.LoadState != LoadLoaded {
		return ErrNoExec
	}
	if u.ActiveStateCached != Active {
		return ErrBadRequest
	}
	if u.Mount == nil {
		return ErrBadRequest
	}
	return m.Reload(noopCtx(), u.Mount)
}

// KillWho / KillMode implement the kill(u, who, mode, signo) contract (4.F.2).
// KillMode and its none/control-group/process values are declared in exec.go.
type KillWho string

const (
	KillMain         KillWho = "main"
	KillControl      KillWho = "control"
	KillAll          KillWho = "all"
	KillProcessGroup KillMode = "process-group"
)

// CheckGC implements check_gc: a unit survives GC if it has an active
// state, a pending job, or an essential back-link; it's collected otherwise.
func (u *Unit) CheckGC(s *Store) (survive bool) {
	if u.ActiveStateCached != Inactive && u.ActiveStateCached != Failed {
		return true
	}
	if u.Job != nil {
		return true
	}
	for _, rel := range []Relation{RelRequiredBy, RelRequiredByOverridable, RelWantedBy, RelBoundBy, RelReferencedBy} {
		if len(u.Edges[rel]) > 0 {
			return true
		}
	}
	return false
}
