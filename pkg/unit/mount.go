package unit

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/unitd/pkg/unitname"
)

// MountSubState enumerates the mount unit's type-specific sub-states
// (4.F.3). ActiveState is derived from these via subStateActiveState.
type MountSubState string

const (
	MountDead              MountSubState = "dead"
	MountMounting          MountSubState = "mounting"
	MountMountingDone      MountSubState = "mounting-done"
	MountMounted           MountSubState = "mounted"
	MountRemounting        MountSubState = "remounting"
	MountUnmounting        MountSubState = "unmounting"
	MountMountingSigterm   MountSubState = "mounting-sigterm"
	MountMountingSigkill   MountSubState = "mounting-sigkill"
	MountRemountingSigterm MountSubState = "remounting-sigterm"
	MountRemountingSigkill MountSubState = "remounting-sigkill"
	MountUnmountingSigterm MountSubState = "unmounting-sigterm"
	MountUnmountingSigkill MountSubState = "unmounting-sigkill"
	MountFailed            MountSubState = "failed"
)

// subStateActiveState is the fixed translation table from mount sub-state to
// the generic active_state (4.F.1).
var subStateActiveState = map[MountSubState]ActiveState{
	MountDead:              Inactive,
	MountMounting:          Activating,
	MountMountingDone:      Activating,
	MountMounted:           Active,
	MountRemounting:        Reloading,
	MountUnmounting:        Deactivating,
	MountMountingSigterm:   Activating,
	MountMountingSigkill:   Activating,
	MountRemountingSigterm: Reloading,
	MountRemountingSigkill: Reloading,
	MountUnmountingSigterm: Deactivating,
	MountUnmountingSigkill: Deactivating,
	MountFailed:            Failed,
}

// ActiveState translates a mount sub-state to the generic active_state.
func (s MountSubState) ActiveState() ActiveState {
	if as, ok := subStateActiveState[s]; ok {
		return as
	}
	return Inactive
}

// PID returns the currently tracked child PID (0 if none is running), for
// the manager to map an OnChildExit notification back to its unit.
func (ms *MountState) PID() int { return ms.pid }

// Deadline returns the currently armed timeout deadline, for the manager to
// arm the event loop's timer heap.
func (ms *MountState) Deadline() time.Time { return ms.deadline }

// Default timeouts, taken from original_source/src/mount.c's
// DEFAULT_TIMEOUT_USEC rather than invented: 90 seconds for mount, remount
// and unmount operations alike.
const DefaultMountTimeout = 90 * time.Second

// MountParams is the per-type fragment payload for a mount unit (What,
// Where, Type, Options, plus the behavioral knobs consulted by 4.F.4's
// automatic-linking pass).
type MountParams struct {
	What    string // device/source
	Where   string // mount point
	FSType  string
	Options string // comma-separated mount options
	NoAuto  bool
	NoFail  bool
	FsckPassNo int
}

// MountState is the mount unit's runtime payload: current sub-state, the
// out-of-band flags the mount-table reconciliation pass (4.F.3/4.K)
// maintains, the spawned child's PID, and the armed timeout deadline.
type MountState struct {
	Params MountParams

	SubState MountSubState

	// Flags set by the mount-table reader on each reconciliation pass.
	IsMounted  bool
	JustMounted bool
	JustChanged bool

	pid        int
	cmd        *exec.Cmd
	deadline   time.Time
	sigkillSet bool // send_sigkill exec-context knob
}

// Spawner abstracts the external mount(8)/umount(8) invocation so tests
// never fork real processes. Grounded on pkg/worker/worker.go's
// executeContainer pull/create/start indirection, generalized from
// container-runtime calls to the two mount tools this unit type spawns.
type Spawner interface {
	// Start launches the tool for the given operation ("mount", "umount",
	// "remount") against params, returning a handle whose Wait blocks until
	// the child exits. Signal delivers SIGTERM/SIGKILL to the running child.
	Start(ctx context.Context, op string, params MountParams) (Handle, error)
}

// Handle is a running external tool invocation.
type Handle interface {
	Wait() error
	Signal(sig syscall.Signal) error
	PID() int
}

// ExecSpawner is the real Spawner, shelling out to mount(8)/umount(8) via
// os/exec — the narrow exec_spawn contract named out of scope in §1; this is
// the one concrete instance the mount unit needs directly, everything else
// (cgroup bonding, credential setup) stays a named external collaborator.
type ExecSpawner struct{}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Wait() error { return h.cmd.Wait() }
func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
func (h *execHandle) Signal(sig syscall.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("mount: no running process")
	}
	return h.cmd.Process.Signal(sig)
}

// Start implements Spawner.
func (ExecSpawner) Start(ctx context.Context, op string, p MountParams) (Handle, error) {
	var cmd *exec.Cmd
	switch op {
	case "mount":
		args := []string{"-t", p.FSType, p.What, p.Where}
		if p.Options != "" {
			args = append([]string{"-o", p.Options}, args...)
		}
		cmd = exec.CommandContext(ctx, "mount", args...)
	case "remount":
		opts := "remount"
		if p.Options != "" {
			opts = "remount," + p.Options
		}
		cmd = exec.CommandContext(ctx, "mount", "-o", opts, p.Where)
	case "umount":
		cmd = exec.CommandContext(ctx, "umount", p.Where)
	default:
		return nil, fmt.Errorf("mount: unknown operation %q", op)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mount: spawn %s: %w", op, err)
	}
	return &execHandle{cmd: cmd}, nil
}

// Machine drives the mount unit's state machine. It holds no goroutines of
// its own: Start/Stop/Reload arm a child process and a timeout deadline, and
// the event loop (pkg/eventloop) calls OnChildExit/OnTimeout/Reconcile as
// the corresponding events arrive — keeping every suspension point an
// explicit return, per §5.
type Machine struct {
	Spawner Spawner
}

// NewMachine returns a Machine backed by the real mount(8)/umount(8) tools.
func NewMachine() *Machine { return &Machine{Spawner: ExecSpawner{}} }

// Start implements the dead|failed --start--> mounting transition.
func (m *Machine) Start(ctx context.Context, ms *MountState) error {
	switch ms.SubState {
	case MountMounting, MountMountingDone, MountRemounting, MountMountingSigterm, MountMountingSigkill, MountRemountingSigterm, MountRemountingSigkill:
		return ErrAlreadyInProgress
	case MountMounted:
		return ErrAlready
	}
	h, err := m.Spawner.Start(ctx, "mount", ms.Params)
	if err != nil {
		ms.SubState = MountFailed
		return err
	}
	ms.pid = h.PID()
	ms.deadline = time.Now().Add(DefaultMountTimeout)
	ms.SubState = MountMounting
	return nil
}

// Stop implements mounted --stop--> unmounting.
func (m *Machine) Stop(ctx context.Context, ms *MountState) error {
	switch ms.SubState {
	case MountDead, MountFailed:
		return ErrAlready
	case MountUnmounting, MountUnmountingSigterm, MountUnmountingSigkill:
		return ErrAlreadyInProgress
	}
	h, err := m.Spawner.Start(ctx, "umount", ms.Params)
	if err != nil {
		return err
	}
	ms.pid = h.PID()
	ms.deadline = time.Now().Add(DefaultMountTimeout)
	ms.SubState = MountUnmounting
	return nil
}

// Reload implements mounted --reload--> remounting.
func (m *Machine) Reload(ctx context.Context, ms *MountState) error {
	if ms.SubState != MountMounted {
		return ErrNoExec
	}
	h, err := m.Spawner.Start(ctx, "remount", ms.Params)
	if err != nil {
		return err
	}
	ms.pid = h.PID()
	ms.deadline = time.Now().Add(DefaultMountTimeout)
	ms.SubState = MountRemounting
	return nil
}

// OnChildExit transitions the state machine on the spawned tool's exit,
// consulting kernelMounted (the current kernel-truth flag from the mount
// table reader) for the cases the spec requires it.
func (m *Machine) OnChildExit(ms *MountState, success bool, kernelMounted bool) {
	switch ms.SubState {
	case MountMounting:
		if success {
			if kernelMounted {
				ms.SubState = MountMounted
			} else {
				ms.SubState = MountMountingDone // pending table confirmation
			}
		} else if kernelMounted {
			ms.SubState = MountMounted
		} else {
			ms.SubState = MountDead
		}
	case MountUnmounting:
		if kernelMounted {
			ms.SubState = MountMounted
		} else {
			ms.SubState = MountDead
		}
	case MountRemounting:
		if kernelMounted {
			ms.SubState = MountMounted
		} else {
			ms.SubState = MountDead
		}
	case MountMountingSigterm, MountMountingSigkill,
		MountRemountingSigterm, MountRemountingSigkill,
		MountUnmountingSigterm, MountUnmountingSigkill:
		// Any *-sigterm/*-sigkill observes the child exit and consults the
		// kernel mount table: if still mounted → mounted, else → dead/failed.
		if kernelMounted {
			ms.SubState = MountMounted
		} else if success {
			ms.SubState = MountDead
		} else {
			ms.SubState = MountFailed
		}
	}
}

// OnTimeout escalates an *-ing state to *-sigterm, then *-sigkill if
// sigkillSet, signalling the running child as it goes. If escalation is
// exhausted without sigkillSet, the operation is abandoned with a warning
// and the unit converges on whatever external truth (kernelMounted) shows.
func (m *Machine) OnTimeout(ms *MountState, h Handle, kernelMounted bool) (abandoned bool) {
	next, terminal := escalate(ms.SubState)
	if next == "" {
		return false
	}
	if terminal && !ms.sigkillSet {
		if kernelMounted {
			ms.SubState = MountMounted
		} else {
			ms.SubState = MountDead
		}
		return true
	}
	ms.SubState = next
	sig := syscall.SIGTERM
	if terminal {
		sig = syscall.SIGKILL
	}
	if h != nil {
		_ = h.Signal(sig)
	}
	ms.deadline = time.Now().Add(DefaultMountTimeout)
	return false
}

// escalate returns the next *-sigterm/*-sigkill state for an *-ing state,
// and whether that next state is the terminal (sigkill) rung.
func escalate(s MountSubState) (next MountSubState, terminal bool) {
	switch s {
	case MountMounting:
		return MountMountingSigterm, false
	case MountMountingSigterm:
		return MountMountingSigkill, true
	case MountRemounting:
		return MountRemountingSigterm, false
	case MountRemountingSigterm:
		return MountRemountingSigkill, true
	case MountUnmounting:
		return MountUnmountingSigterm, false
	case MountUnmountingSigterm:
		return MountUnmountingSigkill, true
	default:
		return "", false
	}
}

// Reconcile implements the mount-table reconciliation pass (4.F.3): given
// the unit's previous sub-state and the table-reader flags now set on ms,
// compute the transition and store it in ms.SubState. It returns nothing:
// callers re-notify after every pass, with the same state when nothing
// changed, per the spec's fourth bullet.
func (m *Machine) Reconcile(ms *MountState) {
	switch {
	case !ms.IsMounted && ms.SubState == MountMounted:
		ms.SubState = MountDead
	case ms.IsMounted && (ms.SubState == MountDead || ms.SubState == MountFailed):
		ms.SubState = MountMounted
	case ms.IsMounted && ms.SubState == MountMounting:
		ms.SubState = MountMountingDone
	}
}

// hasMountOption reports whether the comma-separated Options string carries
// tok, mirroring mount_test_option in original_source/src/mount.c. This tree
// has no /etc/fstab, so NoAuto/NoFail/quota detection all read out of the
// fragment's own Options= directive rather than fstab's dedicated columns.
func hasMountOption(options, tok string) bool {
	for _, o := range strings.Split(options, ",") {
		if strings.TrimSpace(o) == tok {
			return true
		}
	}
	return false
}

// mountIsNetwork mirrors mount_is_network: an explicit "_netdev" option, or
// one of the common network filesystem types.
func mountIsNetwork(p MountParams) bool {
	if hasMountOption(p.Options, "_netdev") {
		return true
	}
	switch p.FSType {
	case "nfs", "nfs4", "cifs", "smbfs":
		return true
	}
	return false
}

// mountIsBind mirrors mount_is_bind.
func mountIsBind(p MountParams) bool {
	return p.FSType == "bind" || hasMountOption(p.Options, "bind")
}

// needsQuota mirrors needs_quota: local, non-bind mounts carrying a quota
// option pull in quotaon.service.
func needsQuota(p MountParams) bool {
	return !mountIsNetwork(p) && !mountIsBind(p) &&
		(hasMountOption(p.Options, "usrquota") || hasMountOption(p.Options, "grpquota"))
}

// isPathUnder reports whether child is strictly nested under parent (both
// already path.Clean'd, parent without a trailing slash).
func isPathUnder(parent, child string) bool {
	if parent == "/" {
		return child != "/"
	}
	return strings.HasPrefix(child, parent+"/")
}

// getOrCreateStub returns the existing unit named name, or registers a fresh
// stub of type t, mirroring Graph.ResolvePendingEdges' own stub-creation
// idiom for a peer name that isn't backed by a fragment.
func getOrCreateStub(s *Store, name string, t unitname.Type) (*Unit, error) {
	if u, ok := s.Get(name); ok {
		return u, nil
	}
	u := New(name, t)
	if _, err := s.AddName(u, name); err != nil {
		return nil, err
	}
	return u, nil
}

// AutoLinkMount installs the ordering and requirement edges a mount unit
// picks up automatically from its Where/What/Options, with no fragment
// directive needed (4.F.4). Grounded on mount_add_mount_links,
// mount_add_device_links and mount_add_fstab_links in
// original_source/src/mount.c. Call once per unit after every fragment (or
// mount-table row) in a load batch has registered its unit, so the
// hierarchy-prefix comparisons see the full set. A mount with no Where= (a
// bare stub, or a unit under test that never populates [Mount]) is skipped.
func AutoLinkMount(g *Graph, s *Store, mu *Unit) error {
	if mu.Mount == nil || mu.Mount.Params.Where == "" {
		return nil
	}
	p := mu.Mount.Params
	if hasMountOption(p.Options, "noauto") {
		p.NoAuto = true
	}
	if hasMountOption(p.Options, "nofail") {
		p.NoFail = true
	}
	where := strings.TrimSuffix(p.Where, "/")
	if where == "" {
		where = "/"
	}

	if err := autoLinkMountHierarchy(g, s, mu, where); err != nil {
		return err
	}
	if err := autoLinkDevice(g, s, mu, p); err != nil {
		return err
	}
	if err := autoLinkFstabTargets(g, s, mu, p, where); err != nil {
		return err
	}
	return nil
}

// autoLinkMountHierarchy adds After+Requires between a mount and whichever
// other mount unit is its nearest enclosing (or enclosed) path, mirroring
// mount_add_mount_links' pairwise where-prefix comparison.
func autoLinkMountHierarchy(g *Graph, s *Store, mu *Unit, where string) error {
	for _, other := range s.ByType(unitname.Mount) {
		if other == mu || other.Mount == nil || other.Mount.Params.Where == "" {
			continue
		}
		otherWhere := strings.TrimSuffix(other.Mount.Params.Where, "/")
		if otherWhere == "" {
			otherWhere = "/"
		}
		if otherWhere == where {
			continue
		}
		if isPathUnder(otherWhere, where) {
			if err := g.AddDependency(mu, other, RelAfter, false); err != nil {
				return err
			}
			if err := g.AddDependency(mu, other, RelRequires, false); err != nil {
				return err
			}
		}
		if isPathUnder(where, otherWhere) {
			if err := g.AddDependency(other, mu, RelAfter, false); err != nil {
				return err
			}
			if err := g.AddDependency(other, mu, RelRequires, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// autoLinkDevice links a mount to the device node backing it (mirroring
// mount_add_device_links) and, when the mount declares a positive fsck
// pass number, to the fsck@<device>.service prerequisite that must run
// first (mount_add_fstab_links' passno branch). Network and bind mounts
// have no backing device node and are skipped, matching mount_is_network/
// mount_is_bind's guard in the original.
func autoLinkDevice(g *Graph, s *Store, mu *Unit, p MountParams) error {
	if p.What == "" || !strings.HasPrefix(p.What, "/") {
		return nil
	}
	if mountIsNetwork(p) || mountIsBind(p) {
		return nil
	}

	devName, err := unitname.ToPath(p.What, "device")
	if err != nil {
		return err
	}
	dev, err := getOrCreateStub(s, devName, unitname.Device)
	if err != nil {
		return err
	}
	if err := g.AddDependency(mu, dev, RelAfter, false); err != nil {
		return err
	}
	rel := RelBindTo
	if p.NoAuto {
		rel = RelWants
	}
	if err := g.AddDependency(mu, dev, rel, true); err != nil {
		return err
	}

	if p.FsckPassNo > 0 && strings.TrimSuffix(p.Where, "/") != "" && p.Where != "/" {
		fsckName := "fsck@" + unitname.Escape(p.What) + ".service"
		fsck, err := getOrCreateStub(s, fsckName, unitname.Service)
		if err != nil {
			return err
		}
		if err := g.AddDependency(mu, fsck, RelAfter, false); err != nil {
			return err
		}
		if err := g.AddDependency(mu, fsck, RelRequires, false); err != nil {
			return err
		}
	}
	return nil
}

// autoLinkFstabTargets wires a mount into the local-fs.target/remote-fs.target
// ordering (network mounts additionally order After=network.target), adds
// the Before+Conflicts edge to umount.target every mount but the root
// filesystem gets, and pulls in quotaon.service when the mount carries a
// quota option, mirroring mount_add_fstab_links.
func autoLinkFstabTargets(g *Graph, s *Store, mu *Unit, p MountParams, where string) error {
	targetName := "local-fs.target"
	if mountIsNetwork(p) {
		targetName = "remote-fs.target"
		netTarget, err := getOrCreateStub(s, "network.target", unitname.Target)
		if err != nil {
			return err
		}
		if err := g.AddDependency(mu, netTarget, RelAfter, false); err != nil {
			return err
		}
	}
	target, err := getOrCreateStub(s, targetName, unitname.Target)
	if err != nil {
		return err
	}
	if !p.NoAuto {
		rel := RelRequires
		if p.NoFail {
			rel = RelWants
		}
		if err := g.AddDependency(target, mu, RelBefore, false); err != nil {
			return err
		}
		if err := g.AddDependency(target, mu, rel, false); err != nil {
			return err
		}
	}

	if where != "/" {
		umountTarget, err := getOrCreateStub(s, "umount.target", unitname.Target)
		if err != nil {
			return err
		}
		if err := g.AddDependency(mu, umountTarget, RelBefore, false); err != nil {
			return err
		}
		if err := g.AddDependency(mu, umountTarget, RelConflicts, false); err != nil {
			return err
		}
	}

	if needsQuota(p) {
		quota, err := getOrCreateStub(s, "quotaon.service", unitname.Service)
		if err != nil {
			return err
		}
		if err := g.AddDependency(mu, quota, RelBefore, false); err != nil {
			return err
		}
		if err := g.AddDependency(mu, quota, RelWants, false); err != nil {
			return err
		}
	}
	return nil
}
