package unit

import (
	"context"
	"syscall"
	"testing"

	"github.com/cuemby/unitd/pkg/unitname"
)

type fakeHandle struct {
	pid    int
	killed []syscall.Signal
}

func (h *fakeHandle) Wait() error { return nil }
func (h *fakeHandle) PID() int    { return h.pid }
func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.killed = append(h.killed, sig)
	return nil
}

type fakeSpawner struct {
	handle *fakeHandle
}

func (s *fakeSpawner) Start(ctx context.Context, op string, p MountParams) (Handle, error) {
	s.handle = &fakeHandle{pid: 4242}
	return s.handle, nil
}

func TestMountStartTransitionsToMounting(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountDead}
	if err := m.Start(context.Background(), ms); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms.SubState != MountMounting {
		t.Fatalf("expected mounting, got %s", ms.SubState)
	}
}

func TestMountStartAlreadyInProgress(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountMounting}
	if err := m.Start(context.Background(), ms); err != ErrAlreadyInProgress {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
}

func TestMountChildExitSuccessConfirmedByTable(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountMounting}
	m.OnChildExit(ms, true, true)
	if ms.SubState != MountMounted {
		t.Fatalf("expected mounted, got %s", ms.SubState)
	}
}

func TestMountChildExitSuccessPendingConfirmation(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountMounting}
	m.OnChildExit(ms, true, false)
	if ms.SubState != MountMountingDone {
		t.Fatalf("expected mounting-done, got %s", ms.SubState)
	}
}

func TestMountChildExitFailureButTableShowsMounted(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountMounting}
	m.OnChildExit(ms, false, true)
	if ms.SubState != MountMounted {
		t.Fatalf("expected mounted (table wins), got %s", ms.SubState)
	}
}

func TestTimeoutEscalation(t *testing.T) {
	// Scenario 5: mounting -> mounting-sigterm -> mounting-sigkill -> dead|failed
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountMounting, sigkillSet: true}
	h := &fakeHandle{pid: 1}

	abandoned := m.OnTimeout(ms, h, false)
	if abandoned || ms.SubState != MountMountingSigterm {
		t.Fatalf("expected mounting-sigterm, got %s (abandoned=%v)", ms.SubState, abandoned)
	}
	if len(h.killed) != 1 || h.killed[0] != syscall.SIGTERM {
		t.Fatalf("expected SIGTERM sent, got %v", h.killed)
	}

	abandoned = m.OnTimeout(ms, h, false)
	if abandoned || ms.SubState != MountMountingSigkill {
		t.Fatalf("expected mounting-sigkill, got %s", ms.SubState)
	}
	if len(h.killed) != 2 || h.killed[1] != syscall.SIGKILL {
		t.Fatalf("expected SIGKILL sent, got %v", h.killed)
	}

	m.OnChildExit(ms, false, false)
	if ms.SubState != MountFailed {
		t.Fatalf("expected failed after sigkill with table showing unmounted, got %s", ms.SubState)
	}
}

func TestTimeoutAbandonedWithoutSigkill(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountMountingSigterm, sigkillSet: false}
	abandoned := m.OnTimeout(ms, &fakeHandle{}, true)
	if !abandoned || ms.SubState != MountMounted {
		t.Fatalf("expected abandon-and-converge to mounted, got %s (abandoned=%v)", ms.SubState, abandoned)
	}
}

func TestReconcileNoLongerMounted(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountMounted, IsMounted: false}
	m.Reconcile(ms)
	if ms.SubState != MountDead {
		t.Fatalf("expected dead, got %s", ms.SubState)
	}
}

func TestReconcileNewlyMountedFromDead(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountDead, IsMounted: true}
	m.Reconcile(ms)
	if ms.SubState != MountMounted {
		t.Fatalf("expected mounted, got %s", ms.SubState)
	}
}

func TestReconcileMountingDoneConfirmation(t *testing.T) {
	m := &Machine{Spawner: &fakeSpawner{}}
	ms := &MountState{SubState: MountMounting, IsMounted: true}
	m.Reconcile(ms)
	if ms.SubState != MountMountingDone {
		t.Fatalf("expected mounting-done, got %s", ms.SubState)
	}
}

func TestAutoLinkMountSkipsUnitWithNoWhere(t *testing.T) {
	s := NewStore()
	g := NewGraph(s)
	u := New("a.mount", unitname.Mount)
	s.AddName(u, "a.mount")
	u.Mount = &MountState{SubState: MountDead}

	if err := AutoLinkMount(g, s, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Edges[RelAfter]) != 0 {
		t.Fatalf("expected no auto-linked edges for a mount with no Where=, got %v", u.Edges)
	}
}

func TestAutoLinkMountHierarchyOrdersNestedMounts(t *testing.T) {
	s := NewStore()
	g := NewGraph(s)

	parent := New("var.mount", unitname.Mount)
	s.AddName(parent, "var.mount")
	parent.Mount = &MountState{SubState: MountDead, Params: MountParams{Where: "/var"}}

	child := New("var-lib.mount", unitname.Mount)
	s.AddName(child, "var-lib.mount")
	child.Mount = &MountState{SubState: MountDead, Params: MountParams{Where: "/var/lib"}}

	if err := AutoLinkMount(g, s, parent); err != nil {
		t.Fatalf("unexpected error linking parent: %v", err)
	}
	if err := AutoLinkMount(g, s, child); err != nil {
		t.Fatalf("unexpected error linking child: %v", err)
	}

	if !g.HasEdge(child, RelAfter, parent) || !g.HasEdge(child, RelRequires, parent) {
		t.Fatalf("expected /var/lib to be After+Requires /var, edges: %v", child.Edges)
	}
}

func TestAutoLinkMountDeviceAndFsckPrerequisite(t *testing.T) {
	s := NewStore()
	g := NewGraph(s)

	u := New("data.mount", unitname.Mount)
	s.AddName(u, "data.mount")
	u.Mount = &MountState{SubState: MountDead, Params: MountParams{
		What: "/dev/sdb1", Where: "/data", FSType: "ext4", FsckPassNo: 2,
	}}

	if err := AutoLinkMount(g, s, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	devName, _ := unitname.ToPath("/dev/sdb1", "device")
	dev, ok := s.Get(devName)
	if !ok {
		t.Fatalf("expected device unit %s to be created", devName)
	}
	if !g.HasEdge(u, RelAfter, dev) || !g.HasEdge(u, RelBindTo, dev) {
		t.Fatalf("expected After+BindsTo edge to device unit, edges: %v", u.Edges)
	}

	fsck, ok := s.Get("fsck@" + unitname.Escape("/dev/sdb1") + ".service")
	if !ok {
		t.Fatal("expected fsck@ prerequisite unit to be created")
	}
	if !g.HasEdge(u, RelAfter, fsck) || !g.HasEdge(u, RelRequires, fsck) {
		t.Fatalf("expected After+Requires edge to fsck unit, edges: %v", u.Edges)
	}
}

func TestAutoLinkMountTargetsAndUmountConflict(t *testing.T) {
	s := NewStore()
	g := NewGraph(s)

	u := New("data.mount", unitname.Mount)
	s.AddName(u, "data.mount")
	u.Mount = &MountState{SubState: MountDead, Params: MountParams{Where: "/data"}}

	if err := AutoLinkMount(g, s, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	target, ok := s.Get("local-fs.target")
	if !ok {
		t.Fatal("expected local-fs.target to be created")
	}
	if !g.HasEdge(target, RelBefore, u) || !g.HasEdge(target, RelRequires, u) {
		t.Fatalf("expected local-fs.target Before+Requires the mount, edges: %v", target.Edges)
	}

	umount, ok := s.Get("umount.target")
	if !ok {
		t.Fatal("expected umount.target to be created")
	}
	if !g.HasEdge(u, RelBefore, umount) || !g.HasEdge(u, RelConflicts, umount) {
		t.Fatalf("expected mount Before+Conflicts umount.target, edges: %v", u.Edges)
	}
}

func TestAutoLinkMountRootFilesystemSkipsUmountTarget(t *testing.T) {
	s := NewStore()
	g := NewGraph(s)

	u := New("-.mount", unitname.Mount)
	s.AddName(u, "-.mount")
	u.Mount = &MountState{SubState: MountDead, Params: MountParams{Where: "/"}}

	if err := AutoLinkMount(g, s, u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.Get("umount.target"); ok {
		t.Fatal("expected no umount.target edge for the root filesystem")
	}
}
