package mounttable

import (
	"strings"
	"testing"

	"github.com/cuemby/unitd/pkg/unit"
	"github.com/cuemby/unitd/pkg/unitname"
)

const sampleTable = `22 27 0:21 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
23 27 0:5 / /proc rw,nosuid,nodev,noexec,relatime shared:13 - proc proc rw
this line is garbage and should be skipped
30 22 0:26 / /sys/fs/cgroup ro,nosuid,nodev,noexec shared:2 master:9 - tmpfs tmpfs ro,mode=755
`

func TestParseSkipsGarbageAndParsesValidLines(t *testing.T) {
	rows, err := Parse(strings.NewReader(sampleTable))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 valid rows, got %d", len(rows))
	}
	if rows[0].MountPoint != "/sys" || rows[0].FSType != "sysfs" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[2].MountPoint != "/sys/fs/cgroup" || len(rows[2].OptionalFields) != 2 {
		t.Fatalf("expected 2 optional fields on cgroup row, got %+v", rows[2])
	}
}

func TestUnescapeOctal(t *testing.T) {
	got := unescapeOctal(`/mnt/my\040dir`)
	if got != "/mnt/my dir" {
		t.Fatalf("expected space-unescaped path, got %q", got)
	}
}

func TestReconcileMarksDeadWhenTableNoLongerShowsMount(t *testing.T) {
	s := unit.NewStore()
	u := unit.New("var.mount", unitname.Mount)
	s.AddName(u, "var.mount")
	u.Mount = &unit.MountState{SubState: unit.MountMounted, Params: unit.MountParams{Where: "/var"}}

	m := &unit.Machine{Spawner: nil}
	g := unit.NewGraph(s)
	Reconcile(nil, s, g, m)

	if u.Mount.SubState != unit.MountDead {
		t.Fatalf("expected mount marked dead when absent from table, got %s", u.Mount.SubState)
	}
}

func TestReconcileMarksMountedWhenTableShowsIt(t *testing.T) {
	s := unit.NewStore()
	u := unit.New("var.mount", unitname.Mount)
	s.AddName(u, "var.mount")
	u.Mount = &unit.MountState{SubState: unit.MountDead, Params: unit.MountParams{Where: "/var"}}

	rows, err := Parse(strings.NewReader("1 0 0:1 / /var rw shared:1 - ext4 /dev/sda1 rw\n"))
	if err != nil {
		t.Fatal(err)
	}
	m := &unit.Machine{Spawner: nil}
	g := unit.NewGraph(s)
	Reconcile(rows, s, g, m)

	if u.Mount.SubState != unit.MountMounted {
		t.Fatalf("expected mount marked mounted, got %s", u.Mount.SubState)
	}
}

func TestReconcileEnumeratesUnitFromUnbackedTableRow(t *testing.T) {
	s := unit.NewStore()
	g := unit.NewGraph(s)
	m := &unit.Machine{Spawner: nil}

	rows, err := Parse(strings.NewReader("1 0 0:1 / /var rw shared:1 - ext4 /dev/sda1 rw\n"))
	if err != nil {
		t.Fatal(err)
	}
	Reconcile(rows, s, g, m)

	u, ok := s.Get("var.mount")
	if !ok {
		t.Fatal("expected a var.mount unit enumerated from the table row")
	}
	if u.Mount == nil || !u.Mount.IsMounted {
		t.Fatalf("expected enumerated unit marked mounted, got %+v", u.Mount)
	}
	if !u.Mount.JustMounted {
		t.Fatalf("expected JustMounted set on first sighting")
	}
	if u.Mount.Params.What != "/dev/sda1" || u.Mount.Params.FSType != "ext4" {
		t.Fatalf("unexpected mount params: %+v", u.Mount.Params)
	}
}
