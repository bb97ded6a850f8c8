package fragment

import (
	"strings"
	"testing"
	"time"

	"github.com/cuemby/unitd/pkg/unit"
	"github.com/cuemby/unitd/pkg/unitname"
)

const sample = `# a comment
[Unit]
Description=Mounts /var
Requires=local-fs-pre.target
After=local-fs-pre.target \
      systemd-journald.socket
AllowIsolate=yes

[Install]
WantedBy=multi-user.target
`

func TestParseJoinsContinuationAndSkipsComments(t *testing.T) {
	frag, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if len(frag.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(frag.Sections))
	}
	unitSec := frag.Sections[0]
	var after string
	for _, kv := range unitSec.Values {
		if kv.Key == "After" {
			after = kv.Value
		}
	}
	if !strings.Contains(after, "systemd-journald.socket") {
		t.Fatalf("expected continuation line joined into After=, got %q", after)
	}
}

func TestParseRejectsDirectiveOutsideSection(t *testing.T) {
	if _, err := Parse(strings.NewReader("Key=Value\n")); err == nil {
		t.Fatal("expected error for directive before any section header")
	}
}

func TestApplySetsScalarAndAccumulatesRelations(t *testing.T) {
	frag, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	u := unit.New("var.mount", unitname.Mount)
	if err := Apply(u, frag, nil); err != nil {
		t.Fatal(err)
	}
	if u.Description != "Mounts /var" {
		t.Fatalf("expected description set, got %q", u.Description)
	}
	if !u.Policy.AllowIsolate {
		t.Fatal("expected AllowIsolate=yes to set the policy bit")
	}
	if len(u.PendingEdges) == 0 {
		t.Fatal("expected pending edges from Requires/After/WantedBy")
	}
	var sawAfter bool
	for _, pe := range u.PendingEdges {
		if pe.Relation == unit.RelAfter && pe.PeerName == "systemd-journald.socket" {
			sawAfter = true
		}
	}
	if !sawAfter {
		t.Fatal("expected After= continuation target among pending edges")
	}
}

func TestExpandSubstitutesSpecifiersAndLiteralPercent(t *testing.T) {
	out := Expand("/var/lib/%n/%%data", map[rune]string{'n': "foo.service"})
	if out != "/var/lib/foo.service/%data" {
		t.Fatalf("unexpected expansion: %q", out)
	}
}

func TestSplitExecHonorsQuoting(t *testing.T) {
	args, err := SplitExec(`/usr/bin/echo "hello world" foo`)
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 3 || args[1] != "hello world" {
		t.Fatalf("unexpected split: %v", args)
	}
}

func TestTypeFromSuffix(t *testing.T) {
	ty, err := TypeFromSuffix("var.mount")
	if err != nil {
		t.Fatal(err)
	}
	if ty != unitname.Mount {
		t.Fatalf("expected mount type, got %s", ty)
	}
}

const mountSample = `[Mount]
What=/dev/sdb1
Where=/data
Type=ext4
Options=noauto,nofail
`

func TestApplyPopulatesMountParams(t *testing.T) {
	frag, err := Parse(strings.NewReader(mountSample))
	if err != nil {
		t.Fatal(err)
	}
	u := unit.New("data.mount", unitname.Mount)
	if err := Apply(u, frag, nil); err != nil {
		t.Fatal(err)
	}
	if u.Mount == nil {
		t.Fatal("expected [Mount] directives to attach a MountState")
	}
	if u.Mount.Params.What != "/dev/sdb1" || u.Mount.Params.Where != "/data" ||
		u.Mount.Params.FSType != "ext4" || u.Mount.Params.Options != "noauto,nofail" {
		t.Fatalf("unexpected mount params: %+v", u.Mount.Params)
	}
}

const serviceSample = `[Service]
KillMode=mixed
Type=notify
Restart=on-failure
ExecStart=/usr/bin/daemon --flag "quoted arg"
ExecStartPre=-/usr/bin/true
TimeoutStartSec=30s
MemoryLimit=512M
CapabilityBoundingSet=~CAP_SYS_ADMIN CAP_NET_ADMIN
SecureBits=keep-caps noroot
CPUAffinity=0 1 2
UMask=0022
LimitNOFILE=infinity

[Socket]
ListenStream=/run/daemon.sock
`

func TestApplyPopulatesExecContext(t *testing.T) {
	frag, err := Parse(strings.NewReader(serviceSample))
	if err != nil {
		t.Fatal(err)
	}
	u := unit.New("daemon.service", unitname.Service)
	if err := Apply(u, frag, nil); err != nil {
		t.Fatal(err)
	}
	e := u.Exec
	if e == nil {
		t.Fatal("expected [Service]/[Socket] directives to attach an ExecContext")
	}
	if e.KillMode != unit.KillMixed || e.Type != unit.ServiceNotify || e.Restart != unit.RestartOnFailure {
		t.Fatalf("unexpected enums: %+v", e)
	}
	if len(e.ExecStart) != 1 || e.ExecStart[0].Path != "/usr/bin/daemon" || len(e.ExecStart[0].Args) != 2 {
		t.Fatalf("unexpected ExecStart: %+v", e.ExecStart)
	}
	if e.TimeoutStartSec != int64(30*time.Second) {
		t.Fatalf("expected 30s TimeoutStartSec in nanoseconds, got %d", e.TimeoutStartSec)
	}
	if e.MemoryLimit != 512*1024*1024 {
		t.Fatalf("expected 512M byte size, got %d", e.MemoryLimit)
	}
	if !e.CapabilityBoundingSet.Inverted || !e.CapabilityBoundingSet.Names["CAP_SYS_ADMIN"] {
		t.Fatalf("unexpected capability set: %+v", e.CapabilityBoundingSet)
	}
	if e.SecureBits != unit.SecureKeepCaps|unit.SecureNoRoot {
		t.Fatalf("unexpected secure bits: %d", e.SecureBits)
	}
	if len(e.CPUAffinity) != 3 {
		t.Fatalf("unexpected CPU affinity: %v", e.CPUAffinity)
	}
	if e.UMask != 0022 {
		t.Fatalf("unexpected umask: %o", e.UMask)
	}
	if rl, ok := e.RLimits["NOFILE"]; !ok || rl.Soft != unit.RLimitInfinity {
		t.Fatalf("expected infinity NOFILE rlimit, got %+v", e.RLimits["NOFILE"])
	}
	if len(e.Listen) != 1 || e.Listen[0].Transport != "stream" || e.Listen[0].Address != "/run/daemon.sock" {
		t.Fatalf("unexpected listen endpoints: %+v", e.Listen)
	}
}

const conditionSample = `[Unit]
ConditionKernelCommandLine=quiet
ConditionVirtualization=!container
ConditionSecurity=selinux
ConditionNull=yes
`

func TestApplyWiresRemainingConditionKinds(t *testing.T) {
	frag, err := Parse(strings.NewReader(conditionSample))
	if err != nil {
		t.Fatal(err)
	}
	u := unit.New("cond.service", unitname.Service)
	if err := Apply(u, frag, nil); err != nil {
		t.Fatal(err)
	}
	if len(u.Conditions) != 4 {
		t.Fatalf("expected all 4 remaining condition kinds parsed, got %d: %+v", len(u.Conditions), u.Conditions)
	}
}
