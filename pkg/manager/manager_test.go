package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/unitd/pkg/config"
	"github.com/cuemby/unitd/pkg/unit"
)

func newTestManager(t *testing.T, unitDir string) *Manager {
	t.Helper()
	cfg := config.Config{
		UnitPath:   []string{unitDir},
		DataDir:    t.TempDir(),
		SocketPath: "/tmp/unitd-test.sock",
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeUnitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAllParsesAndRegistersUnits(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "a.service", "[Unit]\nDescription=a\nRequires=b.service\n")
	writeUnitFile(t, dir, "b.service", "[Unit]\nDescription=b\n")

	m := newTestManager(t, dir)
	defer m.Stop()

	if err := m.LoadAll(); err != nil {
		t.Fatal(err)
	}

	a, ok := m.Store().Get("a.service")
	if !ok {
		t.Fatal("expected a.service to be loaded")
	}
	if a.LoadState != unit.LoadLoaded {
		t.Fatalf("expected a.service loaded, got %s: %v", a.LoadState, a.LoadError)
	}
	if !a.Edges[unit.RelRequires]["b.service"] {
		t.Fatalf("expected a.service to require b.service, got %+v", a.Edges)
	}
	b, ok := m.Store().Get("b.service")
	if !ok || !b.Edges[unit.RelRequiredBy]["a.service"] {
		t.Fatalf("expected inverse required-by edge on b.service, got %+v", b)
	}
}

func TestLoadAllCreatesStubForUndeclaredPeer(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "a.service", "[Unit]\nRequires=ghost.service\n")

	m := newTestManager(t, dir)
	defer m.Stop()

	if err := m.LoadAll(); err != nil {
		t.Fatal(err)
	}
	ghost, ok := m.Store().Get("ghost.service")
	if !ok {
		t.Fatal("expected a stub unit created for the undeclared peer")
	}
	if ghost.LoadState != unit.LoadStub {
		t.Fatalf("expected ghost.service to remain a stub, got %s", ghost.LoadState)
	}
}

func TestStartUnitOnUnknownNameFails(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Stop()

	if _, err := m.StartUnit("nope.service", unit.ModeReplace); err == nil {
		t.Fatal("expected error starting an unknown unit")
	}
}

func TestOnFailureTriggeredRunsOnFailureUnit(t *testing.T) {
	dir := t.TempDir()
	writeUnitFile(t, dir, "a.mount", "[Unit]\nOnFailure=rescue.service\n\n[Mount]\n")
	writeUnitFile(t, dir, "rescue.service", "[Unit]\nDescription=rescue\n")

	m := newTestManager(t, dir)
	defer m.Stop()
	if err := m.LoadAll(); err != nil {
		t.Fatal(err)
	}

	a, _ := m.Store().Get("a.mount")
	m.OnFailureTriggered(a)

	rescue, ok := m.Store().Get("rescue.service")
	if !ok {
		t.Fatal("expected rescue.service to exist")
	}
	if rescue.Job == nil {
		t.Fatal("expected OnFailure to enqueue a start job on rescue.service")
	}
}
