package checkpoint

import (
	"bytes"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestWriteReadUnitRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	f := Fields{UnitName: "var.mount"}
	f.Add("state", "mounted")
	f.Add("job-type", "start")
	if err := w.WriteUnit(f); err != nil {
		t.Fatal(err)
	}

	g := Fields{UnitName: "a.service"}
	g.Add("state", "active")
	if err := w.WriteUnit(g); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	got1, err := r.ReadUnit()
	if err != nil {
		t.Fatal(err)
	}
	if got1.UnitName != "var.mount" {
		t.Fatalf("expected var.mount, got %q", got1.UnitName)
	}
	if v, ok := got1.Get("state"); !ok || v != "mounted" {
		t.Fatalf("expected state=mounted, got %q ok=%v", v, ok)
	}

	got2, err := r.ReadUnit()
	if err != nil {
		t.Fatal(err)
	}
	if got2.UnitName != "a.service" {
		t.Fatalf("expected a.service, got %q", got2.UnitName)
	}

	if _, err := r.ReadUnit(); err == nil {
		t.Fatal("expected io.EOF at end of stream")
	}
}

func TestGetReturnsLastOccurrence(t *testing.T) {
	f := Fields{UnitName: "x"}
	f.Add("k", "first")
	f.Add("k", "second")
	if v, _ := f.Get("k"); v != "second" {
		t.Fatalf("expected last write to win, got %q", v)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	mono := 12345 * time.Microsecond
	real := 987654321 * time.Microsecond
	s := SerializeTimestamp(mono, real)

	gotMono, gotReal, err := DeserializeTimestamp(s)
	if err != nil {
		t.Fatal(err)
	}
	if gotMono != mono || gotReal != real {
		t.Fatalf("round trip mismatch: got (%v, %v), want (%v, %v)", gotMono, gotReal, mono, real)
	}
}

func TestHandoffAndReceiveConnRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f0 := os.NewFile(uintptr(fds[0]), "sp0")
	f1 := os.NewFile(uintptr(fds[1]), "sp1")
	defer f0.Close()
	defer f1.Close()

	c0, err := net.FileConn(f0)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	c1, err := net.FileConn(f1)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	defer c0.Close()
	defer c1.Close()

	sender, ok := c0.(*net.UnixConn)
	if !ok {
		t.Fatal("expected *net.UnixConn")
	}
	receiver, ok := c1.(*net.UnixConn)
	if !ok {
		t.Fatal("expected *net.UnixConn")
	}

	tmp, err := os.CreateTemp(t.TempDir(), "handoff")
	if err != nil {
		t.Fatal(err)
	}
	defer tmp.Close()

	done := make(chan struct{})
	var recvErr error
	var recvFDs []int
	go func() {
		recvFDs, recvErr = ReceiveConn(receiver, 4)
		close(done)
	}()

	if _, err := HandoffConn(sender, []int{int(tmp.Fd())}); err != nil {
		t.Fatalf("HandoffConn: %v", err)
	}
	<-done
	if recvErr != nil {
		t.Fatalf("ReceiveConn: %v", recvErr)
	}
	if len(recvFDs) != 1 {
		t.Fatalf("expected 1 received fd, got %d", len(recvFDs))
	}
	unix.Close(recvFDs[0])
}
