// Package checkpoint implements the reload/re-exec serializer (4.J): each
// unit writes plain-text "key=value" lines to a stream, with open file
// descriptors handed off through a numbered set so state survives a process
// re-exec. The Persist/Restore split is grounded on manager/fsm.go's
// WarrenSnapshot (Persist writes, Restore reads back and rehydrates), swapped
// from JSON-via-raft.SnapshotSink to the spec's line-oriented text format
// and a real SCM_RIGHTS descriptor handoff via golang.org/x/sys/unix.
package checkpoint

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/unitd/pkg/log"
)

// Fields is one unit's ordered key=value pairs as handed to / read back from
// the stream. Reader.ReadUnit returns every key, recognized or not, in
// Entries; this package routes no key to a per-type handler.
type Fields struct {
	UnitName string
	Entries  []Entry
}

type Entry struct {
	Key   string
	Value string
}

func (f *Fields) Get(key string) (string, bool) {
	for i := len(f.Entries) - 1; i >= 0; i-- {
		if f.Entries[i].Key == key {
			return f.Entries[i].Value, true
		}
	}
	return "", false
}

func (f *Fields) Add(key, value string) {
	f.Entries = append(f.Entries, Entry{Key: key, Value: value})
}

// SerializeTimestamp renders a (monotonic, realtime) microsecond pair per
// 4.J: `"<monotonic_usec> <realtime_usec>"`.
func SerializeTimestamp(monotonic, realtime time.Duration) string {
	return fmt.Sprintf("%d %d", monotonic.Microseconds(), realtime.Microseconds())
}

// DeserializeTimestamp parses the pair SerializeTimestamp produces.
func DeserializeTimestamp(s string) (monotonic, realtime time.Duration, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("checkpoint: malformed timestamp %q", s)
	}
	m, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("checkpoint: %w", err)
	}
	r, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("checkpoint: %w", err)
	}
	return time.Duration(m) * time.Microsecond, time.Duration(r) * time.Microsecond, nil
}

// Writer serializes a batch of units' Fields to w, one UnitName header, its
// key=value lines, and a blank separator per unit (4.J).
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (sw *Writer) WriteUnit(f Fields) error {
	if _, err := fmt.Fprintf(sw.w, "%s\n", f.UnitName); err != nil {
		return fmt.Errorf("checkpoint: write header: %w", err)
	}
	for _, e := range f.Entries {
		if _, err := fmt.Fprintf(sw.w, "%s=%s\n", e.Key, e.Value); err != nil {
			return fmt.Errorf("checkpoint: write entry: %w", err)
		}
	}
	if _, err := fmt.Fprintln(sw.w); err != nil {
		return fmt.Errorf("checkpoint: write separator: %w", err)
	}
	return nil
}

// Reader parses the Writer's format back into per-unit Fields, one blank
// line terminating each unit's block.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Reader{sc: sc}
}

// ReadUnit returns the next unit's Fields, or io.EOF when the stream is
// exhausted.
func (r *Reader) ReadUnit() (Fields, error) {
	var f Fields
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return Fields{}, fmt.Errorf("checkpoint: scan: %w", err)
		}
		return Fields{}, io.EOF
	}
	f.UnitName = r.sc.Text()
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			return f, nil
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return Fields{}, fmt.Errorf("checkpoint: malformed line %q", line)
		}
		f.Entries = append(f.Entries, Entry{Key: line[:eq], Value: line[eq+1:]})
	}
	return f, nil
}

// HandoffConn passes fds to the post-re-exec process over a Unix-domain
// socketpair using SCM_RIGHTS, and returns the index each fd was assigned so
// the text stream's values (e.g. "control-pid-fd=3") can reference them.
func HandoffConn(conn *net.UnixConn, fds []int) (indices []int, err error) {
	if len(fds) == 0 {
		return nil, nil
	}
	rights := unix.UnixRights(fds...)
	if _, _, err := conn.WriteMsgUnix(nil, rights, nil); err != nil {
		return nil, fmt.Errorf("checkpoint: handoff: %w", err)
	}
	indices = make([]int, len(fds))
	for i := range fds {
		indices[i] = i
	}
	log.Debug(fmt.Sprintf("checkpoint: handed off %d descriptors", len(fds)))
	return indices, nil
}

// ReceiveConn is the re-exec'd process's counterpart to HandoffConn: it
// reads the SCM_RIGHTS ancillary data back into a live fd slice.
func ReceiveConn(conn *net.UnixConn, maxFDs int) ([]int, error) {
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	_, oobn, _, _, err := conn.ReadMsgUnix(nil, oob)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: receive: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}
