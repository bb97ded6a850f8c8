// Package mounttable reads and parses the kernel mount table (§6's
// mountinfo-style format) and drives pkg/unit's mount state machine's
// Reconcile pass against it. Grounded on pkg/worker/worker.go's
// observed-vs-desired container polling loop, generalized from containers
// to mount-table rows, plus warren's fixed-format line scanner style.
package mounttable

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/unitd/pkg/log"
	"github.com/cuemby/unitd/pkg/unit"
	"github.com/cuemby/unitd/pkg/unitname"
)

// Row is one parsed mountinfo line:
// id parent major:minor root mountpoint options optional-fields - fstype source options2…
type Row struct {
	ID             int
	ParentID       int
	Major, Minor   int
	Root           string
	MountPoint     string
	Options        string
	OptionalFields []string
	FSType         string
	Source         string
	SuperOptions   string
}

// Parse scans r as a mountinfo-format stream (§6). Lines that don't match
// the expected shape are skipped with a warning, not treated as fatal —
// matching the spec's "unknown lines are skipped with a warning".
func Parse(r io.Reader) ([]Row, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var rows []Row
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		row, err := parseLine(line)
		if err != nil {
			log.Warn(fmt.Sprintf("mounttable: line %d: %v", lineNo, err))
			continue
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("mounttable: scan: %w", err)
	}
	return rows, nil
}

// ReadProc parses /proc/self/mountinfo, the real kernel mount table.
func ReadProc() ([]Row, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, fmt.Errorf("mounttable: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func parseLine(line string) (Row, error) {
	fields := strings.Fields(line)
	sep := -1
	for i, f := range fields {
		if f == "-" {
			sep = i
			break
		}
	}
	if sep < 0 || sep < 6 || len(fields) < sep+4 {
		return Row{}, fmt.Errorf("malformed mountinfo line: %q", line)
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return Row{}, fmt.Errorf("bad mount id: %w", err)
	}
	parent, err := strconv.Atoi(fields[1])
	if err != nil {
		return Row{}, fmt.Errorf("bad parent id: %w", err)
	}
	maj, minr, err := splitMajorMinor(fields[2])
	if err != nil {
		return Row{}, err
	}

	row := Row{
		ID:             id,
		ParentID:       parent,
		Major:          maj,
		Minor:          minr,
		Root:           unescapeOctal(fields[3]),
		MountPoint:     unescapeOctal(fields[4]),
		Options:        fields[5],
		OptionalFields: append([]string(nil), fields[6:sep]...),
		FSType:         fields[sep+1],
		Source:         unescapeOctal(fields[sep+2]),
		SuperOptions:   fields[sep+3],
	}
	return row, nil
}

func splitMajorMinor(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed major:minor %q", s)
	}
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major %q: %w", parts[0], err)
	}
	minr, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor %q: %w", parts[1], err)
	}
	return maj, minr, nil
}

// unescapeOctal reverses the kernel's "\NNN" backslash-octal escaping of
// whitespace and backslashes in path fields (§6).
func unescapeOctal(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Reconcile runs one scan-and-apply pass: parse the current table, and for
// every mount-typed unit in store, tell its Machine whether the table now
// shows it mounted, driving pkg/unit's Reconcile per 4.F.3. A table row with
// no unit backing its mount point is enumerated into a brand-new stub unit
// (4.K's "materialize purely from external state"), auto-linked the same way
// a fragment-declared mount is (4.F.4), before Reconcile runs over it.
func Reconcile(rows []Row, store *unit.Store, g *unit.Graph, m *unit.Machine) {
	mounted := map[string]bool{}
	for _, r := range rows {
		mounted[r.MountPoint] = true
	}

	byWhere := map[string]*unit.Unit{}
	for _, u := range store.All() {
		if u.Mount != nil && u.Mount.Params.Where != "" {
			byWhere[u.Mount.Params.Where] = u
		}
	}

	for _, r := range rows {
		if byWhere[r.MountPoint] != nil {
			continue
		}
		name, err := unitname.ToPath(r.MountPoint, "mount")
		if err != nil {
			log.Warn(fmt.Sprintf("mounttable: cannot name mount point %q: %v", r.MountPoint, err))
			continue
		}
		if existing, ok := store.Get(name); ok && existing.Mount != nil {
			byWhere[r.MountPoint] = existing
			continue
		}

		u := unit.New(name, unitname.Mount)
		u.LoadState = unit.LoadLoaded
		u.Mount = &unit.MountState{
			SubState: unit.MountDead,
			Params: unit.MountParams{
				What:   r.Source,
				Where:  r.MountPoint,
				FSType: r.FSType,
			},
		}
		if _, err := store.AddName(u, name); err != nil {
			log.Warn(fmt.Sprintf("mounttable: register %q: %v", name, err))
			continue
		}
		if err := unit.AutoLinkMount(g, store, u); err != nil {
			log.Warn(fmt.Sprintf("mounttable: auto-link %q: %v", name, err))
		}
		byWhere[r.MountPoint] = u
	}

	for _, u := range store.All() {
		if u.Mount == nil {
			continue
		}
		wasMounted := u.Mount.IsMounted
		nowMounted := mounted[u.Mount.Params.Where]
		u.Mount.JustMounted = !wasMounted && nowMounted
		u.Mount.JustChanged = wasMounted != nowMounted
		u.Mount.IsMounted = nowMounted
		m.Reconcile(u.Mount)
	}
}
