// Package fragment implements the unit file parser (4.C): an ini-like
// scanner with a typed per-directive dispatch table, %-specifier expansion,
// and unit-search-path resolution. The dispatch-table shape is grounded on
// the teacher's Command{Op,Data}-by-switch pattern in manager/fsm.go,
// generalized here to a directive-name keyed map instead of an enum switch
// since the directive set is data (loaded per [Section]), not a fixed enum.
package fragment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kballard/go-shellquote"

	"github.com/cuemby/unitd/pkg/condition"
	"github.com/cuemby/unitd/pkg/log"
	"github.com/cuemby/unitd/pkg/unit"
	"github.com/cuemby/unitd/pkg/unitname"
)

// FollowMax bounds symlink/alias chasing during path resolution (4.C), named
// after systemd's own UNIT_NAME_MAX-adjacent constant.
const FollowMax = 8

// Section is one [Header] block's raw key/value pairs, preserving the
// directive repetition the spec's "same key may repeat, meaning append"
// rule requires — a plain map cannot hold that, so values are collected
// in encounter order.
type Section struct {
	Name   string
	Values []KV
}

// KV is a single "Key=Value" line within a section, after continuation
// joining and comment stripping.
type KV struct {
	Key   string
	Value string
}

// Fragment is a fully tokenized unit file: an ordered list of sections, each
// with its ordered key/value pairs. Parse does not interpret directives;
// Apply does, via the dispatch table.
type Fragment struct {
	Sections []Section
}

// Parse scans r into a Fragment. It implements systemd's unit-file grammar:
// "#"/";" line comments, blank lines ignored, "\"-terminated continuation
// lines joined with the next, "[Section]" headers, and "Key=Value" lines
// within a section. Unlike strict ini, the same Key may repeat within one
// Section — each occurrence is recorded, not overwritten, since directives
// like After= and Requires= accumulate.
func Parse(r io.Reader) (*Fragment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	frag := &Fragment{}
	var cur *Section
	var pending strings.Builder
	lineNo := 0

	flush := func() error {
		if pending.Len() == 0 {
			return nil
		}
		line := strings.TrimSpace(pending.String())
		pending.Reset()
		if line == "" {
			return nil
		}
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			return nil
		}
		if strings.HasPrefix(line, "[") {
			name := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			if !strings.HasSuffix(line, "]") {
				return fmt.Errorf("fragment: line %d: malformed section header %q", lineNo, line)
			}
			frag.Sections = append(frag.Sections, Section{Name: name})
			cur = &frag.Sections[len(frag.Sections)-1]
			return nil
		}
		if cur == nil {
			return fmt.Errorf("fragment: line %d: directive %q outside any section", lineNo, line)
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return fmt.Errorf("fragment: line %d: missing '=' in %q", lineNo, line)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		cur.Values = append(cur.Values, KV{Key: key, Value: val})
		return nil
	}

	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if strings.HasSuffix(text, "\\") {
			pending.WriteString(strings.TrimSuffix(text, "\\"))
			pending.WriteByte('\n')
			continue
		}
		pending.WriteString(text)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fragment: scan: %w", err)
	}
	return frag, nil
}

// ParseFile opens and parses path.
func ParseFile(path string) (*Fragment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fragment: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// setter receives every occurrence of a directive's value, in file order,
// already %-expanded, and applies it to u. Returning an error makes Apply
// log that directive and skip it; the other directives still apply.
type setter func(u *unit.Unit, values []string) error

// Dispatch is the typed per-directive table (4.C "typed dispatch table").
// Keys are "Section.Directive". Unknown directives are ignored, matching
// systemd's forward-compatible unrecognized-key behavior.
var Dispatch = map[string]setter{
	"Unit.Description": setOne(func(u *unit.Unit, v string) { u.Description = v }),
	"Unit.Requires":     setRelation(unit.RelRequires),
	"Unit.Wants":        setRelation(unit.RelWants),
	"Unit.Requisite":    setRelation(unit.RelRequisite),
	"Unit.BindsTo":      setRelation(unit.RelBindTo),
	"Unit.Conflicts":    setRelation(unit.RelConflicts),
	"Unit.Before":       setRelation(unit.RelBefore),
	"Unit.After":        setRelation(unit.RelAfter),
	"Unit.OnFailure":    setRelation(unit.RelOnFailure),
	"Unit.StopWhenUnneeded": setBool(func(u *unit.Unit, b bool) { u.Policy.StopWhenUnneeded = b }),
	"Unit.RefuseManualStart": setBool(func(u *unit.Unit, b bool) { u.Policy.RefuseManualStart = b }),
	"Unit.RefuseManualStop":  setBool(func(u *unit.Unit, b bool) { u.Policy.RefuseManualStop = b }),
	"Unit.AllowIsolate":      setBool(func(u *unit.Unit, b bool) { u.Policy.AllowIsolate = b }),
	"Unit.DefaultDependencies": setBool(func(u *unit.Unit, b bool) { u.Policy.DefaultDependencies = b }),
	"Unit.ConditionPathExists":        setCondition(condition.PathExists),
	"Unit.ConditionPathIsDirectory":   setCondition(condition.PathIsDirectory),
	"Unit.ConditionDirectoryNotEmpty": setCondition(condition.DirectoryNotEmpty),
	"Unit.ConditionKernelCommandLine": setCondition(condition.KernelCmdline),
	"Unit.ConditionVirtualization":    setCondition(condition.Virtualization),
	"Unit.ConditionSecurity":          setCondition(condition.Security),
	"Unit.ConditionNull":              setCondition(condition.Null),
	"Install.WantedBy": setRelation(unit.RelWantedBy),
	"Install.RequiredBy": setRelation(unit.RelRequiredBy),

	"Mount.What":    setOne(func(u *unit.Unit, v string) { ensureMount(u).Params.What = v }),
	"Mount.Where":   setOne(func(u *unit.Unit, v string) { ensureMount(u).Params.Where = v }),
	"Mount.Type":    setOne(func(u *unit.Unit, v string) { ensureMount(u).Params.FSType = v }),
	"Mount.Options": setOne(func(u *unit.Unit, v string) { ensureMount(u).Params.Options = v }),

	"Service.KillMode": setEnumKillMode(),
	"Service.Type":     setEnumServiceType(),
	"Service.Restart":  setEnumRestartPolicy(),
	"Service.ExecStart":  setExecCommand(func(e *unit.ExecContext) *[]unit.ExecCommand { return &e.ExecStart }),
	"Service.ExecStop":   setExecCommand(func(e *unit.ExecContext) *[]unit.ExecCommand { return &e.ExecStop }),
	"Service.ExecReload": setExecCommand(func(e *unit.ExecContext) *[]unit.ExecCommand { return &e.ExecReload }),
	"Service.TimeoutStartSec": setExecDuration(func(e *unit.ExecContext, d int64) { e.TimeoutStartSec = d }),
	"Service.RestartSec":      setExecDuration(func(e *unit.ExecContext, d int64) { e.RestartSec = d }),
	"Service.MemoryLimit":     setExecByteSize(func(e *unit.ExecContext, n int64) { e.MemoryLimit = n }),
	"Service.CapabilityBoundingSet": setExecCapabilitySet(),
	"Service.SecureBits":            setExecSecureBits(),
	"Service.CPUAffinity":           setExecCPUAffinity(),
	"Service.UMask":                 setExecFileMode(),
	"Service.LimitCPU":    setExecRLimit("CPU"),
	"Service.LimitNOFILE": setExecRLimit("NOFILE"),
	"Service.LimitNPROC":  setExecRLimit("NPROC"),
	"Service.LimitAS":     setExecRLimit("AS"),

	"Socket.ListenStream":   setExecListen("stream"),
	"Socket.ListenDatagram": setExecListen("datagram"),
	"Socket.ListenFIFO":     setExecListen("fifo"),
}

// ensureMount lazily attaches a MountState to a unit applying [Mount]
// directives outside the manager's own Mount-type bootstrap (tests
// constructing a bare unit.New and calling Apply directly).
func ensureMount(u *unit.Unit) *unit.MountState {
	if u.Mount == nil {
		u.Mount = &unit.MountState{SubState: unit.MountDead}
	}
	return u.Mount
}

// ensureExec lazily attaches the typed [Service]/[Socket] execution payload
// (4.C) to a unit.
func ensureExec(u *unit.Unit) *unit.ExecContext {
	if u.Exec == nil {
		u.Exec = &unit.ExecContext{RLimits: map[string]unit.RLimit{}}
	}
	return u.Exec
}

func setEnumKillMode() setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		v := values[len(values)-1]
		switch unit.KillMode(v) {
		case unit.KillControlGroup, unit.KillProcess, unit.KillMixed, unit.KillNone:
			ensureExec(u).KillMode = unit.KillMode(v)
			return nil
		}
		return fmt.Errorf("fragment: unknown KillMode %q", v)
	}
}

func setEnumServiceType() setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		v := values[len(values)-1]
		switch unit.ServiceType(v) {
		case unit.ServiceSimple, unit.ServiceForking, unit.ServiceOneshot, unit.ServiceDBus, unit.ServiceNotify, unit.ServiceIdle:
			ensureExec(u).Type = unit.ServiceType(v)
			return nil
		}
		return fmt.Errorf("fragment: unknown Service Type %q", v)
	}
}

func setEnumRestartPolicy() setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		v := values[len(values)-1]
		switch unit.RestartPolicy(v) {
		case unit.RestartNo, unit.RestartAlways, unit.RestartOnSuccess, unit.RestartOnFailure, unit.RestartOnAbnormal, unit.RestartOnAbort, unit.RestartOnWatchdog:
			ensureExec(u).Restart = unit.RestartPolicy(v)
			return nil
		}
		return fmt.Errorf("fragment: unknown Restart policy %q", v)
	}
}

func setExecCommand(which func(e *unit.ExecContext) *[]unit.ExecCommand) setter {
	return func(u *unit.Unit, values []string) error {
		target := which(ensureExec(u))
		for _, v := range values {
			cmds, err := parseExecCommandList(v)
			if err != nil {
				return err
			}
			*target = append(*target, cmds...)
		}
		return nil
	}
}

func setExecDuration(assign func(e *unit.ExecContext, d int64)) setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		d, err := parseDuration(values[len(values)-1])
		if err != nil {
			return err
		}
		assign(ensureExec(u), int64(d))
		return nil
	}
}

func setExecByteSize(assign func(e *unit.ExecContext, n int64)) setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		n, err := parseByteSize(values[len(values)-1])
		if err != nil {
			return err
		}
		assign(ensureExec(u), n)
		return nil
	}
}

func setExecCapabilitySet() setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		cs, err := parseCapabilitySet(values[len(values)-1])
		if err != nil {
			return err
		}
		ensureExec(u).CapabilityBoundingSet = cs
		return nil
	}
}

func setExecSecureBits() setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		bits, err := parseSecureBits(values[len(values)-1])
		if err != nil {
			return err
		}
		ensureExec(u).SecureBits = bits
		return nil
	}
}

func setExecCPUAffinity() setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		cpus, err := parseCPUAffinity(values[len(values)-1])
		if err != nil {
			return err
		}
		ensureExec(u).CPUAffinity = cpus
		return nil
	}
}

func setExecFileMode() setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		mode, err := parseFileMode(values[len(values)-1])
		if err != nil {
			return err
		}
		ensureExec(u).UMask = mode
		return nil
	}
}

func setExecRLimit(name string) setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		rl, err := parseRLimit(values[len(values)-1])
		if err != nil {
			return err
		}
		ensureExec(u).RLimits[name] = rl
		return nil
	}
}

func setExecListen(transport string) setter {
	return func(u *unit.Unit, values []string) error {
		e := ensureExec(u)
		for _, v := range values {
			e.Listen = append(e.Listen, parseListenEndpoint(transport, v))
		}
		return nil
	}
}

// setOne applies f to the last occurrence of a single-valued directive
// (systemd's "last one wins" rule for scalar keys).
func setOne(f func(u *unit.Unit, v string)) setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		f(u, values[len(values)-1])
		return nil
	}
}

func setRelation(rel unit.Relation) setter {
	return func(u *unit.Unit, values []string) error {
		for _, line := range values {
			for _, name := range strings.Fields(line) {
				// Edge installation against the store happens in a second
				// pass (Apply's caller owns the Store/Graph); here we stash
				// the raw peer name list for that pass to consume.
				u.PendingEdges = append(u.PendingEdges, unit.PendingEdge{Relation: rel, PeerName: name})
			}
		}
		return nil
	}
}

func setBool(f func(u *unit.Unit, b bool)) setter {
	return func(u *unit.Unit, values []string) error {
		if len(values) == 0 {
			return nil
		}
		b, err := parseBool(values[len(values)-1])
		if err != nil {
			return err
		}
		f(u, b)
		return nil
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "true", "on":
		return true, nil
	case "0", "no", "false", "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func setCondition(kind condition.Kind) setter {
	return func(u *unit.Unit, values []string) error {
		for _, raw := range values {
			c, err := condition.Parse(kind, raw)
			if err != nil {
				return err
			}
			u.Conditions = append(u.Conditions, c)
		}
		return nil
	}
}

// Apply groups a Fragment's KVs by "Section.Key" (preserving multi-value
// order) and runs each through Dispatch, after %-specifier expansion. A
// directive whose value fails to parse is logged and skipped, so Apply
// itself returns nil.
func Apply(u *unit.Unit, frag *Fragment, specifiers map[rune]string) error {
	grouped := map[string][]string{}
	var order []string
	for _, sec := range frag.Sections {
		for _, kv := range sec.Values {
			key := sec.Name + "." + kv.Key
			if _, ok := grouped[key]; !ok {
				order = append(order, key)
			}
			grouped[key] = append(grouped[key], Expand(kv.Value, specifiers))
		}
	}
	for _, key := range order {
		fn, ok := Dispatch[key]
		if !ok {
			continue
		}
		if err := fn(u, grouped[key]); err != nil {
			log.Warn(fmt.Sprintf("fragment: %s: %v", key, err))
		}
	}
	return nil
}

// Expand substitutes systemd's %-specifiers (e.g. %n unit name, %i instance,
// %t runtime dir) using the caller-supplied table; "%%" is a literal percent.
func Expand(value string, specifiers map[rune]string) string {
	var b strings.Builder
	runes := []rune(value)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '%' || i == len(runes)-1 {
			b.WriteRune(runes[i])
			continue
		}
		next := runes[i+1]
		if next == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if repl, ok := specifiers[next]; ok {
			b.WriteString(repl)
			i++
			continue
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// SplitExec tokenizes an ExecStart=-style command line using shell quoting
// rules, mirroring systemd's own use of a shell-like (but not shell-
// executed) argv splitter.
func SplitExec(line string) ([]string, error) {
	return shellquote.Split(line)
}

// SearchPaths resolves name to a fragment file by walking dirs in order. The
// first candidate that exists (as a file or a symlink) is followed: a
// symlink to /dev/null (or any empty regular file) marks the unit masked
// (4.C, I7) and is reported via unit.ErrMasked-shaped text; a symlink
// elsewhere is dereferenced up to FollowMax times, accumulating each
// intermediate path as an alias, before the final target is opened with
// O_NOFOLLOW so a symlink race after the last Lstat can't smuggle in one
// more hop. Chains longer than FollowMax return unit.ErrLoop.
func SearchPaths(dirs []string, name string) (string, []string, error) {
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		resolved, aliases, err := followFragmentLink(candidate)
		if err == nil {
			return resolved, aliases, nil
		}
		if errors.Is(err, unit.ErrLoop) || errors.Is(err, errMasked) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("fragment: %s: %w", name, unit.ErrNoExec)
}

// errMasked marks a unit explicitly disabled via a symlink to /dev/null (or
// an empty regular file), systemd's own masking convention.
var errMasked = errors.New("fragment: unit is masked")

// followFragmentLink resolves path, chasing up to FollowMax symlink hops and
// recording every intermediate path visited as an alias (the unit's other
// valid names per I7's alias-accumulation rule).
func followFragmentLink(path string) (string, []string, error) {
	var aliases []string
	seen := map[string]bool{}
	cur := path
	for hops := 0; ; hops++ {
		if hops > FollowMax {
			return "", nil, unit.ErrLoop
		}
		if seen[cur] {
			return "", nil, unit.ErrLoop
		}
		seen[cur] = true

		fi, err := os.Lstat(cur)
		if err != nil {
			return "", nil, err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			break
		}
		aliases = append(aliases, cur)
		target, err := os.Readlink(cur)
		if err != nil {
			return "", nil, err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(cur), target)
		}
		if target == os.DevNull {
			return "", aliases, errMasked
		}
		cur = target
	}

	f, err := os.OpenFile(cur, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", nil, err
	}
	if fi.Mode().IsRegular() && fi.Size() == 0 {
		return "", aliases, errMasked
	}
	return cur, aliases, nil
}

// MatchesDropIn reports whether filename matches one of the drop-in glob
// patterns configured for a unit directory (e.g. "*.conf" under a
// "<unit>.d/" override directory).
func MatchesDropIn(pattern, filename string) (bool, error) {
	return doublestar.Match(pattern, filename)
}

// TypeFromSuffix resolves the unit Type implied by a fragment's filename,
// delegating to unitname's own suffix table.
func TypeFromSuffix(filename string) (unitname.Type, error) {
	return unitname.ToType(filename)
}
