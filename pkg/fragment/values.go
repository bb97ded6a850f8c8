package fragment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/unitd/pkg/unit"
)

// parseIntRange parses a base-10 integer and rejects it outside [lo, hi],
// mirroring load-fragment.c's config_parse_* range checks (e.g. CPU
// scheduling priority, §4.C "integers in range").
func parseIntRange(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("fragment: not an integer: %q", s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("fragment: %d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

// parseFileMode parses an octal file-mode directive (e.g. UMask=0022),
// grounded on config_parse_mode.
func parseFileMode(s string) (int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("fragment: bad file mode %q: %w", s, err)
	}
	return int(n), nil
}

// durationUnits maps parse_usec's recognized suffixes to a time.Duration
// multiplier. parseDuration tries them in list order and moves on to the
// next entry whenever the text left after stripping a suffix is not a number.
var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"us", time.Microsecond},
	{"usec", time.Microsecond},
	{"ms", time.Millisecond},
	{"msec", time.Millisecond},
	{"min", time.Minute},
	{"h", time.Hour},
	{"hr", time.Hour},
	{"d", 24 * time.Hour},
	{"day", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
	{"week", 7 * 24 * time.Hour},
	{"s", time.Second},
	{"sec", time.Second},
}

// parseDuration parses a systemd-style time value: a bare number is
// seconds, or a number directly followed by a recognized unit suffix,
// grounded on parse_usec in original_source/src/load-fragment.c.
// "infinity" parses to the zero Duration with a nil error.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "infinity" {
		return 0, nil
	}
	for _, u := range durationUnits {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSuffix(s, u.suffix)
			n, err := strconv.ParseFloat(strings.TrimSpace(numPart), 64)
			if err != nil {
				continue
			}
			return time.Duration(n * float64(u.unit)), nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("fragment: bad time value %q", s)
	}
	return time.Duration(n * float64(time.Second)), nil
}

var byteSizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"K", 1024},
	{"M", 1024 * 1024},
	{"G", 1024 * 1024 * 1024},
	{"T", 1024 * 1024 * 1024 * 1024},
}

// parseByteSize parses a 1024-based byte-size directive (e.g.
// MemoryLimit=512M), grounded on load-fragment.c's config_parse_size.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, u := range byteSizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, u.suffix), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("fragment: bad byte size %q", s)
			}
			return n * u.mult, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fragment: bad byte size %q", s)
	}
	return n, nil
}

// parseRLimit parses a resource-limit directive: "infinity" or an integer,
// applied to both the soft and hard limit, matching config_parse_limit's
// "(*rl)->rlim_cur = (*rl)->rlim_max = (rlim_t) u" behavior.
func parseRLimit(s string) (unit.RLimit, error) {
	s = strings.TrimSpace(s)
	if s == "infinity" {
		return unit.RLimit{Soft: unit.RLimitInfinity, Hard: unit.RLimitInfinity}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return unit.RLimit{}, fmt.Errorf("fragment: bad resource limit %q", s)
	}
	return unit.RLimit{Soft: n, Hard: n}, nil
}

// parseCPUAffinity parses a whitespace-separated list of non-negative CPU
// indices, grounded on config_parse_cpu_affinity.
func parseCPUAffinity(s string) ([]int, error) {
	var out []int
	for _, tok := range strings.Fields(s) {
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("fragment: bad CPU index %q", tok)
		}
		out = append(out, n)
	}
	return out, nil
}

// secureBitNames maps config_parse_secure_bits' recognized tokens to their
// PR_SET_SECUREBITS flag value.
var secureBitNames = map[string]int{
	"keep-caps":              unit.SecureKeepCaps,
	"keep-caps-locked":       unit.SecureKeepCapsLocked,
	"no-setuid-fixup":        unit.SecureNoSetuidFixup,
	"no-setuid-fixup-locked": unit.SecureNoSetuidFixupLocked,
	"noroot":                 unit.SecureNoRoot,
	"noroot-locked":          unit.SecureNoRootLocked,
}

// parseSecureBits parses a whitespace-separated list of secure-bit tokens
// into their OR'd flag value, grounded on config_parse_secure_bits.
func parseSecureBits(s string) (int, error) {
	var bits int
	for _, tok := range strings.Fields(s) {
		flag, ok := secureBitNames[tok]
		if !ok {
			return 0, fmt.Errorf("fragment: unknown secure bit %q", tok)
		}
		bits |= flag
	}
	return bits, nil
}

// parseCapabilitySet parses a whitespace-separated capability-name list,
// optionally "~"-prefixed to invert, grounded on config_parse_bounding_set.
// The kernel-facing inverted representation is kept as the internal form
// per DESIGN.md's Open Question 1 disposition.
func parseCapabilitySet(s string) (unit.CapabilitySet, error) {
	inverted := false
	if strings.HasPrefix(s, "~") {
		inverted = true
		s = s[1:]
	}
	names := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		if !strings.HasPrefix(tok, "CAP_") {
			return unit.CapabilitySet{}, fmt.Errorf("fragment: bad capability name %q", tok)
		}
		names[tok] = true
	}
	return unit.CapabilitySet{Names: names, Inverted: inverted}, nil
}

// parseListenEndpoint tags a ListenStream=/ListenDatagram=/ListenFIFO=
// directive's address with its transport, leaving address-shape validation
// (numeric port vs path vs host:port) to the socket's own bind call.
func parseListenEndpoint(transport, addr string) unit.ListenEndpoint {
	return unit.ListenEndpoint{Transport: transport, Address: strings.TrimSpace(addr)}
}

// parseExecCommand splits one ExecStart=-style line into an ExecCommand,
// recognizing the "-" ignorable-failure and "@argv0" argv[0]-override
// prefixes before handing the remainder to SplitExec (4.C).
func parseExecCommand(line string) (unit.ExecCommand, error) {
	cmd := unit.ExecCommand{}
	for len(line) > 0 && (line[0] == '-' || line[0] == '@') {
		switch line[0] {
		case '-':
			cmd.IgnoreFailure = true
			line = line[1:]
		case '@':
			line = line[1:]
			sp := strings.IndexAny(line, " \t")
			if sp < 0 {
				cmd.Argv0Override = line
				line = ""
			} else {
				cmd.Argv0Override = line[:sp]
				line = line[sp:]
			}
		}
	}
	parts, err := SplitExec(strings.TrimSpace(line))
	if err != nil {
		return unit.ExecCommand{}, err
	}
	if len(parts) == 0 {
		return unit.ExecCommand{}, fmt.Errorf("fragment: empty command line")
	}
	cmd.Path = parts[0]
	cmd.Args = parts[1:]
	return cmd, nil
}

// parseExecCommandList splits a ";"-separated ExecStart=-style directive
// into its individual commands (4.C's "multi-command separator").
func parseExecCommandList(line string) ([]unit.ExecCommand, error) {
	var out []unit.ExecCommand
	for _, part := range strings.Split(line, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cmd, err := parseExecCommand(part)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, nil
}
