// Package condition evaluates the condition predicates attached to a unit:
// path checks, kernel command line, virtualization and security detectors,
// and the always-true/false null condition, each optionally prefixed with a
// trigger ('|') and/or negate ('!') marker.
package condition

import (
	"fmt"
	"os"
	"strings"
)

// Kind enumerates the recognized condition predicates.
type Kind string

const (
	PathExists       Kind = "path-exists"
	PathIsDirectory  Kind = "path-is-directory"
	DirectoryNotEmpty Kind = "directory-not-empty"
	KernelCmdline    Kind = "kernel-command-line"
	Virtualization   Kind = "virtualization"
	Security         Kind = "security"
	Null             Kind = "null"
)

// Condition is a single predicate: (kind, parameter, trigger, negate).
type Condition struct {
	Kind      Kind
	Parameter string
	Trigger   bool
	Negate    bool
}

// Detectors abstracts the environment probes a Condition may need, so tests
// can substitute fakes without touching the filesystem or /proc.
type Detectors struct {
	Stat              func(path string) (isDir bool, exists bool)
	DirEmpty          func(path string) (empty bool, err error)
	KernelCmdline     func() (string, error)
	VirtualizationTag func() string
	SecurityModules   func() []string
}

// DefaultDetectors returns the real, OS-backed probe set.
func DefaultDetectors() Detectors {
	return Detectors{
		Stat: func(path string) (bool, bool) {
			fi, err := os.Stat(path)
			if err != nil {
				return false, false
			}
			return fi.IsDir(), true
		},
		DirEmpty: func(path string) (bool, error) {
			entries, err := os.ReadDir(path)
			if err != nil {
				return false, err
			}
			return len(entries) == 0, nil
		},
		KernelCmdline: func() (string, error) {
			b, err := os.ReadFile("/proc/cmdline")
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		// Out of scope for this manager: no hypervisor/CPUID probing is
		// implemented. Callers needing a real answer inject a detector.
		VirtualizationTag: func() string { return "none" },
		SecurityModules:   func() []string { return nil },
	}
}

// Parse reads a single condition line of the form "[|][!]kind:parameter" (the
// fragment parser hands Parse an already-split kind and raw value, so this
// helper operates on the value only, applying the trigger/negate markers
// that prefix it).
func Parse(kind Kind, raw string) (Condition, error) {
	c := Condition{Kind: kind}
	if strings.HasPrefix(raw, "|") {
		c.Trigger = true
		raw = raw[1:]
	}
	if strings.HasPrefix(raw, "!") {
		c.Negate = true
		raw = raw[1:]
	}
	if strings.HasPrefix(raw, "|") {
		return Condition{}, fmt.Errorf("condition: '|' must precede '!', got %q", raw)
	}
	c.Parameter = raw
	return c, nil
}

func (c Condition) evaluateRaw(d Detectors) (bool, error) {
	switch c.Kind {
	case PathExists:
		_, exists := d.Stat(c.Parameter)
		return exists, nil
	case PathIsDirectory:
		isDir, exists := d.Stat(c.Parameter)
		return exists && isDir, nil
	case DirectoryNotEmpty:
		empty, err := d.DirEmpty(c.Parameter)
		if err != nil {
			return false, nil // missing directory: condition is false, not an error
		}
		return !empty, nil
	case KernelCmdline:
		line, err := d.KernelCmdline()
		if err != nil {
			return false, nil
		}
		return cmdlineHasArg(line, c.Parameter), nil
	case Virtualization:
		tag := d.VirtualizationTag()
		if c.Parameter == "" {
			return tag != "none", nil
		}
		return tag == c.Parameter, nil
	case Security:
		mods := d.SecurityModules()
		for _, m := range mods {
			if m == c.Parameter {
				return true, nil
			}
		}
		return false, nil
	case Null:
		return c.Parameter != "false", nil
	default:
		return false, fmt.Errorf("condition: unknown kind %q", c.Kind)
	}
}

func cmdlineHasArg(cmdline, want string) bool {
	for _, tok := range strings.Fields(cmdline) {
		if tok == want {
			return true
		}
		if eq := strings.IndexByte(want, '='); eq < 0 {
			if key := tok; strings.HasPrefix(key, want+"=") {
				return true
			}
		}
	}
	return false
}

// Evaluate applies a raw result's XOR with Negate.
func (c Condition) Evaluate(d Detectors) (bool, error) {
	raw, err := c.evaluateRaw(d)
	if err != nil {
		return false, err
	}
	return raw != c.Negate, nil // != is boolean XOR
}

// EvaluateList implements the full-list semantics from the specification: if
// no trigger condition exists, all must pass; if any trigger condition
// exists, all non-trigger conditions must pass AND at least one trigger
// condition must pass.
func EvaluateList(conds []Condition, d Detectors) (bool, error) {
	hasTrigger := false
	for _, c := range conds {
		if c.Trigger {
			hasTrigger = true
			break
		}
	}

	triggerPassed := false
	for _, c := range conds {
		ok, err := c.Evaluate(d)
		if err != nil {
			return false, err
		}
		if c.Trigger {
			if ok {
				triggerPassed = true
			}
			continue
		}
		if !ok {
			return false, nil
		}
	}
	if hasTrigger && !triggerPassed {
		return false, nil
	}
	return true, nil
}
