// Package config holds the manager's process-level configuration: unit
// search paths, the data directory for durable state, and the control API's
// listen address. Grounded on pkg/manager/manager.go's Config struct
// (NodeID/BindAddr/DataDir) — generalized here from a cluster node's
// identity to a single manager's unit-path and socket configuration, since
// this system has no cluster membership concept.
package config

import (
	"fmt"
	"os"
	"strings"
)

// DefaultUnitPath mirrors systemd's own search order: administrator
// overrides first, then vendor-supplied units, narrowest-to-widest scope.
var DefaultUnitPath = []string{
	"/etc/unitd/system",
	"/run/unitd/system",
	"/usr/lib/unitd/system",
}

// DefaultSocketPath is the control API's Unix domain socket.
const DefaultSocketPath = "/run/unitd/control.sock"

// Config is the manager's process configuration.
type Config struct {
	// UnitPath is the ordered list of directories searched for unit
	// fragments (4.C); first match wins.
	UnitPath []string

	// DataDir holds historydb.db and any re-exec checkpoint state.
	DataDir string

	// SocketPath is the control API's listen address (REST-over-Unix-socket).
	SocketPath string

	// LogLevel/LogJSON are passed straight through to pkg/log.Init.
	LogLevel string
	LogJSON  bool
}

// Default returns the baseline configuration, overridable by flags/env in
// cmd/unitd.
func Default() Config {
	return Config{
		UnitPath:   append([]string(nil), DefaultUnitPath...),
		DataDir:    "/var/lib/unitd",
		SocketPath: DefaultSocketPath,
		LogLevel:   "info",
		LogJSON:    true,
	}
}

// ApplyEnvOverrides honors SYSTEMD_UNIT_PATH and UNITD_UNIT_PATH (both
// colon-separated; UNITD_UNIT_PATH wins when both are set) and
// UNITD_DATA_DIR, the knobs an administrator most often needs to override
// without touching flags.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SYSTEMD_UNIT_PATH"); v != "" {
		c.UnitPath = strings.Split(v, ":")
	}
	if v := os.Getenv("UNITD_UNIT_PATH"); v != "" {
		c.UnitPath = strings.Split(v, ":")
	}
	if v := os.Getenv("UNITD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// Validate reports a non-nil error if the configuration cannot be used to
// start a manager.
func (c *Config) Validate() error {
	if len(c.UnitPath) == 0 {
		return fmt.Errorf("config: unit path must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data directory must be set")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("config: socket path must be set")
	}
	return nil
}
