// Package monitor implements the lifecycle driver and event loop that
// together supervise one container invocation (components C7 and C8 of
// SPEC_FULL.md): daemonization, runtime invocation, sync-pipe reporting,
// the dispatch loop, tail-drain, and exit-file/exit-command handling.
package monitor

import (
	"fmt"
	"strings"
	"time"
)

// LogPath is one parsed `driver:path` entry from --log-path.
type LogPath struct {
	Driver string // "k8s-file" or "journald"
	Path   string
}

// Config is the fully parsed, validated configuration for one monitor
// invocation, built from the CLI flags enumerated in SPEC_FULL.md
// section 4.1's option table.
type Config struct {
	ContainerID   string
	ContainerUUID string
	ContainerName string
	BundlePath    string

	RuntimePath string
	RuntimeArgs []string

	Terminal       bool
	Stdin          bool
	LeaveStdinOpen bool

	ContainerPidFile string
	MonitorPidFile   string

	LogPaths    []LogPath
	LogSizeMax  int64

	Exec            bool
	ExecProcessSpec string

	Restore     bool
	RestoreArgs []string

	ExitDir         string
	ExitCommand     string
	ExitCommandArgs []string

	SocketDirPath string
	Timeout       time.Duration

	SystemdCgroup    bool
	NoPivot          bool
	NoNewKeyring     bool
	ReplaceListenPid bool

	Syslog   bool
	LogLevel string

	// DaemonizeStage2 is set on the re-exec'd copy of the monitor to skip
	// the daemonization steps it has already performed, per the
	// double-fork realization in SPEC_FULL.md section 4.1.
	DaemonizeStage2 bool
}

// ParseLogPaths splits each raw --log-path value (possibly itself a
// comma-separated list of `driver:path` entries, and possibly repeated
// as a flag) into LogPath entries, defaulting the driver to "k8s-file"
// when no colon is present, per spec.md section 4.1.
func ParseLogPaths(raw []string) ([]LogPath, error) {
	var out []LogPath
	for _, group := range raw {
		for _, entry := range strings.Split(group, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			driver, path, found := strings.Cut(entry, ":")
			if !found {
				driver, path = "k8s-file", driver
			}
			switch driver {
			case "k8s-file", "journald":
			default:
				return nil, fmt.Errorf("unrecognized log driver %q", driver)
			}
			out = append(out, LogPath{Driver: driver, Path: path})
		}
	}
	return out, nil
}

// Validate checks the option combinations spec.md section 4.1 requires
// before daemonization; failures here are the "fatal configuration /
// pre-fork" error kind from spec.md section 7 and must abort before any
// sync message is sent.
func (c Config) Validate() error {
	if c.ContainerID == "" {
		return fmt.Errorf("container-id is required")
	}
	if c.ContainerUUID == "" && !c.Exec {
		return fmt.Errorf("container-uuid is required unless running in exec mode")
	}
	if c.RuntimePath == "" {
		return fmt.Errorf("runtime-path is required")
	}
	if c.Exec && c.ExecProcessSpec == "" {
		return fmt.Errorf("exec-process-spec is required in exec mode")
	}
	if c.Exec && c.Restore {
		return fmt.Errorf("exec and restore modes are mutually exclusive")
	}
	return nil
}

// HasJournalBackend reports whether a journald log backend was requested.
func (c Config) HasJournalBackend() bool {
	for _, lp := range c.LogPaths {
		if lp.Driver == "journald" {
			return true
		}
	}
	return false
}

// FileBackendPath returns the configured k8s-file backend path, if any.
func (c Config) FileBackendPath() (string, bool) {
	for _, lp := range c.LogPaths {
		if lp.Driver == "k8s-file" {
			return lp.Path, true
		}
	}
	return "", false
}
