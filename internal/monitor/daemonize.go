package monitor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Stage2Flag is the marker argument appended to the re-exec'd copy of
// the monitor binary so it knows to skip daemonization and proceed
// straight to the lifecycle driver, realizing spec.md section 4.1 step 3
// without a raw fork(2) — see SPEC_FULL.md's REDESIGN FLAGS entry on
// double-fork daemonization.
const Stage2Flag = "--daemonize-stage2"

// LowerOOMScore performs the best-effort /proc/self/oom_score_adj write
// from spec.md section 4.1 step 1. Failure is logged, never fatal.
func LowerOOMScore(log zerolog.Logger) {
	const score = "-999"
	if err := os.WriteFile("/proc/self/oom_score_adj", []byte(score), 0644); err != nil {
		log.Warn().Err(err).Msg("failed to adjust monitor oom_score_adj")
	}
}

// WaitStartPipe implements spec.md section 4.1 step 2: if _OCI_STARTPIPE
// is set, block until the orchestrator writes one byte, then close it.
func WaitStartPipe() error {
	val, ok := os.LookupEnv("_OCI_STARTPIPE")
	if !ok {
		return nil
	}
	fd, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid _OCI_STARTPIPE value %q: %w", val, err)
	}
	f := os.NewFile(uintptr(fd), "start-pipe")
	defer f.Close()

	var b [1]byte
	if _, err := f.Read(b[:]); err != nil {
		return fmt.Errorf("failed to read start pipe gate byte: %w", err)
	}
	return nil
}

// Daemonize performs spec.md section 4.1 step 3: it re-execs the current
// binary with Stage2Flag appended, in a new session, with stdio
// redirected to /dev/null, matching "the intermediate child redirects
// stdio to /dev/null, calls setsid, then becomes the actual monitor" —
// realized here as properties of the re-exec'd process rather than
// syscalls the process applies to itself after a raw fork. The caller's
// process (the "grandparent" in spec.md's description) writes the
// monitor pid to monitorPidFile and is expected to exit 0 immediately
// after Daemonize returns.
func Daemonize(monitorPidFile string) error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open /dev/null: %w", err)
	}
	defer devnull.Close()

	args := append(append([]string{}, os.Args[1:]...), Stage2Flag)
	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to re-exec monitor for daemonization: %w", err)
	}

	if monitorPidFile != "" {
		if err := os.WriteFile(monitorPidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0644); err != nil {
			return fmt.Errorf("failed to write monitor pid file: %w", err)
		}
	}

	// The daemonized copy now owns the container's lifetime; this process
	// deliberately does not wait on it.
	return nil
}

// SetSubreaper marks the calling process as a child subreaper, per
// spec.md section 4.1 step 4, so orphaned descendants of the runtime
// child are re-parented here instead of escaping reaping.
func SetSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to set child subreaper: %w", err)
	}
	return nil
}
