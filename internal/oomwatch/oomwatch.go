// Package oomwatch implements the monitor's OOM watcher (component C5 of
// SPEC_FULL.md): it subscribes to the memory cgroup's OOM notifier via
// eventfd and records events to a marker file.
package oomwatch

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const cgroupMemoryRoot = "/sys/fs/cgroup/memory"

// Watcher holds the eventfd and control descriptors for one container's
// memory cgroup OOM subscription.
type Watcher struct {
	efd int
	ofd int
}

// memoryCgroupPath resolves the memory cgroup subpath for pid by parsing
// /proc/<pid>/cgroup, per spec.md section 4.5.
func memoryCgroupPath(pid int) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// format: hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		controllers := strings.Split(parts[1], ",")
		for _, c := range controllers {
			if c == "memory" {
				return parts[2], nil
			}
		}
	}
	return "", fmt.Errorf("no memory cgroup entry found for pid %d", pid)
}

// Subscribe creates an eventfd and registers it with the memory cgroup's
// OOM notifier for the given pid, per spec.md section 4.5. On any
// failure it returns a nil *Watcher and logs a warning through log;
// callers should treat a nil Watcher as "OOM not reported" and continue
// running the container, per spec.md's degraded-mode requirement.
func Subscribe(pid int, log zerolog.Logger) *Watcher {
	w, err := subscribe(pid)
	if err != nil {
		log.Warn().Err(err).Msg("OOM notifications unavailable, continuing without them")
		return nil
	}
	return w
}

func subscribe(pid int) (*Watcher, error) {
	cgPath, err := memoryCgroupPath(pid)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(cgroupMemoryRoot, cgPath)
	eventControl := filepath.Join(dir, "cgroup.event_control")
	oomControl := filepath.Join(dir, "memory.oom_control")

	if _, err := os.Stat(eventControl); err != nil {
		return nil, fmt.Errorf("cgroup v1 cgroup.event_control not available: %w", err)
	}

	ofd, err := unix.Open(oomControl, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", oomControl, err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(ofd)
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}

	ctrl, err := os.OpenFile(eventControl, os.O_WRONLY, 0)
	if err != nil {
		unix.Close(ofd)
		unix.Close(efd)
		return nil, fmt.Errorf("failed to open %s: %w", eventControl, err)
	}
	defer ctrl.Close()

	if _, err := fmt.Fprintf(ctrl, "%d %d", efd, ofd); err != nil {
		unix.Close(ofd)
		unix.Close(efd)
		return nil, fmt.Errorf("failed to register oom eventfd: %w", err)
	}

	return &Watcher{efd: efd, ofd: ofd}, nil
}

// Fd returns the eventfd to register readability with the dispatch
// goroutine.
func (w *Watcher) Fd() int { return w.efd }

// HandleEvent is called when the eventfd becomes readable. It drains the
// uint64 counter and creates (if absent) an empty marker file named "oom" in the process's
// current working directory, exactly as spec.md section 4.5 and 9
// describe ("the historical code writes the oom marker in the process's
// current working directory... preserved but worth documenting as a
// contract"). The watcher remains registered afterwards.
func (w *Watcher) HandleEvent() error {
	var val [8]byte
	if _, err := unix.Read(w.efd, val[:]); err != nil {
		return fmt.Errorf("failed to read oom eventfd: %w", err)
	}
	_ = binary.LittleEndian.Uint64(val[:]) // counter value, unused

	f, err := os.OpenFile("oom", os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("failed to open oom marker file: %w", err)
	}
	return f.Close()
}

// Close releases the eventfd and control descriptors.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	unix.Close(w.efd)
	return unix.Close(w.ofd)
}
