package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

func closeFd(fd int) error { return unix.Close(fd) }

// WriteExitFile writes <exit-dir>/<cid> containing the container's exit
// code in decimal with no trailing newline, per spec.md section 6. A
// blank exitDir disables this step (no orchestrator polling it).
func WriteExitFile(exitDir, containerID string, code int) error {
	if exitDir == "" {
		return nil
	}
	if err := os.MkdirAll(exitDir, 0755); err != nil {
		return fmt.Errorf("failed to create exit directory: %w", err)
	}
	path := filepath.Join(exitDir, containerID)
	if err := os.WriteFile(path, []byte(strconv.Itoa(code)), 0644); err != nil {
		return fmt.Errorf("failed to write exit file: %w", err)
	}
	return nil
}

// CloseExtraFds closes every open descriptor numbered 3 or above, per
// spec.md section 4.1 step 11: "close inherited fds ≥3 (so the
// orchestrator's port-holding fds are released before notifying)".
// keep lists descriptors that must survive the sweep (e.g. an already-
// opened log file or sync pipe still in use).
func CloseExtraFds(keep map[int]bool) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return
	}
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil || fd < 3 {
			continue
		}
		if keep[fd] {
			continue
		}
		_ = closeFd(fd)
	}
}
