package nspin

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// helperProcess is the re-exec'd copy of the pinns binary that holds the
// user and/or mount namespaces open long enough for the parent to write
// uid/gid maps and bind-mount the namespace files, per spec.md section
// 4.9 step 3.
type helperProcess struct {
	cmd *exec.Cmd
}

// startHelper re-execs the running binary with HelperFlag, carrying the
// requested kind mask and the fd handshake pipes described in
// runHelperMain. It blocks until the child has unshared its user
// namespace (if requested) and the parent has written the uid/gid maps,
// matching the ordering spec.md section 4.9 step 3 requires: "child
// unshares user ns first and signals; parent writes uid/gid maps;
// child then unshares remaining kinds and pauses".
func startHelper(reqs []Request, uidMap, gidMap string) (*helperProcess, error) {
	var userMask, restMask int
	for _, r := range reqs {
		if r.Host {
			continue
		}
		if r.Kind == KindUser {
			userMask |= r.Kind.cloneFlag()
		} else {
			restMask |= r.Kind.cloneFlag()
		}
	}

	sigR, sigW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	contR, contW, err := os.Pipe()
	if err != nil {
		sigR.Close()
		sigW.Close()
		return nil, err
	}

	cmd := exec.Command(os.Args[0], HelperFlag, strconv.Itoa(userMask), strconv.Itoa(restMask))
	cmd.ExtraFiles = []*os.File{sigW, contR}
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}

	if err := cmd.Start(); err != nil {
		sigR.Close()
		sigW.Close()
		contR.Close()
		contW.Close()
		return nil, fmt.Errorf("failed to start helper process: %w", err)
	}
	// The parent only needs its own ends of each pipe from here on.
	sigW.Close()
	contR.Close()

	if userMask != 0 {
		var b [1]byte
		if _, err := sigR.Read(b[:]); err != nil {
			return nil, fmt.Errorf("failed to read user-namespace-ready signal from helper: %w", err)
		}
		if err := writeIDMaps(cmd.Process.Pid, uidMap, gidMap); err != nil {
			return nil, err
		}
	}
	sigR.Close()

	if _, err := contW.Write([]byte{1}); err != nil {
		return nil, fmt.Errorf("failed to signal helper to continue: %w", err)
	}
	contW.Close()

	return &helperProcess{cmd: cmd}, nil
}

func writeIDMaps(pid int, uidMap, gidMap string) error {
	if uidMap != "" {
		if err := os.WriteFile(fmt.Sprintf("/proc/%d/uid_map", pid), []byte(translateMap(uidMap)), 0644); err != nil {
			return fmt.Errorf("failed to write uid_map: %w", err)
		}
	}
	if gidMap != "" {
		setgroupsPath := fmt.Sprintf("/proc/%d/setgroups", pid)
		os.WriteFile(setgroupsPath, []byte("deny"), 0644)
		if err := os.WriteFile(fmt.Sprintf("/proc/%d/gid_map", pid), []byte(translateMap(gidMap)), 0644); err != nil {
			return fmt.Errorf("failed to write gid_map: %w", err)
		}
	}
	return nil
}

func (h *helperProcess) killAndReap() {
	h.cmd.Process.Kill()
	h.cmd.Wait()
}

// RunHelperMain is the entry point cmd/lxcri-pinns calls when invoked
// with HelperFlag. args holds the two clone masks passed by startHelper:
// the user-namespace mask (unshared before signalling the parent) and
// the mask for every remaining helper-backed kind (unshared once the
// parent has written the id maps). It never returns on success; it
// blocks until killed, holding the namespaces open for the parent to
// bind-mount from /proc/<this-pid>/ns/<kind>.
func RunHelperMain(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("nspin helper: expected 2 arguments, got %d", len(args))
	}
	userMask, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("nspin helper: invalid user mask %q: %w", args[0], err)
	}
	restMask, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("nspin helper: invalid remaining mask %q: %w", args[1], err)
	}

	sigW := os.NewFile(3, "nspin-signal")
	contR := os.NewFile(4, "nspin-continue")
	if sigW == nil || contR == nil {
		return fmt.Errorf("nspin helper: missing handshake file descriptors")
	}

	if userMask != 0 {
		if err := unix.Unshare(userMask); err != nil {
			return fmt.Errorf("nspin helper: failed to unshare user namespace: %w", err)
		}
	}
	if _, err := sigW.Write([]byte{1}); err != nil {
		return fmt.Errorf("nspin helper: failed to signal parent: %w", err)
	}

	var b [1]byte
	if _, err := contR.Read(b[:]); err != nil {
		return fmt.Errorf("nspin helper: failed to read continue signal: %w", err)
	}

	if restMask != 0 {
		if err := unix.Unshare(restMask); err != nil {
			return fmt.Errorf("nspin helper: failed to unshare remaining namespaces: %w", err)
		}
	}

	// Hold the namespaces open until the parent is done binding them and
	// sends SIGKILL; there is nothing further for this process to do.
	select {}
}
