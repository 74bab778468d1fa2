// Package nspin implements the namespace pinner (component C9 of
// SPEC_FULL.md): given a pin directory and a set of namespace kinds, it
// unshares and bind-mounts each onto a file so the namespace survives
// after every process that held it exits.
package nspin

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// HelperFlag marks a re-exec'd copy of the pinns binary as the helper
// process used for the user/mnt namespace handshake, realizing the "fork
// a helper" step of spec.md section 4.9 without a raw fork(2) in a
// multi-threaded Go process.
const HelperFlag = "--nspin-helper"

// Kind is one of the namespace kinds pinns can pin.
type Kind string

const (
	KindUTS    Kind = "uts"
	KindIPC    Kind = "ipc"
	KindNet    Kind = "net"
	KindUser   Kind = "user"
	KindCgroup Kind = "cgroup"
	KindMnt    Kind = "mnt"
)

func (k Kind) cloneFlag() int {
	switch k {
	case KindUTS:
		return unix.CLONE_NEWUTS
	case KindIPC:
		return unix.CLONE_NEWIPC
	case KindNet:
		return unix.CLONE_NEWNET
	case KindUser:
		return unix.CLONE_NEWUSER
	case KindCgroup:
		return unix.CLONE_NEWCGROUP
	case KindMnt:
		return unix.CLONE_NEWNS
	default:
		return 0
	}
}

// needsHelper reports whether a kind requires the fork-then-map-then-pin
// handshake instead of an in-process unshare, per spec.md section 4.9
// step 3.
func (k Kind) needsHelper() bool {
	return k == KindUser || k == KindMnt
}

// Request is one kind the caller wants pinned. Host, when true, means
// "bind the namespace the calling process (or pid) is already in"
// instead of unsharing a fresh one — spec.md section 4.9 step 2's
// host-passthrough.
type Request struct {
	Kind Kind
	Host bool
}

// Options configures one pinning run.
type Options struct {
	PinDir   string
	FileName string
	Requests []Request
	Sysctls  []string // raw "key=value" entries, applied after unshare
	UIDMap   string    // "@"-separated records, "-"-separated fields
	GIDMap   string
}

// Pin implements spec.md section 4.9 end to end: directory validation,
// unsharing (directly or via a helper process for user/mnt), sysctl
// application, and bind-mounting each requested kind onto
// <pin>/<kind>ns/<filename>.
func Pin(opt Options) error {
	if len(opt.Requests) == 0 {
		return fmt.Errorf("no namespace kinds requested")
	}
	if err := ensurePinDir(opt.PinDir); err != nil {
		return err
	}

	var directKinds, helperKinds []Request
	for _, r := range opt.Requests {
		if r.Host {
			continue
		}
		if r.Kind.needsHelper() {
			helperKinds = append(helperKinds, r)
			continue
		}
		directKinds = append(directKinds, r)
	}

	sysctlsApplied := false
	if len(directKinds) > 0 {
		if err := pinDirect(opt.PinDir, opt.FileName, directKinds, opt.Sysctls); err != nil {
			return err
		}
		sysctlsApplied = true
	}

	var helper *helperProcess
	if len(helperKinds) > 0 {
		h, err := startHelper(helperKinds, opt.UIDMap, opt.GIDMap)
		if err != nil {
			return fmt.Errorf("failed to start namespace pinning helper: %w", err)
		}
		helper = h
		defer helper.killAndReap()

		for _, r := range helperKinds {
			nsPath := fmt.Sprintf("/proc/%d/ns/%s", h.cmd.Process.Pid, r.Kind)
			if err := bindNS(opt.PinDir, opt.FileName, r.Kind, nsPath); err != nil {
				return err
			}
		}
	}

	if !sysctlsApplied && len(opt.Sysctls) > 0 {
		if err := applySysctls(opt.Sysctls); err != nil {
			return err
		}
	}

	for _, r := range opt.Requests {
		if !r.Host {
			continue
		}
		if err := bindNS(opt.PinDir, opt.FileName, r.Kind, "/proc/self/ns/"+string(r.Kind)); err != nil {
			return err
		}
	}

	return nil
}

func ensurePinDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	if err != nil {
		return fmt.Errorf("failed to stat pin directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// pinDirect handles every kind that does not need the helper handshake.
// unshare(2) only ever changes the calling thread's namespace membership,
// and a LockOSThread'd goroutine that returns has its thread retired
// rather than reused, so the unshare and every direct kind's bind-mount
// must happen inside the same still-running locked goroutine, sourced
// from /proc/thread-self rather than /proc/self. This mirrors
// go.podman.io/common/pkg/netns's newNSPath, which unshares and binds a
// single network namespace together for exactly this reason.
func pinDirect(pinDir, fileName string, reqs []Request, sysctls []string) error {
	var mask int
	for _, r := range reqs {
		mask |= r.Kind.cloneFlag()
	}

	var wg sync.WaitGroup
	var opErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		runtime.LockOSThread()

		if err := unix.Unshare(mask); err != nil {
			opErr = fmt.Errorf("failed to unshare namespaces: %w", err)
			return
		}
		if len(sysctls) > 0 {
			if err := applySysctls(sysctls); err != nil {
				opErr = err
				return
			}
		}
		for _, r := range reqs {
			nsPath := "/proc/thread-self/ns/" + string(r.Kind)
			if err := bindNS(pinDir, fileName, r.Kind, nsPath); err != nil {
				opErr = err
				return
			}
		}
	}()
	wg.Wait()
	return opErr
}

func bindNS(pinDir, fileName string, kind Kind, nsPath string) error {
	nsDir := pinDir + "/" + string(kind) + "ns"
	if err := os.MkdirAll(nsDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", nsDir, err)
	}
	bindPath := nsDir + "/" + fileName

	f, err := os.OpenFile(bindPath, os.O_RDONLY|os.O_CREATE|os.O_EXCL, 0)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create ns pin file %s: %w", bindPath, err)
	}
	if f != nil {
		f.Close()
	}

	if kind == KindMnt {
		if err := unix.Mount(nsDir, nsDir, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("failed to self-bind mount %s: %w", nsDir, err)
		}
		if err := unix.Mount("", nsDir, "", unix.MS_UNBINDABLE, ""); err != nil {
			return fmt.Errorf("failed to mark %s unbindable: %w", nsDir, err)
		}
	}

	if err := unix.Mount(nsPath, bindPath, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("failed to bind mount %s onto %s: %w", nsPath, bindPath, err)
	}
	return nil
}

// translateMap turns a CLI-friendly uid/gid map string into the newline-
// and space-delimited form /proc/<pid>/{uid,gid}_map expects, per
// spec.md section 4.9 step 3's "@ -> newline, - -> space".
func translateMap(s string) string {
	s = strings.ReplaceAll(s, "@", "\n")
	s = strings.ReplaceAll(s, "-", " ")
	return s
}
