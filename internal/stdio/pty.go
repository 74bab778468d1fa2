package stdio

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PtyEndpoint is the pty-backed shape of Endpoint: stdout and stdin share
// a single master descriptor, stderr is unused.
type PtyEndpoint struct {
	master *os.File
}

var _ Endpoint = (*PtyEndpoint)(nil)

// ConsoleSocket creates the temporary Unix socket the runtime connects
// back to in order to hand over the pty master via SCM_RIGHTS, per
// spec.md section 4.2. The returned listener must be closed (and its
// backing file removed) once the handoff has happened or failed; the
// caller is also responsible for removing the directory it was created
// in, as the teacher's runStartCmdConsole counterpart does on the sending
// side.
func ConsoleSocket(dir string) (*net.UnixListener, string, error) {
	sockPath := filepath.Join(dir, fmt.Sprintf("conmon-term.%d", os.Getpid()))
	addr := &net.UnixAddr{Name: sockPath, Net: "unix"}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen on console socket: %w", err)
	}
	if err := os.Chmod(sockPath, 0700); err != nil {
		l.Close()
		return nil, "", fmt.Errorf("failed to chmod console socket: %w", err)
	}
	return l, sockPath, nil
}

// AcceptConsole accepts one connection on the console socket and reads
// the pty master fd sent via SCM_RIGHTS. The listener's backing file is
// removed when AcceptConsole returns, whether the handoff succeeded or
// failed; it stays in place while the runtime may still need to dial it
// (the socket itself keeps working until Close, per standard Unix
// semantics).
func AcceptConsole(l *net.UnixListener, sockPath string) (*PtyEndpoint, error) {
	defer os.Remove(sockPath)

	conn, err := l.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("failed to accept on console socket: %w", err)
	}
	defer conn.Close()

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var (
		master *os.File
		recvErr error
	)
	ctlErr := rawConn.Read(func(fd uintptr) bool {
		buf := make([]byte, 16)
		oob := make([]byte, unix.CmsgSpace(4))
		n, oobn, _, _, err := unix.Recvmsg(int(fd), buf, oob, 0)
		if err != nil {
			recvErr = fmt.Errorf("recvmsg on console socket failed: %w", err)
			return true
		}
		if n == 0 && oobn == 0 {
			recvErr = fmt.Errorf("empty message on console socket")
			return true
		}
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			recvErr = fmt.Errorf("failed to parse control message: %w", err)
			return true
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			if len(fds) > 0 {
				master = os.NewFile(uintptr(fds[0]), "pty-master")
			}
		}
		if master == nil {
			recvErr = fmt.Errorf("no file descriptor received on console socket")
		}
		return true
	})
	if ctlErr != nil {
		return nil, ctlErr
	}
	if recvErr != nil {
		return nil, recvErr
	}

	if err := enableONLCR(master); err != nil {
		master.Close()
		return nil, fmt.Errorf("failed to enable ONLCR on pty master: %w", err)
	}

	return &PtyEndpoint{master: master}, nil
}

// enableONLCR sets the ONLCR output flag on the pty master, so that a
// bare '\n' written by the container is translated to "\r\n" the way a
// real terminal would, per spec.md section 4.2.
func enableONLCR(master *os.File) error {
	termios, err := unix.IoctlGetTermios(int(master.Fd()), unix.TCGETS)
	if err != nil {
		return err
	}
	termios.Oflag |= unix.ONLCR
	return unix.IoctlSetTermios(int(master.Fd()), unix.TCSETS, termios)
}

// Stdout implements Endpoint.
func (p *PtyEndpoint) Stdout() *os.File { return p.master }

// Stderr implements Endpoint; unused for a pty.
func (p *PtyEndpoint) Stderr() *os.File { return nil }

// Stdin implements Endpoint; the pty master itself is the write side too.
func (p *PtyEndpoint) Stdin() *os.File { return p.master }

// IsTerminal implements Endpoint.
func (p *PtyEndpoint) IsTerminal() bool { return true }

// Resize applies TIOCSWINSZ to the pty master.
func (p *PtyEndpoint) Resize(rows, cols int) error {
	return pty.Setsize(p.master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// CloseStdin is a no-op for a pty: closing it would also destroy stdout.
// leave-stdin-open semantics are moot for terminals; only Close tears the
// master down.
func (p *PtyEndpoint) CloseStdin() error { return nil }

// Close releases the pty master.
func (p *PtyEndpoint) Close() error {
	if p.master == nil {
		return nil
	}
	return p.master.Close()
}
