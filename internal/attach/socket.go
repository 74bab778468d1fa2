// Package attach implements the monitor's attach hub (component C3 of
// SPEC_FULL.md): a SOCK_SEQPACKET listener that fans container stdio out
// to connected clients and fans their stdin back in.
package attach

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// PathLimit mirrors the kernel's sockaddr_un sun_path size (108 on
// Linux), used to decide whether the bundle-path symlink needs shortening.
const PathLimit = 108

// SocketPaths returns the symlink path (pointing at the bundle) and the
// actual socket path beneath it, shortening the symlink name by one
// character if the composed path would hit PathLimit exactly, per
// spec.md section 4.3. Collisions from shortening are tolerated, per the
// open question in spec.md section 9.
func SocketPaths(socketDirPath, containerUUID string) (symlink, sockPath string) {
	symlink = filepath.Join(socketDirPath, containerUUID)
	if len(symlink) == PathLimit {
		shortened := containerUUID[:len(containerUUID)-1]
		symlink = filepath.Join(socketDirPath, shortened)
	}
	return symlink, filepath.Join(symlink, "attach")
}

// Listener wraps the raw SOCK_SEQPACKET listening socket.
type Listener struct {
	fd       int
	path     string
	symlink  string
}

// Listen creates <socket-dir>/<cuuid> as a symlink to bundlePath, then
// creates and binds the SOCK_SEQPACKET socket at <socket-dir>/<cuuid>/attach,
// per spec.md section 4.3.
func Listen(socketDirPath, containerUUID, bundlePath string) (*Listener, error) {
	symlink, sockPath := SocketPaths(socketDirPath, containerUUID)

	if err := os.Symlink(bundlePath, symlink); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create attach symlink: %w", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		os.Remove(symlink)
		return nil, fmt.Errorf("failed to create attach socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: sockPath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		os.Remove(symlink)
		return nil, fmt.Errorf("failed to bind attach socket: %w", err)
	}
	if err := os.Chmod(sockPath, 0700); err != nil {
		unix.Close(fd)
		os.Remove(symlink)
		return nil, fmt.Errorf("failed to chmod attach socket: %w", err)
	}
	if err := unix.Listen(fd, 10); err != nil {
		unix.Close(fd)
		os.Remove(symlink)
		return nil, fmt.Errorf("failed to listen on attach socket: %w", err)
	}

	return &Listener{fd: fd, path: sockPath, symlink: symlink}, nil
}

// Fd returns the raw listening descriptor, used to register readability
// with the dispatch goroutine.
func (l *Listener) Fd() int { return l.fd }

// Accept accepts one pending connection. It returns (nil, false, nil) on
// EWOULDBLOCK/EAGAIN, matching spec.md's "on EWOULDBLOCK ignore".
func (l *Listener) Accept() (*net.UnixConn, bool, error) {
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("accept failed: %w", err)
	}
	f := os.NewFile(uintptr(nfd), "attach-client")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, false, fmt.Errorf("failed to wrap accepted connection: %w", err)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, false, fmt.Errorf("accepted connection is not a unix conn")
	}
	return uconn, true, nil
}

// AcceptReady is a convenience loop-friendly wrapper that keeps accepting
// until EWOULDBLOCK, returning every accepted connection.
func (l *Listener) AcceptReady() ([]*net.UnixConn, error) {
	var out []*net.UnixConn
	for {
		conn, ok, err := l.Accept()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, conn)
	}
}

// Close closes the listening socket and removes the symlink, per
// spec.md section 4.1 step 11 ("unlink the attach-socket symlink").
func (l *Listener) Close() error {
	unix.Close(l.fd)
	return os.Remove(l.symlink)
}
