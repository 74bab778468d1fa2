// Package ctlchan implements the monitor's control channel (component C4
// of SPEC_FULL.md): a FIFO at <bundle>/ctl carrying newline-delimited
// resize and log-reopen commands.
package ctlchan

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/containerd/fifo"
)

// Path returns the control FIFO path for a bundle, per spec.md section 6.
func Path(bundlePath string) string {
	return bundlePath + "/ctl"
}

// Channel owns the FIFO's read and write ends.
type Channel struct {
	reader io.ReadWriteCloser // from containerd/fifo, non-blocking read
	writer *os.File           // self-held write end, prevents POLLHUP storms
	path   string
}

// Open creates the control FIFO (mode 0666) if needed, opens it
// read-nonblocking via containerd/fifo, and opens a second write-only
// descriptor held by the monitor itself so the read side never observes
// HUP when no external writer is attached, per spec.md section 4.4.
func Open(ctx context.Context, bundlePath string) (*Channel, error) {
	path := Path(bundlePath)
	if err := syscall.Mkfifo(path, 0666); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create control fifo: %w", err)
	}

	r, err := fifo.OpenFifo(ctx, path, syscall.O_RDONLY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open control fifo for read: %w", err)
	}

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to open control fifo for write: %w", err)
	}

	return &Channel{reader: r, writer: w, path: path}, nil
}

// Reader exposes the non-blocking read end for the dispatch goroutine's
// reader loop to consume.
func (c *Channel) Reader() io.ReadWriteCloser { return c.reader }

// Close releases both descriptors.
func (c *Channel) Close() error {
	err1 := c.reader.Close()
	err2 := c.writer.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
