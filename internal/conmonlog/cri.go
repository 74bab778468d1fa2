// Package conmonlog implements the monitor's logging sink (component C1
// of SPEC_FULL.md): a CRI-format file backend with size-bounded rotation,
// and an optional systemd journal backend. Grounded directly on
// original_source/conmon/ctr_logging.c.
package conmonlog

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/lxc/lxcri-conmon/internal/stdio"
	"golang.org/x/sys/unix"
)

// maxIOVecs caps the vectored write batch, per spec.md section 4.8:
// "Writes use vectored I/O batched up to 128 iovecs".
const maxIOVecs = 128

// CRIFile is the k8s-file log backend. bytesWritten never exceeds
// sizeCap immediately before any append, per spec.md section 3's LogFile
// invariant; sizeCap <= 0 disables rotation.
type CRIFile struct {
	path         string
	f            *os.File
	bytesWritten int64
	sizeCap      int64

	iov [][]byte
}

// OpenCRIFile opens (creating if necessary) the CRI log file for append.
func OpenCRIFile(path string, sizeCap int64) (*CRIFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &CRIFile{path: path, f: f, sizeCap: sizeCap}, nil
}

// BytesWritten returns the current tracked size of the open log file.
func (c *CRIFile) BytesWritten() int64 { return c.bytesWritten }

// Write appends one read's worth of container output as one or more CRI
// log records, splitting buf on newlines. Every record from a single call
// shares one timestamp, per spec.md section 4.8 / 8.
func (c *CRIFile) Write(stream stdio.StreamTag, buf []byte, now time.Time) error {
	ts := FormatTimestamp(now)
	streamName := stream.String()

	for len(buf) > 0 {
		idx := bytes.IndexByte(buf, '\n')
		var line []byte
		partial := false
		if idx < 0 {
			line = buf
			partial = true
		} else {
			line = buf[:idx+1]
		}

		recordLen := int64(len(ts)) + 1 + int64(len(streamName)) + 1 + 1 + 1 + int64(len(line))
		if partial {
			recordLen++ // synthetic trailing newline
		}

		if c.sizeCap > 0 {
			// Records still batched in c.iov are not yet in bytesWritten.
			pending := int64(0)
			for _, v := range c.iov {
				pending += int64(len(v))
			}
			if c.bytesWritten+pending+recordLen > c.sizeCap {
				if err := c.flush(); err != nil {
					return err
				}
				if err := c.reopen(); err != nil {
					return err
				}
			}
		}

		tag := "F"
		lineOut := line
		if partial {
			tag = "P"
			lineOut = append(append([]byte{}, line...), '\n')
		}

		header := fmt.Sprintf("%s %s %s ", ts, streamName, tag)
		c.iov = append(c.iov, []byte(header), lineOut)
		if err := c.appendSegment(); err != nil {
			return err
		}

		buf = buf[len(line):]
	}
	return c.flush()
}

// appendSegment flushes the pending vectored buffer once it reaches the
// iovec cap, per spec.md section 4.8.
func (c *CRIFile) appendSegment() error {
	if len(c.iov) >= maxIOVecs {
		return c.flush()
	}
	return nil
}

// flush writes out the accumulated iovecs and updates bytesWritten.
func (c *CRIFile) flush() error {
	if len(c.iov) == 0 {
		return nil
	}
	iovecs := make([][]byte, len(c.iov))
	copy(iovecs, c.iov)
	c.iov = c.iov[:0]

	n, err := writevBuffer(c.f, iovecs)
	c.bytesWritten += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}
	return nil
}

// writevBuffer is the Go equivalent of ctr_logging.c's
// writev_buffer_flush, using golang.org/x/sys/unix.Writev because the
// standard library exposes no portable vectored-write wrapper.
func writevBuffer(f *os.File, iovecs [][]byte) (int, error) {
	total := 0
	for {
		if len(iovecs) == 0 {
			return total, nil
		}
		n, err := unix.Writev(int(f.Fd()), iovecs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
		total += n
		iovecs = dropWritten(iovecs, n)
	}
}

// dropWritten trims fully-written leading iovecs and partially trims a
// split one, mirroring writev_buffer_flush's pointer/length bookkeeping.
func dropWritten(iovecs [][]byte, n int) [][]byte {
	for n > 0 && len(iovecs) > 0 {
		if n >= len(iovecs[0]) {
			n -= len(iovecs[0])
			iovecs = iovecs[1:]
			continue
		}
		iovecs[0] = iovecs[0][n:]
		n = 0
	}
	return iovecs
}

// reopen atomically rotates the log file: open path+".tmp" truncating,
// rename over path, reset bytesWritten. Rotation is atomic from a
// reader's perspective because rename(2) replaces the directory entry in
// one step, per spec.md section 8.
func (c *CRIFile) reopen() error {
	tmp := c.path + ".tmp"
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("failed to close log file before rotation: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open rotation tmp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		f.Close()
		return fmt.Errorf("failed to rename rotated log file: %w", err)
	}
	c.f = f
	c.bytesWritten = 0
	return nil
}

// Reopen performs the same rotation as an internal size-triggered
// rotation, but on request from a control-channel "reopen logs" message,
// per spec.md section 4.8: "fsync, close, open tmp, rename."
func (c *CRIFile) Reopen() error {
	if err := c.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file before reopen: %w", err)
	}
	return c.reopen()
}

// Sync flushes the file to disk, called on monitor exit per spec.md
// section 4.8.
func (c *CRIFile) Sync() error {
	if err := c.flush(); err != nil {
		return err
	}
	return c.f.Sync()
}

// Close releases the underlying file descriptor.
func (c *CRIFile) Close() error {
	return c.f.Close()
}
