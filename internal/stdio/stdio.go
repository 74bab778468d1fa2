// Package stdio implements the monitor-side half of a container's
// standard streams: either a pty master received over the console
// socket, or a trio of stdin/stdout/stderr pipes. It is component C2 of
// SPEC_FULL.md.
package stdio

import (
	"os"

	"golang.org/x/sys/unix"
)

// StreamTag identifies which stream a chunk of bytes belongs to.
type StreamTag uint8

// StreamTag values. Stdin is reserved (1) to match the attach wire format
// in spec.md section 6, even though the monitor never emits it itself.
const (
	StreamNone StreamTag = iota
	StreamStdin
	StreamStdout
	StreamStderr
)

func (t StreamTag) String() string {
	switch t {
	case StreamStdin:
		return "stdin"
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "none"
	}
}

// ReadBufSize is the chunk size used for every master read, per
// spec.md section 4.2.
const ReadBufSize = 8192

// Chunk is one read from a master fd, forwarded to the dispatch goroutine.
// Data already carries the one-byte tag prefix reserved by spec.md so it
// can be handed to the attach hub without copying: Data[0] is the tag
// byte, Data[1:] is the payload. EOF is set when the read returned 0
// bytes and the stream should be torn down.
type Chunk struct {
	Tag  StreamTag
	Data []byte
	EOF  bool
}

// Payload returns the chunk's bytes without the reserved tag prefix.
func (c Chunk) Payload() []byte {
	if len(c.Data) == 0 {
		return nil
	}
	return c.Data[1:]
}

// Endpoint is the monitor-side handle on the container's stdio, in either
// of the two shapes spec.md section 3 allows.
type Endpoint interface {
	// Stdout returns the descriptor to read the container's stdout from.
	// For a pty this is also the descriptor stdin is written to.
	Stdout() *os.File
	// Stderr returns the descriptor to read the container's stderr from,
	// or nil for a pty-backed endpoint.
	Stderr() *os.File
	// Stdin returns the descriptor to write container stdin to, or nil
	// if no stdin was allocated.
	Stdin() *os.File
	// IsTerminal reports whether this endpoint is pty-backed.
	IsTerminal() bool
	// Resize applies a window size change. It is a no-op for pipe-backed
	// endpoints.
	Resize(rows, cols int) error
	// CloseStdin closes the stdin-writing descriptor exactly once.
	CloseStdin() error
	// Close releases every descriptor owned by the endpoint.
	Close() error
}

// setNonblock marks f non-blocking, used by the lifecycle driver during
// tail-drain (spec.md section 4.1 step 10).
func setNonblock(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), true)
}

// SetNonblock exposes setNonblock for the tail-drain path in the
// lifecycle driver, which operates on raw *os.File handles returned by
// Endpoint.
func SetNonblock(f *os.File) error {
	if f == nil {
		return nil
	}
	return setNonblock(f)
}
