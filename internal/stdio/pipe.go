package stdio

import (
	"fmt"
	"os"
)

// PipeEndpoint is the pipe-backed shape of Endpoint used when no terminal
// was requested: separate stdout, stderr, and optional stdin pipes.
type PipeEndpoint struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
	stdinR, stdinW   *os.File

	closeStdinOnce bool
}

var _ Endpoint = (*PipeEndpoint)(nil)

// NewPipeEndpoint creates the stdout/stderr pipes, and the stdin pipe if
// withStdin is set, all with close-on-exec, per spec.md section 4.2.
func NewPipeEndpoint(withStdin bool) (*PipeEndpoint, error) {
	e := &PipeEndpoint{}

	var err error
	e.stdoutR, e.stdoutW, err = os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	e.stderrR, e.stderrW, err = os.Pipe()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if withStdin {
		e.stdinR, e.stdinW, err = os.Pipe()
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
	}
	return e, nil
}

// RuntimeStdout returns the slave (write) end to hand to the runtime
// child's stdout.
func (e *PipeEndpoint) RuntimeStdout() *os.File { return e.stdoutW }

// RuntimeStderr returns the slave (write) end to hand to the runtime
// child's stderr.
func (e *PipeEndpoint) RuntimeStderr() *os.File { return e.stderrW }

// RuntimeStdin returns the slave (read) end to hand to the runtime
// child's stdin, or nil if no stdin pipe was allocated.
func (e *PipeEndpoint) RuntimeStdin() *os.File { return e.stdinR }

// CloseRuntimeEnds closes the slave descriptors after the runtime child
// has inherited them across exec, matching "Slave fds are handed off to
// the runtime child and never retained" (spec.md section 9).
func (e *PipeEndpoint) CloseRuntimeEnds() {
	if e.stdoutW != nil {
		e.stdoutW.Close()
		e.stdoutW = nil
	}
	if e.stderrW != nil {
		e.stderrW.Close()
		e.stderrW = nil
	}
	if e.stdinR != nil {
		e.stdinR.Close()
		e.stdinR = nil
	}
}

// Stdout implements Endpoint: the read end of the stdout pipe.
func (e *PipeEndpoint) Stdout() *os.File { return e.stdoutR }

// Stderr implements Endpoint: the read end of the stderr pipe.
func (e *PipeEndpoint) Stderr() *os.File { return e.stderrR }

// Stdin implements Endpoint: the write end of the stdin pipe, or nil.
func (e *PipeEndpoint) Stdin() *os.File { return e.stdinW }

// IsTerminal implements Endpoint.
func (e *PipeEndpoint) IsTerminal() bool { return false }

// Resize is a no-op for pipes.
func (e *PipeEndpoint) Resize(rows, cols int) error { return nil }

// CloseStdin closes the write end of the stdin pipe exactly once.
func (e *PipeEndpoint) CloseStdin() error {
	if e.stdinW == nil || e.closeStdinOnce {
		return nil
	}
	e.closeStdinOnce = true
	return e.stdinW.Close()
}

// Close releases every descriptor still owned by the endpoint.
func (e *PipeEndpoint) Close() error {
	e.CloseRuntimeEnds()
	e.CloseStdin()
	if e.stdoutR != nil {
		e.stdoutR.Close()
	}
	if e.stderrR != nil {
		e.stderrR.Close()
	}
	return nil
}
