// Package syncpipe implements the JSON line protocol written by
// lxcri-conmon on the _OCI_SYNCPIPE descriptor, as specified in
// spec.md section 6.
package syncpipe

import (
	"fmt"
	"os"
	"strings"
)

// Pipe wraps the write end of _OCI_SYNCPIPE. A nil *Pipe is valid and
// silently discards messages, so callers that were not given a sync fd do
// not need to special-case every call site.
type Pipe struct {
	f *os.File
}

// Open wraps an already-open file descriptor number as a Pipe. fd of -1
// means "no sync pipe configured" and yields a nil-safe no-op Pipe.
func Open(fd int) *Pipe {
	if fd < 0 {
		return nil
	}
	return &Pipe{f: os.NewFile(uintptr(fd), "sync-pipe")}
}

// Close closes the underlying descriptor, if any.
func (p *Pipe) Close() error {
	if p == nil || p.f == nil {
		return nil
	}
	return p.f.Close()
}

// Fd returns the underlying descriptor number, or -1 if there is none.
// Callers sweeping inherited descriptors use this to keep the sync pipe
// open across the sweep.
func (p *Pipe) Fd() int {
	if p == nil || p.f == nil {
		return -1
	}
	return int(p.f.Fd())
}

func (p *Pipe) writeLine(line string) error {
	if p == nil || p.f == nil {
		return nil
	}
	_, err := fmt.Fprintf(p.f, "%s\n", line)
	return err
}

// WritePid writes the {"pid": <pid>} success message for the non-exec,
// non-failure path.
func (p *Pipe) WritePid(pid int) error {
	return p.writeLine(fmt.Sprintf(`{"pid": %d}`, pid))
}

// WriteFailure writes the {"pid": -1, "message": "..."} message used for
// any create/restore failure.
func (p *Pipe) WriteFailure(message string) error {
	return p.writeLine(fmt.Sprintf(`{"pid": -1, "message": "%s"}`, Escape(message)))
}

// WriteExecResult writes the exec-mode sync message, which carries the
// process exit code instead of a pid, and an optional failure message.
func (p *Pipe) WriteExecResult(exitCode int, message string) error {
	if message == "" {
		return p.writeLine(fmt.Sprintf(`{"exit_code": %d}`, exitCode))
	}
	return p.writeLine(fmt.Sprintf(`{"exit_code": %d, "message": "%s"}`, exitCode, Escape(message)))
}

// Escape implements the JSON string escaping rules from spec.md section 6:
// '"' and '\' are backslash-escaped, '\n' and '\t' are mapped to their
// two-character escapes, and all other control bytes (0x01-0x1f, 0x7f) are
// emitted as \u00XX. All other bytes, including multi-byte UTF-8
// sequences, pass through unchanged.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\t':
			b.WriteString(`\t`)
		case c == 0x7f || (c >= 0x01 && c <= 0x1f):
			fmt.Fprintf(&b, `\u%04x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape is the inverse of Escape, used only by tests to verify the
// round-trip property required by spec.md section 8.
func Unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("truncated escape sequence")
		}
		switch s[i] {
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'u':
			if i+4 >= len(s) {
				return "", fmt.Errorf("truncated unicode escape")
			}
			var v int
			if _, err := fmt.Sscanf(s[i+1:i+5], "%04x", &v); err != nil {
				return "", err
			}
			b.WriteByte(byte(v))
			i += 4
		default:
			return "", fmt.Errorf("unknown escape sequence \\%c", s[i])
		}
	}
	return b.String(), nil
}
