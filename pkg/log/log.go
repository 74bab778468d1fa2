// Package log configures the zerolog loggers shared by lxcri-conmon and
// lxcri-pinns. It mirrors the conventions of the teacher runtime's
// (unretrieved) pkg/log package, reconstructed from its call sites:
// log.ConsoleLogger for human-facing output and log.NewLogger/log.OpenFile
// for file-backed structured logging.
package log

import (
	"io"
	"log/syslog"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level re-exports zerolog.Level so callers need not import zerolog directly.
type Level = zerolog.Level

// Supported levels, matching the --log-level values accepted by the CLI.
const (
	TraceLevel = zerolog.TraceLevel
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// ParseLevel parses a --log-level value, defaulting to InfoLevel for an
// empty or unrecognized string.
func ParseLevel(s string) Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return InfoLevel
	}
	return lvl
}

// ConsoleLogger returns a human-readable logger writing to stderr, used by
// tests and interactive invocations. debug lowers the level from InfoLevel
// to DebugLevel; timestamps are always included.
func ConsoleLogger(debug bool) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	lvl := InfoLevel
	if debug {
		lvl = DebugLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// NewLogger builds a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()
}

// OpenFile opens (creating if necessary) a log file for append, matching
// the teacher's log.OpenFile(path, mode) signature used in
// cmd/lxcri-conmon/main.go.
func OpenFile(path string, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, mode)
}

// SyslogWriter returns an io.Writer that forwards to the local syslog
// daemon, for the --syslog flag. It is built on the standard library's
// log/syslog because no third-party syslog client appears anywhere in the
// retrieved corpus; zerolog accepts any io.Writer so no adapter library is
// required either.
func SyslogWriter(tag string) (io.Writer, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, err
	}
	return w, nil
}
