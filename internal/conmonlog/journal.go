package conmonlog

import (
	"bytes"
	"fmt"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/lxc/lxcri-conmon/internal/stdio"
	"github.com/rs/zerolog"
)

// JournalContext carries the container identity fields attached to every
// journal record, per spec.md section 3.
type JournalContext struct {
	ContainerIDFull string
	ContainerIDShort string
	ContainerName   string
}

// NewJournalContext derives the 12-character short id from the full
// container id, per spec.md section 4.8.
func NewJournalContext(containerID, containerName string) JournalContext {
	short := containerID
	if len(short) > 12 {
		short = short[:12]
	}
	return JournalContext{
		ContainerIDFull:  containerID,
		ContainerIDShort: short,
		ContainerName:    containerName,
	}
}

// JournalBackend sends one record per line to the systemd journal.
// If the journal socket is unavailable, it logs a warning once via log
// and becomes a no-op, supplementing ctr_logging.c's silent stub path.
type JournalBackend struct {
	ctx     JournalContext
	enabled bool
}

// NewJournalBackend probes journal.Enabled() once at startup.
func NewJournalBackend(ctx JournalContext, log zerolog.Logger) *JournalBackend {
	enabled := journal.Enabled()
	if !enabled {
		log.Warn().Msg("systemd journal is not available, container logs will not be sent to it")
	}
	return &JournalBackend{ctx: ctx, enabled: enabled}
}

// Write sends one journal record per newline-terminated (or final
// partial) line in buf, per spec.md section 4.8.
func (j *JournalBackend) Write(stream stdio.StreamTag, buf []byte) error {
	if !j.enabled {
		return nil
	}

	priority := journal.PriInfo
	if stream == stdio.StreamStderr {
		priority = journal.PriErr
	}

	for len(buf) > 0 {
		idx := bytes.IndexByte(buf, '\n')
		var line []byte
		partial := false
		if idx < 0 {
			line = buf
			partial = true
		} else {
			line = buf[:idx]
		}

		vars := map[string]string{
			"CONTAINER_ID_FULL": j.ctx.ContainerIDFull,
			"CONTAINER_ID":      j.ctx.ContainerIDShort,
		}
		if j.ctx.ContainerName != "" {
			vars["CONTAINER_NAME"] = j.ctx.ContainerName
		}
		if partial {
			vars["CONTAINER_PARTIAL_MESSAGE"] = "true"
		}

		if err := journal.Send(string(line), priority, vars); err != nil {
			return fmt.Errorf("failed to send journal record: %w", err)
		}

		if idx < 0 {
			buf = nil
		} else {
			buf = buf[idx+1:]
		}
	}
	return nil
}
