package conmonlog

import (
	"time"

	"github.com/lxc/lxcri-conmon/internal/stdio"
)

// Sink fans container output out to whichever backends are configured.
// Either or both of the CRI file and journal backends may be active, per
// spec.md section 4.8; a Sink with neither configured silently discards
// output.
type Sink struct {
	cri     *CRIFile
	journal *JournalBackend
}

// NewSink builds a Sink from the backends that were actually opened;
// either argument may be nil.
func NewSink(cri *CRIFile, journal *JournalBackend) *Sink {
	return &Sink{cri: cri, journal: journal}
}

// Write dispatches one read's worth of container output to every active
// backend. now is shared across backends so a single read produces
// consistently-timestamped records everywhere, per spec.md section 8.
func (s *Sink) Write(stream stdio.StreamTag, buf []byte, now time.Time) error {
	if s.cri != nil {
		if err := s.cri.Write(stream, buf, now); err != nil {
			return err
		}
	}
	if s.journal != nil {
		if err := s.journal.Write(stream, buf); err != nil {
			return err
		}
	}
	return nil
}

// Reopen rotates the CRI file backend, if active, in response to a
// control-channel "reopen logs" request. The journal backend has no
// rotation concept and is left untouched.
func (s *Sink) Reopen() error {
	if s.cri == nil {
		return nil
	}
	return s.cri.Reopen()
}

// Sync flushes the CRI file backend to disk on monitor exit.
func (s *Sink) Sync() error {
	if s.cri == nil {
		return nil
	}
	return s.cri.Sync()
}

// Close releases the CRI file backend's descriptor. The journal backend
// holds no persistent descriptor of its own.
func (s *Sink) Close() error {
	if s.cri == nil {
		return nil
	}
	return s.cri.Close()
}
