package monitor

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/lxc/lxcri-conmon/internal/reaper"
	"github.com/rs/zerolog"
)

// forwardedSignals are relayed to the container, per spec.md section 4.6.
var forwardedSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}

// SignalForwarder relays SIGTERM/SIGINT/SIGQUIT to the container pid if
// known, else to the transient runtime pid, falling back to forcing a
// reap pass, per spec.md section 4.6 and section 9's exec-mode note
// ("implementations should prefer to forward to the exec child when
// known").
type SignalForwarder struct {
	sigCh chan os.Signal
	pids  *PidTable
	r     *reaper.Reaper
	log   zerolog.Logger
	done  chan struct{}
}

// PidTable tracks the two process-wide pids the forwarder and reaper
// coordinate over, per spec.md section 3's ChildEntry and section 9's
// "process-wide state" note. Access is confined to the dispatch
// goroutine, so no locking is required.
type PidTable struct {
	ContainerPid int // 0 until known
	RuntimePid   int // 0 once reaped
}

// NewSignalForwarder installs handlers for the forwarded signals.
func NewSignalForwarder(pids *PidTable, r *reaper.Reaper, log zerolog.Logger, done chan struct{}) *SignalForwarder {
	f := &SignalForwarder{
		sigCh: make(chan os.Signal, 8),
		pids:  pids,
		r:     r,
		log:   log,
		done:  done,
	}
	signal.Notify(f.sigCh, forwardedSignals...)
	return f
}

// Run forwards every received signal until done is closed. Meant to run
// in its own goroutine; the dispatch goroutine never blocks on this one.
func (f *SignalForwarder) Run() {
	for {
		select {
		case <-f.done:
			signal.Stop(f.sigCh)
			return
		case sig := <-f.sigCh:
			f.forward(sig)
		}
	}
}

func (f *SignalForwarder) forward(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	switch {
	case f.pids.ContainerPid != 0:
		if err := syscall.Kill(f.pids.ContainerPid, s); err != nil {
			f.log.Warn().Err(err).Int("pid", f.pids.ContainerPid).Msg("failed to forward signal to container")
		}
	case f.pids.RuntimePid != 0:
		if err := syscall.Kill(f.pids.RuntimePid, s); err != nil {
			f.log.Warn().Err(err).Int("pid", f.pids.RuntimePid).Msg("failed to forward signal to runtime")
		}
	default:
		// No pid known yet: force a reap pass instead of a signal raise,
		// the Go realization of spec.md's "raising SIGUSR1 to force a
		// reap" (see SPEC_FULL.md REDESIGN FLAGS).
		f.r.Wake()
	}
}

// Stop releases the signal channel registration without waiting for
// done; used when the forwarder must be torn down early.
func (f *SignalForwarder) Stop() {
	signal.Stop(f.sigCh)
}
