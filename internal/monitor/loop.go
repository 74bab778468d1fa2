package monitor

import (
	"net"
	"time"

	"github.com/lxc/lxcri-conmon/internal/attach"
	"github.com/lxc/lxcri-conmon/internal/conmonlog"
	"github.com/lxc/lxcri-conmon/internal/ctlchan"
	"github.com/lxc/lxcri-conmon/internal/oomwatch"
	"github.com/lxc/lxcri-conmon/internal/reaper"
	"github.com/lxc/lxcri-conmon/internal/stdio"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Loop is the dispatch goroutine described in SPEC_FULL.md section 4.7:
// the single place that ever touches the attach client set, the log
// sink, and the pid table, even though every input arrives on a channel
// fed by its own producer goroutine.
type Loop struct {
	cfg      Config
	log      zerolog.Logger
	endpoint stdio.Endpoint
	sink     *conmonlog.Sink
	hub      *attach.Hub
	listener *attach.Listener
	ctl      *ctlchan.Channel
	oom      *oomwatch.Watcher
	reaper   *reaper.Reaper
	pids     *PidTable

	done chan struct{}
}

// NewLoop wires every producer goroutine's output channel together.
// listener, ctl, and oom may each be nil when the corresponding resource
// failed to set up in a degraded but non-fatal way (oom) or simply
// was not requested (the attach listener is only created when a
// container uuid is configured; ctl is always created, but tests may
// omit it).
func NewLoop(cfg Config, log zerolog.Logger, endpoint stdio.Endpoint, sink *conmonlog.Sink, hub *attach.Hub, listener *attach.Listener, ctl *ctlchan.Channel, oom *oomwatch.Watcher, r *reaper.Reaper, pids *PidTable, done chan struct{}) *Loop {
	return &Loop{
		cfg:      cfg,
		log:      log,
		endpoint: endpoint,
		sink:     sink,
		hub:      hub,
		listener: listener,
		ctl:      ctl,
		oom:      oom,
		reaper:   r,
		pids:     pids,
		done:     done,
	}
}

// Run starts every producer goroutine and dispatches until the
// container exits, a fatal condition is hit, or the timeout fires. It
// returns the terminal Outcome, per spec.md section 4.7's "the loop
// exits when an explicit quit is invoked".
func (l *Loop) Run() Outcome {
	stdoutCh := make(chan stdio.Chunk, 8)
	go stdio.ReadLoop(l.endpoint.Stdout(), stdio.StreamStdout, l.endpoint.IsTerminal(), stdoutCh, l.done)

	var stderrCh chan stdio.Chunk
	if l.endpoint.Stderr() != nil {
		stderrCh = make(chan stdio.Chunk, 8)
		go stdio.ReadLoop(l.endpoint.Stderr(), stdio.StreamStderr, false, stderrCh, l.done)
	}

	var newConns chan *net.UnixConn
	if l.listener != nil {
		newConns = make(chan *net.UnixConn, 4)
		go l.acceptLoop(newConns)
	}

	var ctlCh chan []byte
	if l.ctl != nil {
		ctlCh = make(chan []byte, 4)
		go l.ctlReadLoop(ctlCh)
	}
	parser := ctlchan.NewParser()

	var oomCh chan struct{}
	if l.oom != nil {
		oomCh = make(chan struct{}, 1)
		go l.oomReadLoop(oomCh)
	}

	var timerCh <-chan time.Time
	if l.cfg.Timeout > 0 {
		timer := time.NewTimer(l.cfg.Timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	for {
		select {
		case chunk, ok := <-stdoutCh:
			if !ok {
				stdoutCh = nil
				continue
			}
			if chunk.EOF {
				stdoutCh = nil
				continue
			}
			l.deliver(stdio.StreamStdout, chunk.Payload())

		case chunk, ok := <-stderrCh:
			if !ok {
				stderrCh = nil
				continue
			}
			if chunk.EOF {
				stderrCh = nil
				continue
			}
			l.deliver(stdio.StreamStderr, chunk.Payload())

		case conn, ok := <-newConns:
			if !ok {
				newConns = nil
				continue
			}
			l.hub.Add(conn)

		case read, ok := <-l.hub.Reads:
			if !ok {
				continue
			}
			l.handleClientRead(read)

		case raw, ok := <-ctlCh:
			if !ok {
				ctlCh = nil
				continue
			}
			l.handleControl(parser, raw)

		case _, ok := <-oomCh:
			if !ok {
				oomCh = nil
				continue
			}
			if err := l.oom.HandleEvent(); err != nil {
				l.log.Warn().Err(err).Msg("failed to handle oom event")
			}

		case exit, ok := <-l.reaper.Exits:
			if !ok {
				continue
			}
			if outcome, done := l.handleExit(exit); done {
				return outcome
			}

		case <-timerCh:
			return Outcome{Kind: OutcomeTimedOut}

		case <-l.done:
			return Outcome{Kind: OutcomeSignaled}
		}
	}
}

// deliver fans one read's worth of container output to the log sink and
// the attach hub, in that order, matching spec.md section 5's "bytes
// read from a single master are delivered to C1 and to each attach
// client in read order" — both happen within this one dispatch
// iteration before the next select, so no interleaving with another
// source is possible.
func (l *Loop) deliver(tag stdio.StreamTag, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if err := l.sink.Write(tag, payload, time.Now()); err != nil {
		l.log.Warn().Err(err).Msg("failed to write log record")
	}
	l.hub.Broadcast(tag, payload)
}

func (l *Loop) handleClientRead(read attach.ClientRead) {
	if read.Data != nil {
		if stdin := l.endpoint.Stdin(); stdin != nil {
			if err := stdio.WriteAll(stdin, read.Data); err != nil {
				l.log.Warn().Err(err).Msg("failed to write attach client input to container stdin")
			}
		}
		return
	}

	l.hub.MarkReadClosed(read.Client)
	if l.cfg.Stdin && !l.cfg.LeaveStdinOpen && l.hub.Count() == 0 {
		if err := l.endpoint.CloseStdin(); err != nil {
			l.log.Warn().Err(err).Msg("failed to close container stdin")
		}
	}
}

func (l *Loop) handleControl(parser *ctlchan.Parser, raw []byte) {
	msgs, overflowed := parser.Feed(raw)
	if overflowed {
		l.log.Warn().Msg("control channel message exceeded buffer, discarding partial data")
	}
	for _, m := range msgs {
		switch m.Type {
		case ctlchan.MsgResize:
			if err := l.endpoint.Resize(m.Rows, m.Cols); err != nil {
				l.log.Warn().Err(err).Msg("failed to resize terminal")
			}
		case ctlchan.MsgReopenLogs:
			if err := l.sink.Reopen(); err != nil {
				l.log.Warn().Err(err).Msg("failed to reopen log file")
			}
		default:
			l.log.Warn().Int("type", int(m.Raw)).Msg("ignoring unknown control message type")
		}
	}
}

// handleExit dispatches one reaped pid through the ChildEntry table
// described in spec.md section 3: the container pid quits the loop with
// its exit status; any other pid (the transient runtime pid, or an
// orphan re-parented here as subreaper) is reaped silently.
func (l *Loop) handleExit(exit reaper.Exit) (Outcome, bool) {
	if exit.Pid != l.pids.ContainerPid {
		if exit.Pid == l.pids.RuntimePid {
			l.pids.RuntimePid = 0
		}
		return Outcome{}, false
	}

	l.pids.ContainerPid = 0
	ws := exit.Status
	switch {
	case ws.Signaled():
		return Outcome{Kind: OutcomeSignaled, Signal: int(ws.Signal())}, true
	default:
		return Outcome{Kind: OutcomeNormal, ExitCode: ws.ExitStatus()}, true
	}
}

func (l *Loop) acceptLoop(out chan<- *net.UnixConn) {
	defer close(out)
	pfd := []unix.PollFd{{Fd: int32(l.listener.Fd()), Events: unix.POLLIN}}
	for {
		select {
		case <-l.done:
			return
		default:
		}

		if _, err := unix.Poll(pfd, 1000); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		conns, err := l.listener.AcceptReady()
		if err != nil {
			l.log.Warn().Err(err).Msg("attach accept failed")
		}
		for _, c := range conns {
			select {
			case out <- c:
			case <-l.done:
				return
			}
		}
	}
}

func (l *Loop) ctlReadLoop(out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 199)
	for {
		n, err := l.ctl.Reader().Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-l.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (l *Loop) oomReadLoop(out chan<- struct{}) {
	defer close(out)
	for {
		select {
		case <-l.done:
			return
		default:
		}
		pfd := []unix.PollFd{{Fd: int32(l.oom.Fd()), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfd, 1000); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if pfd[0].Revents&unix.POLLIN == 0 {
			continue
		}
		select {
		case out <- struct{}{}:
		case <-l.done:
			return
		}
	}
}
