package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lxc/lxcri-conmon/internal/attach"
	"github.com/lxc/lxcri-conmon/internal/conmonlog"
	"github.com/lxc/lxcri-conmon/internal/ctlchan"
	"github.com/lxc/lxcri-conmon/internal/oomwatch"
	"github.com/lxc/lxcri-conmon/internal/reaper"
	"github.com/lxc/lxcri-conmon/internal/stdio"
	"github.com/lxc/lxcri-conmon/internal/syncpipe"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// stderrSnippetLimit bounds the best-effort runtime-failure stderr read,
// per spec.md section 4.1 step 7 ("up to 8191 bytes").
const stderrSnippetLimit = 8191

// syncPipeFd resolves the _OCI_SYNCPIPE descriptor from the environment,
// returning -1 (meaning "no sync pipe configured") if unset.
func syncPipeFd() int {
	val, ok := os.LookupEnv("_OCI_SYNCPIPE")
	if !ok {
		return -1
	}
	fd, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return fd
}

// Run drives one monitor invocation end to end: it assumes daemonization
// (spec.md section 4.1 steps 1-3) has already completed, either via an
// earlier call to Daemonize or because cfg.DaemonizeStage2 routed control
// here directly. It sets the subreaper (step 4) and implements steps 5-11
// of spec.md section 4.1.
func Run(cfg Config, log zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := SetSubreaper(); err != nil {
		log.Warn().Err(err).Msg("continuing without subreaper status")
	}

	sp := syncpipe.Open(syncPipeFd())
	defer sp.Close()

	done := make(chan struct{})
	r := reaper.New(done)
	pids := &PidTable{}
	forwarder := NewSignalForwarder(pids, r, log, done)
	go forwarder.Run()

	endpoint, consoleCleanup, waiter, runtimeStderr, preOutcome, err := buildEndpoint(cfg, sp)
	if err != nil {
		// buildEndpoint may already have forked the runtime before failing
		// (e.g. the console-socket accept race); route through finish so
		// the exit-command still fires, per spec.md section 9.
		sp.WriteFailure(err.Error())
		return finish(cfg, log, sp, Outcome{Kind: OutcomeRuntimeFailed, StderrSnippet: err.Error()}, forwarder, nil, nil, nil, nil)
	}
	if preOutcome != nil {
		// The runtime exited before completing the console handshake; the
		// sync failure message has already been written by buildEndpoint.
		return finish(cfg, log, sp, *preOutcome, forwarder, nil, nil, nil, nil)
	}
	defer endpoint.Close()
	defer consoleCleanup()
	pids.RuntimePid = waiter.cmd.Process.Pid

	outcome, fatalErr := waitForContainer(cfg, waiter, runtimeStderr, sp, pids, r, log)
	if fatalErr != nil {
		return fatalErr
	}
	if outcome != nil {
		// The runtime failed before ever producing a container pid; the
		// sync message has already been written by waitForContainer.
		return finish(cfg, log, sp, *outcome, forwarder, endpoint, nil, nil, nil)
	}

	sink, hub, listener, ctl, oom, err := setupRunningContainer(cfg, log, pids.ContainerPid)
	if err != nil {
		// The runtime has already forked the container at this point, so
		// the exit-command must still run, per spec.md section 9.
		sp.WriteFailure(err.Error())
		return finish(cfg, log, sp, Outcome{Kind: OutcomeRuntimeFailed, StderrSnippet: err.Error()}, forwarder, endpoint, nil, nil, listener)
	}

	if !cfg.Exec {
		if err := sp.WritePid(pids.ContainerPid); err != nil {
			log.Warn().Err(err).Msg("failed to write sync pid message")
		}
	}

	loop := NewLoop(cfg, log, endpoint, sink, hub, listener, ctl, oom, r, pids, done)
	final := loop.Run()
	close(done)

	if final.Kind == OutcomeTimedOut && pids.ContainerPid != 0 {
		syscall.Kill(pids.ContainerPid, syscall.SIGKILL)
	}

	return finish(cfg, log, sp, final, forwarder, endpoint, sink, hub, listener)
}

// runtimeWaiter memoizes exec.Cmd.Wait so both the console-socket
// handshake race (buildEndpoint) and waitForContainer can observe the
// runtime's exit exactly once, regardless of which of them triggers it.
type runtimeWaiter struct {
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

func (w *runtimeWaiter) Wait() error {
	w.once.Do(func() { w.err = w.cmd.Wait() })
	return w.err
}

// buildEndpoint realizes spec.md section 4.2: a console-socket handshake
// for terminal mode, or three close-on-exec pipes otherwise. It starts
// the OCI runtime as a side effect (the runtime needs to be running
// before it can either dial the console socket back or inherit the pipe
// slave fds), returning a runtimeWaiter the caller uses for the
// subsequent wait instead of calling cmd.Wait() directly. A non-nil
// Outcome return means the console handshake did not produce a usable
// endpoint, either because the runtime exited first or because the
// accept or fd receipt failed; the sync-pipe failure message has already
// been written in that case.
func buildEndpoint(cfg Config, sp *syncpipe.Pipe) (stdio.Endpoint, func(), *runtimeWaiter, *os.File, *Outcome, error) {
	if cfg.Terminal {
		return buildTerminalEndpoint(cfg, sp)
	}
	ep, err := stdio.NewPipeEndpoint(cfg.Stdin)
	if err != nil {
		return nil, func() {}, nil, nil, nil, err
	}
	waiter, stderrReader, err := startPipeRuntime(cfg, ep)
	if err != nil {
		ep.Close()
		return nil, func() {}, nil, nil, nil, err
	}
	return ep, func() {}, waiter, stderrReader, nil, nil
}

// buildTerminalEndpoint implements the console-socket handshake of
// spec.md section 4.2: a temporary listening socket is created, passed
// to the runtime as --console-socket, and the runtime connects back with
// the pty master fd over SCM_RIGHTS. The accept races against the
// runtime's own exit so a runtime that exits before completing the
// handshake is reported as a runtime failure (spec.md section 4.1 step
// 7) instead of hanging forever.
func buildTerminalEndpoint(cfg Config, sp *syncpipe.Pipe) (stdio.Endpoint, func(), *runtimeWaiter, *os.File, *Outcome, error) {
	dir, err := os.MkdirTemp("", "conmon-term")
	if err != nil {
		return nil, func() {}, nil, nil, nil, fmt.Errorf("failed to create console socket directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	listener, sockPath, err := stdio.ConsoleSocket(dir)
	if err != nil {
		cleanup()
		return nil, func() {}, nil, nil, nil, err
	}

	waiter, stderrReader, err := startTerminalRuntime(cfg, sockPath)
	if err != nil {
		listener.Close()
		cleanup()
		return nil, func() {}, nil, nil, nil, err
	}

	type acceptResult struct {
		ep  *stdio.PtyEndpoint
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		ep, err := stdio.AcceptConsole(listener, sockPath)
		acceptCh <- acceptResult{ep, err}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- waiter.Wait() }()

	select {
	case res := <-acceptCh:
		listener.Close()
		if res.err != nil {
			cleanup()
			snippet := readStderrSnippet(stderrReader)
			sp.WriteFailure(snippet)
			return nil, func() {}, waiter, stderrReader, &Outcome{Kind: OutcomeRuntimeFailed, StderrSnippet: snippet}, nil
		}
		return res.ep, cleanup, waiter, stderrReader, nil, nil
	case <-waitCh:
		listener.Close()
		cleanup()
		snippet := readStderrSnippet(stderrReader)
		sp.WriteFailure(snippet)
		return nil, func() {}, waiter, stderrReader, &Outcome{Kind: OutcomeRuntimeFailed, StderrSnippet: snippet}, nil
	}
}

// startPipeRuntime execs the OCI runtime with the container's stdio
// wired directly over 0/1/2 from the pipe endpoint's slave ends.
func startPipeRuntime(cfg Config, ep *stdio.PipeEndpoint) (*runtimeWaiter, *os.File, error) {
	cmd := exec.Command(cfg.RuntimePath, buildRuntimeArgs(cfg, "")...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}
	cmd.Env = buildRuntimeEnv(cfg)

	cmd.Stdin = ep.RuntimeStdin()
	cmd.Stdout = ep.RuntimeStdout()
	cmd.Stderr = ep.RuntimeStderr()
	if cmd.Stdin == nil {
		devnull, err := os.Open(os.DevNull)
		if err != nil {
			return nil, nil, err
		}
		defer devnull.Close()
		cmd.Stdin = devnull
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start oci runtime: %w", err)
	}
	ep.CloseRuntimeEnds()

	return &runtimeWaiter{cmd: cmd}, ep.Stderr(), nil
}

// startTerminalRuntime execs the OCI runtime with --console-socket
// pointing at sockPath; the container's stdio never touches 0/1/2, so a
// dedicated pipe captures only the runtime's own stderr for the
// best-effort failure snippet of spec.md section 4.1 step 7.
func startTerminalRuntime(cfg Config, sockPath string) (*runtimeWaiter, *os.File, error) {
	cmd := exec.Command(cfg.RuntimePath, buildRuntimeArgs(cfg, sockPath)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}
	cmd.Env = buildRuntimeEnv(cfg)

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	defer devnull.Close()
	cmd.Stdin = devnull
	cmd.Stdout = devnull

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stderr = w
	defer w.Close()

	if err := cmd.Start(); err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("failed to start oci runtime: %w", err)
	}

	return &runtimeWaiter{cmd: cmd}, r, nil
}

func runtimeAction(cfg Config) string {
	switch {
	case cfg.Exec:
		return "exec"
	case cfg.Restore:
		return "restore"
	default:
		return "create"
	}
}

// buildRuntimeArgs assembles the OCI runtime invocation for the
// configured mode, per spec.md section 4.1 and SPEC_FULL.md section
// 4.1's restore-mode addendum. consoleSocket is the console-socket path
// to pass for terminal mode, or "" for pipe mode.
func buildRuntimeArgs(cfg Config, consoleSocket string) []string {
	action := runtimeAction(cfg)
	args := append([]string{}, cfg.RuntimeArgs...)
	args = append(args, action)

	if cfg.Restore {
		args = append(args, cfg.RestoreArgs...)
	}
	if cfg.Exec {
		args = append(args, "--process", cfg.ExecProcessSpec)
	}

	args = append(args, "--bundle", cfg.BundlePath, "--pid-file", cfg.ContainerPidFile)
	if consoleSocket != "" {
		args = append(args, "--console-socket", consoleSocket)
	}
	if cfg.SystemdCgroup {
		args = append(args, "--systemd-cgroup")
	}
	if cfg.NoPivot {
		args = append(args, "--no-pivot")
	}
	if cfg.NoNewKeyring {
		args = append(args, "--no-new-keyring")
	}
	args = append(args, cfg.ContainerID)
	return args
}

func buildRuntimeEnv(cfg Config) []string {
	env := os.Environ()
	if !cfg.ReplaceListenPid {
		return env
	}
	pid := strconv.Itoa(os.Getpid())
	out := make([]string, 0, len(env))
	replaced := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "LISTEN_PID=") {
			out = append(out, "LISTEN_PID="+pid)
			replaced = true
			continue
		}
		out = append(out, kv)
	}
	if !replaced {
		out = append(out, "LISTEN_PID="+pid)
	}
	return out
}

// waitForContainer implements spec.md section 4.1 steps 7-8. If the
// runtime itself fails, it returns a non-nil Outcome carrying the
// failure and has already reported it via the sync pipe; a nil Outcome
// with a nil error means the container pid was read successfully and the
// caller should proceed to set up full supervision.
func waitForContainer(cfg Config, waiter *runtimeWaiter, runtimeStderr *os.File, sp *syncpipe.Pipe, pids *PidTable, r *reaper.Reaper, log zerolog.Logger) (*Outcome, error) {
	waitErr := waiter.Wait()
	pids.RuntimePid = 0

	if waitErr != nil {
		snippet := readStderrSnippet(runtimeStderr)
		sp.WriteFailure(snippet)
		return &Outcome{Kind: OutcomeRuntimeFailed, StderrSnippet: snippet}, nil
	}

	pidBytes, err := os.ReadFile(cfg.ContainerPidFile)
	if err != nil {
		msg := fmt.Sprintf("failed to read container pid file: %s", err)
		sp.WriteFailure(msg)
		return &Outcome{Kind: OutcomeRuntimeFailed, StderrSnippet: msg}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		msg := fmt.Sprintf("malformed container pid file: %s", err)
		sp.WriteFailure(msg)
		return &Outcome{Kind: OutcomeRuntimeFailed, StderrSnippet: msg}, nil
	}
	pids.ContainerPid = pid
	return nil, nil
}

func readStderrSnippet(f *os.File) string {
	if f == nil {
		return ""
	}
	buf := make([]byte, stderrSnippetLimit)
	unix.SetNonblock(int(f.Fd()), true)
	n, _ := f.Read(buf)
	if n < 0 {
		n = 0
	}
	return string(buf[:n])
}

// setupRunningContainer implements spec.md section 4.1 step 9: attach
// socket, control FIFO, OOM subscription, and log sink, all created once
// the container pid is known.
func setupRunningContainer(cfg Config, log zerolog.Logger, containerPid int) (*conmonlog.Sink, *attach.Hub, *attach.Listener, *ctlchan.Channel, *oomwatch.Watcher, error) {
	sink, err := buildSink(cfg, log)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	done := make(chan struct{})
	hub := attach.NewHub(done)

	var listener *attach.Listener
	if cfg.ContainerUUID != "" {
		listener, err = attach.Listen(cfg.SocketDirPath, cfg.ContainerUUID, cfg.BundlePath)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
	}

	ctl, err := ctlchan.Open(context.Background(), cfg.BundlePath)
	if err != nil {
		return nil, nil, listener, nil, nil, err
	}

	// A failed subscription degrades to "OOM not reported" per spec.md
	// section 4.5/7 kind 4; it is never treated as fatal here.
	oom := oomwatch.Subscribe(containerPid, log)

	return sink, hub, listener, ctl, oom, nil
}

func buildSink(cfg Config, log zerolog.Logger) (*conmonlog.Sink, error) {
	var cri *conmonlog.CRIFile
	if path, ok := cfg.FileBackendPath(); ok {
		f, err := conmonlog.OpenCRIFile(path, cfg.LogSizeMax)
		if err != nil {
			return nil, err
		}
		cri = f
	}

	var jb *conmonlog.JournalBackend
	if cfg.HasJournalBackend() {
		jctx := conmonlog.NewJournalContext(cfg.ContainerID, cfg.ContainerName)
		jb = conmonlog.NewJournalBackend(jctx, log)
	}

	return conmonlog.NewSink(cri, jb), nil
}

// tailDrainDeadline bounds how long tailDrain spends mopping up bytes
// still sitting in the master's pipe or pty buffer once the container has
// already exited, per spec.md section 4.1 step 10.
const tailDrainDeadline = 100 * time.Millisecond

// tailDrain implements spec.md section 4.1 step 10: once the container
// has exited for any reason other than a timeout, the master fds are
// switched to non-blocking and read until they report EAGAIN or EOF, so
// that output written just before the container's final exit still
// reaches the log sink instead of being lost to an already-stopped
// dispatch loop. Drained bytes are not forwarded to attach clients.
func tailDrain(endpoint stdio.Endpoint, sink *conmonlog.Sink, log zerolog.Logger) {
	if endpoint == nil {
		return
	}
	drainOne(endpoint.Stdout(), stdio.StreamStdout, sink, log)
	drainOne(endpoint.Stderr(), stdio.StreamStderr, sink, log)
}

func drainOne(f *os.File, tag stdio.StreamTag, sink *conmonlog.Sink, log zerolog.Logger) {
	if f == nil {
		return
	}
	if err := stdio.SetNonblock(f); err != nil {
		return
	}
	buf := make([]byte, stdio.ReadBufSize)
	deadline := time.Now().Add(tailDrainDeadline)
	for time.Now().Before(deadline) {
		n, err := f.Read(buf)
		if n > 0 && sink != nil {
			if werr := sink.Write(tag, buf[:n], time.Now()); werr != nil {
				log.Warn().Err(werr).Msg("failed to write tail-drain log record")
			}
		}
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
	}
}

// finish implements the remainder of spec.md section 4.1 step 10-11:
// tail-drain, sync, exit file, fd cleanup, exec sync message, symlink
// removal, and the exit-command invocation.
func finish(cfg Config, log zerolog.Logger, sp *syncpipe.Pipe, outcome Outcome, forwarder *SignalForwarder, endpoint stdio.Endpoint, sink *conmonlog.Sink, hub *attach.Hub, listener *attach.Listener) error {
	forwarder.Stop()

	if outcome.Kind != OutcomeTimedOut {
		tailDrain(endpoint, sink, log)
	}

	if sink != nil {
		if err := sink.Sync(); err != nil {
			log.Warn().Err(err).Msg("failed to sync log backend on exit")
		}
		sink.Close()
	}
	if hub != nil {
		hub.CloseAll()
	}
	if listener != nil {
		if err := listener.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close attach listener")
		}
	}

	if err := WriteExitFile(cfg.ExitDir, cfg.ContainerID, outcome.ExitFileCode()); err != nil {
		log.Warn().Err(err).Msg("failed to write exit file")
	}

	keep := map[int]bool{}
	if fd := sp.Fd(); fd >= 0 {
		keep[fd] = true
	}
	CloseExtraFds(keep)

	if cfg.Exec {
		msg := outcome.StderrSnippet
		if err := sp.WriteExecResult(outcome.ExitFileCode(), msg); err != nil {
			log.Warn().Err(err).Msg("failed to write exec sync result")
		}
	}

	runExitCommand(cfg, log)

	if outcome.Kind == OutcomeRuntimeFailed {
		return fmt.Errorf("oci runtime failed: %s", outcome.StderrSnippet)
	}
	return nil
}

// runExitCommand invokes the configured exit-command, per spec.md
// section 4.1 step 11 and section 9's "exit-command as atexit": it runs
// unconditionally, regardless of how the monitor reached this point.
func runExitCommand(cfg Config, log zerolog.Logger) {
	if cfg.ExitCommand == "" {
		return
	}
	cmd := exec.Command(cfg.ExitCommand, cfg.ExitCommandArgs...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		log.Warn().Err(err).Str("command", cfg.ExitCommand).Msg("exit command failed")
	}
}
