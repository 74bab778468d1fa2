package main

import (
	"fmt"
	"os"
	"time"

	"github.com/lxc/lxcri-conmon/internal/monitor"
	"github.com/lxc/lxcri-conmon/pkg/log"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

var version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "lxcri-conmon"
	app.Usage = "per-container OCI monitor"
	app.Version = version
	app.Flags = flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var flags = []cli.Flag{
	&cli.StringFlag{Name: "container-id"},
	&cli.StringFlag{Name: "container-uuid"},
	&cli.StringFlag{Name: "container-name"},
	&cli.StringFlag{Name: "bundle-path"},

	&cli.StringFlag{Name: "runtime-path"},
	&cli.StringSliceFlag{Name: "runtime-arg"},

	&cli.BoolFlag{Name: "terminal"},
	&cli.BoolFlag{Name: "stdin"},
	&cli.BoolFlag{Name: "leave-stdin-open"},

	&cli.StringFlag{Name: "container-pid-file"},
	&cli.StringFlag{Name: "monitor-pid-file"},

	&cli.StringSliceFlag{Name: "log-path"},
	&cli.Int64Flag{Name: "log-size-max", Value: -1},

	&cli.BoolFlag{Name: "exec"},
	&cli.StringFlag{Name: "exec-process-spec"},

	&cli.BoolFlag{Name: "restore"},
	&cli.StringSliceFlag{Name: "restore-arg"},

	&cli.StringFlag{Name: "exit-dir"},
	&cli.StringFlag{Name: "exit-command"},
	&cli.StringSliceFlag{Name: "exit-command-arg"},

	&cli.StringFlag{Name: "socket-dir-path"},
	&cli.Int64Flag{Name: "timeout"},

	&cli.BoolFlag{Name: "systemd-cgroup"},
	&cli.BoolFlag{Name: "no-pivot"},
	&cli.BoolFlag{Name: "no-new-keyring"},
	&cli.BoolFlag{Name: "replace-listen-pid"},

	&cli.BoolFlag{Name: "syslog"},
	&cli.StringFlag{Name: "log-level", Value: "info"},

	// internal, appended by Daemonize; not part of the documented surface.
	&cli.BoolFlag{Name: monitor.Stage2Flag[2:], Hidden: true},
}

func buildConfig(c *cli.Context) (monitor.Config, error) {
	logPaths, err := monitor.ParseLogPaths(c.StringSlice("log-path"))
	if err != nil {
		return monitor.Config{}, err
	}

	return monitor.Config{
		ContainerID:   c.String("container-id"),
		ContainerUUID: c.String("container-uuid"),
		ContainerName: c.String("container-name"),
		BundlePath:    c.String("bundle-path"),

		RuntimePath: c.String("runtime-path"),
		RuntimeArgs: c.StringSlice("runtime-arg"),

		Terminal:       c.Bool("terminal"),
		Stdin:          c.Bool("stdin"),
		LeaveStdinOpen: c.Bool("leave-stdin-open"),

		ContainerPidFile: c.String("container-pid-file"),
		MonitorPidFile:   c.String("monitor-pid-file"),

		LogPaths:   logPaths,
		LogSizeMax: c.Int64("log-size-max"),

		Exec:            c.Bool("exec"),
		ExecProcessSpec: c.String("exec-process-spec"),

		Restore:     c.Bool("restore"),
		RestoreArgs: c.StringSlice("restore-arg"),

		ExitDir:         c.String("exit-dir"),
		ExitCommand:     c.String("exit-command"),
		ExitCommandArgs: c.StringSlice("exit-command-arg"),

		SocketDirPath: c.String("socket-dir-path"),
		Timeout:       secondsToDuration(c.Int64("timeout")),

		SystemdCgroup:    c.Bool("systemd-cgroup"),
		NoPivot:          c.Bool("no-pivot"),
		NoNewKeyring:     c.Bool("no-new-keyring"),
		ReplaceListenPid: c.Bool("replace-listen-pid"),

		Syslog:   c.Bool("syslog"),
		LogLevel: c.String("log-level"),

		DaemonizeStage2: c.Bool(monitor.Stage2Flag[2:]),
	}, nil
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := openLogger(cfg)
	if err != nil {
		return err
	}

	if !cfg.DaemonizeStage2 {
		monitor.LowerOOMScore(logger)
		if err := monitor.WaitStartPipe(); err != nil {
			return err
		}
		return monitor.Daemonize(cfg.MonitorPidFile)
	}

	return monitor.Run(cfg, logger)
}

func secondsToDuration(seconds int64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func openLogger(cfg monitor.Config) (zerolog.Logger, error) {
	level := log.ParseLevel(cfg.LogLevel)

	if cfg.Syslog {
		w, err := log.SyslogWriter("lxcri-conmon")
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open syslog: %w", err)
		}
		return log.NewLogger(w, level), nil
	}

	if path, ok := cfg.FileBackendPath(); ok {
		f, err := log.OpenFile(path+".conmon.log", 0640)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open monitor log file: %w", err)
		}
		return log.NewLogger(f, level), nil
	}

	return log.NewLogger(os.Stderr, level), nil
}
