package main

import (
	"fmt"
	"os"

	"github.com/lxc/lxcri-conmon/internal/nspin"
	"github.com/urfave/cli/v2"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == nspin.HelperFlag {
		if err := nspin.RunHelperMain(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	app := cli.NewApp()
	app.Name = "lxcri-pinns"
	app.Usage = "pin namespaces to bind-mounted files"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "dir", Required: true},
		&cli.StringFlag{Name: "file-name", Value: "ns"},
		&cli.StringFlag{Name: "uts"},
		&cli.StringFlag{Name: "ipc"},
		&cli.StringFlag{Name: "net"},
		&cli.StringFlag{Name: "user"},
		&cli.StringFlag{Name: "cgroup"},
		&cli.StringFlag{Name: "mnt"},
		&cli.StringSliceFlag{Name: "sysctl"},
		&cli.StringFlag{Name: "uid-map"},
		&cli.StringFlag{Name: "gid-map"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var kindFlags = []nspin.Kind{
	nspin.KindUTS,
	nspin.KindIPC,
	nspin.KindNet,
	nspin.KindUser,
	nspin.KindCgroup,
	nspin.KindMnt,
}

func run(c *cli.Context) error {
	var reqs []nspin.Request
	for _, k := range kindFlags {
		name := string(k)
		if !c.IsSet(name) {
			continue
		}
		reqs = append(reqs, nspin.Request{Kind: k, Host: c.String(name) == "host"})
	}
	if len(reqs) == 0 {
		return fmt.Errorf("no namespace specified for pinning")
	}

	return nspin.Pin(nspin.Options{
		PinDir:   c.String("dir"),
		FileName: c.String("file-name"),
		Requests: reqs,
		Sysctls:  c.StringSlice("sysctl"),
		UIDMap:   c.String("uid-map"),
		GIDMap:   c.String("gid-map"),
	})
}
