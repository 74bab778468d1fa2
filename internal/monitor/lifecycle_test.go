package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRuntimeArgsCreate(t *testing.T) {
	cfg := Config{
		RuntimePath:      "/usr/bin/runc",
		BundlePath:       "/bundle",
		ContainerPidFile: "/bundle/pidfile",
		ContainerID:      "cid",
		SystemdCgroup:    true,
		NoPivot:          true,
	}
	args := buildRuntimeArgs(cfg, "/tmp/console.sock")
	require.Equal(t, []string{
		"create",
		"--bundle", "/bundle",
		"--pid-file", "/bundle/pidfile",
		"--console-socket", "/tmp/console.sock",
		"--systemd-cgroup",
		"--no-pivot",
		"cid",
	}, args)
}

func TestBuildRuntimeArgsExec(t *testing.T) {
	cfg := Config{
		RuntimePath:      "/usr/bin/runc",
		RuntimeArgs:      []string{"--root=/run/lxcri"},
		BundlePath:       "/bundle",
		ContainerPidFile: "/bundle/pidfile",
		ContainerID:      "cid",
		Exec:             true,
		ExecProcessSpec:  "/bundle/exec-spec.json",
	}
	args := buildRuntimeArgs(cfg, "")
	require.Equal(t, []string{
		"--root=/run/lxcri",
		"exec",
		"--process", "/bundle/exec-spec.json",
		"--bundle", "/bundle",
		"--pid-file", "/bundle/pidfile",
		"cid",
	}, args)
}

func TestBuildRuntimeArgsRestore(t *testing.T) {
	cfg := Config{
		RuntimePath:      "/usr/bin/runc",
		BundlePath:       "/bundle",
		ContainerPidFile: "/bundle/pidfile",
		ContainerID:      "cid",
		Restore:          true,
		RestoreArgs:      []string{"--image-path", "/chk"},
	}
	args := buildRuntimeArgs(cfg, "")
	require.Equal(t, []string{
		"restore",
		"--image-path", "/chk",
		"--bundle", "/bundle",
		"--pid-file", "/bundle/pidfile",
		"cid",
	}, args)
}

func TestRuntimeAction(t *testing.T) {
	require.Equal(t, "create", runtimeAction(Config{}))
	require.Equal(t, "exec", runtimeAction(Config{Exec: true}))
	require.Equal(t, "restore", runtimeAction(Config{Restore: true}))
}

func TestBuildRuntimeEnvReplacesListenPid(t *testing.T) {
	env := buildRuntimeEnv(Config{ReplaceListenPid: false})
	require.NotContains(t, env, "LISTEN_PID=1")

	t.Setenv("LISTEN_PID", "1")
	env = buildRuntimeEnv(Config{ReplaceListenPid: true})
	found := false
	for _, kv := range env {
		if kv == "LISTEN_PID=1" {
			found = true
		}
	}
	require.False(t, found, "LISTEN_PID should have been rewritten to the current pid")
}
