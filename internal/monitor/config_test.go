package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogPaths(t *testing.T) {
	paths, err := ParseLogPaths([]string{"k8s-file:/var/log/a.log,journald:", "/var/log/b.log"})
	require.NoError(t, err)
	require.Equal(t, []LogPath{
		{Driver: "k8s-file", Path: "/var/log/a.log"},
		{Driver: "journald", Path: ""},
		{Driver: "k8s-file", Path: "/var/log/b.log"},
	}, paths)
}

func TestParseLogPathsRejectsUnknownDriver(t *testing.T) {
	_, err := ParseLogPaths([]string{"bogus:/var/log/a.log"})
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := Config{ContainerID: "cid", ContainerUUID: "uuid", RuntimePath: "/bin/runtime"}
	require.NoError(t, base.Validate())

	missingID := base
	missingID.ContainerID = ""
	require.Error(t, missingID.Validate())

	missingUUID := base
	missingUUID.ContainerUUID = ""
	require.Error(t, missingUUID.Validate())

	execNoUUID := base
	execNoUUID.ContainerUUID = ""
	execNoUUID.Exec = true
	execNoUUID.ExecProcessSpec = "/tmp/spec.json"
	require.NoError(t, execNoUUID.Validate())

	execMissingSpec := base
	execMissingSpec.Exec = true
	require.Error(t, execMissingSpec.Validate())

	execAndRestore := base
	execAndRestore.Exec = true
	execAndRestore.ExecProcessSpec = "/tmp/spec.json"
	execAndRestore.Restore = true
	require.Error(t, execAndRestore.Validate())
}

func TestConfigBackendHelpers(t *testing.T) {
	cfg := Config{LogPaths: []LogPath{
		{Driver: "journald", Path: ""},
		{Driver: "k8s-file", Path: "/var/log/a.log"},
	}}
	require.True(t, cfg.HasJournalBackend())
	path, ok := cfg.FileBackendPath()
	require.True(t, ok)
	require.Equal(t, "/var/log/a.log", path)
}

func TestOutcomeExitFileCode(t *testing.T) {
	require.Equal(t, 7, Outcome{Kind: OutcomeNormal, ExitCode: 7}.ExitFileCode())
	require.Equal(t, 128+9, Outcome{Kind: OutcomeSignaled, Signal: 9}.ExitFileCode())
	require.Equal(t, -1, Outcome{Kind: OutcomeTimedOut}.ExitFileCode())
	require.Equal(t, -1, Outcome{Kind: OutcomeRuntimeFailed}.ExitFileCode())
}
