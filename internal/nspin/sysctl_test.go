package nspin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitSysctl(t *testing.T) {
	cases := []struct {
		in    string
		key   string
		value string
	}{
		{"net.ipv4.ip_forward=1", "net.ipv4.ip_forward", "1"},
		{"'net.core.somaxconn=128'", "net.core.somaxconn", "128"},
	}
	for _, c := range cases {
		key, value, err := splitSysctl(c.in)
		require.NoError(t, err)
		require.Equal(t, c.key, key)
		require.Equal(t, c.value, value)
	}
}

func TestSplitSysctlErrors(t *testing.T) {
	_, _, err := splitSysctl("no-equals-sign")
	require.Error(t, err)

	_, _, err = splitSysctl("=novalue")
	require.Error(t, err)

	_, _, err = splitSysctl("nokey=")
	require.Error(t, err)
}

func TestTranslateMap(t *testing.T) {
	require.Equal(t, "0 1000 1\n1 1001 1", translateMap("0-1000-1@1-1001-1"))
}
