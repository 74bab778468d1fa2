package syncpipe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"plain text",
		"boom\n",
		"tab\there",
		`quote " and backslash \`,
		"control\x01\x1f\x7fbytes",
		"unicode: héllo wörld 漢字",
	}
	for _, in := range inputs {
		escaped := Escape(in)
		got, err := Unescape(escaped)
		require.NoError(t, err)
		require.Equal(t, in, got)
	}
}

func TestEscapeKnownOutput(t *testing.T) {
	require.Equal(t, "boom\\n", Escape("boom\n"))
	require.Equal(t, "a\\tb", Escape("a\tb"))
	require.Equal(t, "\\\"q\\\"", Escape(`"q"`))
	require.Equal(t, "back\\\\slash", Escape(`back\slash`))
	require.Equal(t, "\\u0001", Escape("\x01"))
	require.Equal(t, "\\u007f", Escape("\x7f"))
}

func TestWritePidNilPipeIsNoop(t *testing.T) {
	var p *Pipe
	require.NoError(t, p.WritePid(42))
	require.NoError(t, p.WriteFailure("boom"))
	require.NoError(t, p.WriteExecResult(0, ""))
	require.NoError(t, p.Close())
}
