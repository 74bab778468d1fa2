package ctlchan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserResize(t *testing.T) {
	p := NewParser()
	msgs, overflow := p.Feed([]byte("1 24 80\n"))
	require.False(t, overflow)
	require.Len(t, msgs, 1)
	require.Equal(t, MsgResize, msgs[0].Type)
	require.Equal(t, 24, msgs[0].Rows)
	require.Equal(t, 80, msgs[0].Cols)
}

func TestParserReopenLogs(t *testing.T) {
	p := NewParser()
	msgs, _ := p.Feed([]byte("2 0 0\n"))
	require.Len(t, msgs, 1)
	require.Equal(t, MsgReopenLogs, msgs[0].Type)
}

func TestParserUnknownType(t *testing.T) {
	p := NewParser()
	msgs, _ := p.Feed([]byte("9 1 2\n"))
	require.Len(t, msgs, 1)
	require.Equal(t, MsgUnknown, msgs[0].Type)
}

func TestParserMultipleMessagesInOneRead(t *testing.T) {
	p := NewParser()
	msgs, _ := p.Feed([]byte("1 24 80\n2 0 0\n"))
	require.Len(t, msgs, 2)
}

func TestParserPartialMessageAcrossReads(t *testing.T) {
	p := NewParser()
	msgs, overflow := p.Feed([]byte("1 24 "))
	require.Empty(t, msgs)
	require.False(t, overflow)

	msgs, overflow = p.Feed([]byte("80\n"))
	require.False(t, overflow)
	require.Len(t, msgs, 1)
	require.Equal(t, 80, msgs[0].Cols)
}

func TestParserOverflowResetsBuffer(t *testing.T) {
	p := NewParser()
	garbage := []byte(strings.Repeat("x", bufSize))
	msgs, overflow := p.Feed(garbage)
	require.Empty(t, msgs)
	require.True(t, overflow)

	// the buffer must have been reset: a well-formed message right after
	// the overflow parses normally.
	msgs, overflow = p.Feed([]byte("1 1 1\n"))
	require.False(t, overflow)
	require.Len(t, msgs, 1)
}

func TestParserMalformedLineIgnored(t *testing.T) {
	p := NewParser()
	msgs, overflow := p.Feed([]byte("not a message\n1 2 3\n"))
	require.False(t, overflow)
	require.Len(t, msgs, 1)
	require.Equal(t, MsgResize, msgs[0].Type)
}
