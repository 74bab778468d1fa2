package attach

import (
	"net"
	"time"

	"github.com/lxc/lxcri-conmon/internal/stdio"
)

// MaxClientRead is the per-read cap applied to client->container stdin
// forwarding, per spec.md section 4.3.
const MaxClientRead = 32 * 1024

// writeTimeout bounds Client.write so a slow or stalled attach peer can
// never park the single dispatch goroutine: the write either lands inside
// this window or the client is marked not writable, per spec.md section 5's ban on
// unbounded syscalls inside the dispatch path.
const writeTimeout = 250 * time.Millisecond

// Client is a connected attach peer. Half-close is tracked independently
// per direction; Hub destroys the record once both directions are closed,
// per spec.md section 3.
type Client struct {
	conn     *net.UnixConn
	readable bool
	writable bool
}

func newClient(conn *net.UnixConn) *Client {
	return &Client{conn: conn, readable: true, writable: true}
}

// closed reports whether both directions have been shut down.
func (c *Client) closed() bool { return !c.readable && !c.writable }

// write sends one framed datagram to the client: byte 0 is the stream
// tag, the remainder is payload. A write failure shuts the client down
// for write only; its read half is left alone until it closes or EOFs,
// per spec.md section 4.2's write discipline.
func (c *Client) write(tag stdio.StreamTag, payload []byte) {
	if !c.writable {
		return
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(tag)
	copy(frame[1:], payload)
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(frame); err != nil {
		c.writable = false
	}
}

// readStdin reads up to MaxClientRead bytes of client stdin. ok is false
// once the client has closed its write side.
func (c *Client) readStdin(buf []byte) (n int, ok bool) {
	n, err := c.conn.Read(buf)
	if err != nil {
		c.readable = false
		return n, false
	}
	if n == 0 {
		c.readable = false
		return 0, false
	}
	return n, true
}

func (c *Client) close() {
	c.conn.Close()
	c.readable = false
	c.writable = false
}
