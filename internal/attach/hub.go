package attach

import (
	"net"

	"github.com/lxc/lxcri-conmon/internal/stdio"
)

// ClientRead is delivered on Hub.Reads whenever a client sends stdin
// payload, or closes its write side (Data == nil).
type ClientRead struct {
	Client *Client
	Data   []byte
}

// Hub owns the set of connected attach clients. It is only ever touched
// from the dispatch goroutine: per-client reader goroutines only ever
// send values on Reads, preserving the single-writer invariant of
// SPEC_FULL.md section 4.7 even though reads happen concurrently.
type Hub struct {
	clients []*Client
	Reads   chan ClientRead
	done    chan struct{}
}

// NewHub creates an attach hub. done is closed by the caller on shutdown
// to stop every client reader goroutine.
func NewHub(done chan struct{}) *Hub {
	return &Hub{Reads: make(chan ClientRead, 64), done: done}
}

// Add registers a newly accepted connection and starts its reader
// goroutine, per spec.md section 4.3's "A new client is registered
// readable+writable and added to the client set."
func (h *Hub) Add(conn *net.UnixConn) *Client {
	c := newClient(conn)
	h.clients = append(h.clients, c)
	go h.readClient(c)
	return c
}

func (h *Hub) readClient(c *Client) {
	buf := make([]byte, MaxClientRead)
	for {
		n, ok := c.readStdin(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case h.Reads <- ClientRead{Client: c, Data: data}:
			case <-h.done:
				return
			}
		}
		if !ok {
			select {
			case h.Reads <- ClientRead{Client: c, Data: nil}:
			case <-h.done:
			}
			return
		}
	}
}

// Broadcast sends a framed datagram to every writable client, iterating
// in reverse order, per spec.md section 4.3. No client is removed during
// the iteration; clients closed in both directions are dropped by reap
// afterwards.
func (h *Hub) Broadcast(tag stdio.StreamTag, payload []byte) {
	for i := len(h.clients) - 1; i >= 0; i-- {
		h.clients[i].write(tag, payload)
	}
	h.reap()
}

// reap drops clients whose both directions are closed, per spec.md
// section 3's AttachClient destruction rule.
func (h *Hub) reap() {
	kept := h.clients[:0]
	for _, c := range h.clients {
		if c.closed() {
			c.close()
			continue
		}
		kept = append(kept, c)
	}
	h.clients = kept
}

// MarkReadClosed records that a client (identified by the ClientRead
// delivered with Data == nil) closed its write side, then reaps it if
// both directions are now closed.
func (h *Hub) MarkReadClosed(c *Client) {
	c.readable = false
	h.reap()
}

// CloseAll shuts down every connected client, used on monitor shutdown.
func (h *Hub) CloseAll() {
	for _, c := range h.clients {
		c.close()
	}
	h.clients = nil
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int { return len(h.clients) }
