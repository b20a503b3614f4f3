package wire

import (
	"bufio"
	"net"
	"sync"
)

// Conn wraps a net.Conn with buffered packet I/O and a write mutex, so a
// worker goroutine delivering a reply can never interleave its bytes with
// the connection's own read-loop goroutine writing a different reply.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader

	mu sync.Mutex
}

// NewConn wraps an accepted client connection for packet framing.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, br: bufio.NewReader(raw)}
}

// Recv reads the next packet from the connection.
func (c *Conn) Recv() (Packet, error) {
	return Recv(c.br)
}

// Send writes a packet to the connection, synchronized against concurrent
// senders (worker goroutines delivering replies and this connection's read
// loop may both call it at the same time).
func (c *Conn) Send(p Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Send(c.raw, p)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the connection's remote address, used only for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
