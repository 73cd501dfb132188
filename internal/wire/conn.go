package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// maxFrameBytes bounds a single envelope line: Receive rejects any line
// longer than this. The check runs after the whole line has been read, so
// it does not limit how much an unterminated stream buffers.
const maxFrameBytes = 1 << 20

// Conn wraps a net.Conn with the envelope codec. Every envelope is written
// as one JSON object terminated by a newline; Receive blocks until a full
// line is available. This replaces the source's unbounded recv(1024) plus
// brace-counting reassembly (original_source/passive_replication/gfd.py)
// with proper message framing, per spec §9.
//
// A Conn serializes writes under a mutex so that a periodic sender (e.g. a
// heartbeat loop) and a request/response handler can share one socket
// safely, but it does not serialize reads: at most one goroutine should
// call Receive on a given Conn at a time, matching the "per-connection
// task" ownership model in spec §5.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex
	w  *bufio.Writer
}

// NewConn wraps an already-established net.Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn: c,
		r:    bufio.NewReaderSize(c, 4096),
		w:    bufio.NewWriterSize(c, 4096),
	}
}

// Dial connects to addr and wraps the resulting connection.
func Dial(addr string) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send encodes and writes one envelope, newline-delimited.
func (c *Conn) Send(e Envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("wire: write envelope: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("wire: write frame delimiter: %w", err)
	}
	return c.w.Flush()
}

// Receive blocks for the next full envelope. It returns io.EOF, unwrapped,
// when the peer closes the connection cleanly.
func (c *Conn) Receive() (Envelope, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return Envelope{}, err
		}
		// Fall through: a final unterminated line still gets parsed below,
		// the next Receive call will then observe the real error.
	}
	if len(line) > maxFrameBytes {
		return Envelope{}, fmt.Errorf("wire: frame too large (%d bytes)", len(line))
	}

	var e Envelope
	if jsonErr := json.Unmarshal(line, &e); jsonErr != nil {
		return Envelope{}, fmt.Errorf("wire: malformed frame: %w", jsonErr)
	}
	return e, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
