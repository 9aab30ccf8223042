// Package network holds the byte-stream framer for the pipe-delimited wire
// protocol and the connection-rate limiter.
package network

import (
	"errors"
	"io"
	"net"
	"time"

	"dcindex/internal/debuglog"
	"dcindex/internal/proto"
)

const readChunk = 1024

// ErrConnectionClosed reports that the other end closed the socket. Callers
// treat it as a quiet end of session, unlike a protocol violation.
var ErrConnectionClosed = errors.New("connection closed")

// Conn frames a raw byte stream into delimiter-terminated messages and, on
// demand, exact-length binary payloads. One receive buffer is shared between
// the two read modes, so bytes buffered past a message boundary are never
// lost. Not safe for concurrent use.
type Conn struct {
	sock  net.Conn
	label string
	buf   []byte
	pos   int

	// pending holds a partially received message so a read deadline does
	// not lose bytes; the next ReadMessage call resumes where it stopped.
	pending []byte

	// idle, when set, refreshes the socket deadline before every read and
	// write, bounding each operation rather than the whole exchange.
	idle time.Duration
}

func NewConn(sock net.Conn, label string) *Conn {
	return &Conn{sock: sock, label: label}
}

// SetIdleTimeout bounds every subsequent read and write individually. Zero
// disables it; explicit SetDeadline calls then take over.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.idle = d
}

func (c *Conn) fill(limit int) error {
	chunk := make([]byte, readChunk)
	if limit > 0 && limit < len(chunk) {
		chunk = chunk[:limit]
	}
	if c.idle > 0 {
		_ = c.sock.SetReadDeadline(time.Now().Add(c.idle))
	}
	n, err := c.sock.Read(chunk)
	if n > 0 {
		c.buf = chunk[:n]
		c.pos = 0
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return ErrConnectionClosed
	}
	return err
}

// ReadMessage returns the next message, delimiter excluded and consumed.
func (c *Conn) ReadMessage() (string, error) {
	for {
		for c.pos < len(c.buf) {
			ch := c.buf[c.pos]
			c.pos++
			if ch == proto.Delimiter {
				msg := string(c.pending)
				c.pending = c.pending[:0]
				debuglog.Logf("recv %s: %s", c.label, msg)
				return msg, nil
			}
			c.pending = append(c.pending, ch)
		}
		if err := c.fill(0); err != nil {
			return "", err
		}
	}
}

// ReadExact copies exactly n bytes into sink, draining the receive buffer
// before touching the socket again.
func (c *Conn) ReadExact(n int64, sink io.Writer) error {
	for n > 0 {
		if c.pos == len(c.buf) {
			limit := n
			if limit > readChunk {
				limit = readChunk
			}
			if err := c.fill(int(limit)); err != nil {
				return err
			}
		}
		avail := int64(len(c.buf) - c.pos)
		if avail > n {
			avail = n
		}
		wrote, err := sink.Write(c.buf[c.pos : c.pos+int(avail)])
		c.pos += wrote
		n -= int64(wrote)
		if err != nil {
			return err
		}
	}
	return nil
}

// Send writes the whole payload. The caller owns serialization; two
// goroutines must not send on one Conn concurrently.
func (c *Conn) Send(data string) error {
	debuglog.Logf("send %s: %s", c.label, data)
	if c.idle > 0 {
		_ = c.sock.SetWriteDeadline(time.Now().Add(c.idle))
	}
	_, err := io.WriteString(c.sock, data)
	return err
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.sock.SetDeadline(t)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.sock.LocalAddr()
}

func (c *Conn) Close() error {
	return c.sock.Close()
}
