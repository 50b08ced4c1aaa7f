// Package transporttest provides an in-memory Dialer whose connections are
// driven by the test: open, inbound frames and drops happen only when the
// test asks for them.
package transporttest

import (
	"errors"
	"sync"

	"github.com/rickgao/cryptostream/internal/transport"
)

// Dialer records every Dial and hands out scripted connections.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn

	// Err, when set, is returned by Dial instead of a connection.
	Err error

	// AckClose makes Close report OnClose(nil) like a real peer would.
	AckClose bool
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(address string, protocols []string, events transport.Events) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return nil, d.Err
	}
	c := &Conn{
		Address:   address,
		Protocols: protocols,
		events:    events,
		ackClose:  d.AckClose,
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns how many connections were constructed.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Conn returns the i-th constructed connection.
func (d *Dialer) Conn(i int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn is a scripted transport.
type Conn struct {
	Address   string
	Protocols []string

	events   transport.Events
	ackClose bool

	mu      sync.Mutex
	sent    []transport.Frame
	closes  int
	closed  bool
	sendErr error
}

// Send implements transport.Transport.
func (c *Conn) Send(f transport.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return transport.ErrNotConnected
	}
	c.sent = append(c.sent, f)
	return nil
}

// Close implements transport.Transport.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	ack := c.ackClose
	c.mu.Unlock()

	if ack {
		c.finish(nil)
	}
	return nil
}

// Open fires OnOpen.
func (c *Conn) Open() {
	if c.events.OnOpen != nil {
		c.events.OnOpen()
	}
}

// Receive delivers an inbound frame.
func (c *Conn) Receive(f transport.Frame) {
	if c.events.OnMessage != nil {
		c.events.OnMessage(f)
	}
}

// ReceiveText delivers an inbound text frame.
func (c *Conn) ReceiveText(s string) {
	c.Receive(transport.Text([]byte(s)))
}

// Drop closes the connection from the remote side. A nil err is a clean
// close.
func (c *Conn) Drop(err error) {
	c.finish(err)
}

// DropWithError closes the connection with a generic network error.
func (c *Conn) DropWithError() {
	c.finish(errors.New("connection reset by peer"))
}

// FailSends makes every following Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of every accepted outbound frame.
func (c *Conn) Sent() []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.events.OnClose != nil {
		c.events.OnClose(err)
	}
}
