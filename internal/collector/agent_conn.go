package collector

import (
	"errors"
	"sync"

	"transit/internal/protocol"
	"transit/internal/registry"
	"transit/internal/transport"
)

const sendBufferSize = 256

var (
	errConnClosing    = errors.New("connection closing")
	errSendBufferFull = errors.New("send buffer full")
)

// agentConn is the collector's handle on one authenticated agent. All
// writes go through a single write pump.
type agentConn struct {
	conn transport.Conn
	id   registry.Identity

	send      chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newAgentConn(conn transport.Conn, id registry.Identity) *agentConn {
	return &agentConn{
		conn:    conn,
		id:      id,
		send:    make(chan []byte, sendBufferSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Send queues msg without blocking.
func (c *agentConn) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closing:
		return errConnClosing
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close asks the write pump to flush queued frames and release the
// transport. Done fires once it has.
func (c *agentConn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

func (c *agentConn) Done() <-chan struct{} {
	return c.done
}

func (c *agentConn) RemoteAddr() string {
	return c.conn.RemoteAddr()
}

// writePump writes queued frames until Close or a write error.
func (c *agentConn) writePump() {
	defer close(c.done)
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteFrame(frame); err != nil {
				c.Close()
				return
			}
		case <-c.closing:
			for {
				select {
				case frame := <-c.send:
					if err := c.conn.WriteFrame(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
