package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/lithdew/kademlia"
)

// Connecting is an inbound connection whose handshake has not completed.
type Connecting struct {
	ep   *Endpoint
	conn net.Conn

	once  sync.Once
	hello HandshakePacket
	err   error
}

func (c *Connecting) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// ALPN reads the client's hello and returns the protocol it asked for. The
// hello is read at most once.
func (c *Connecting) ALPN(ctx context.Context) ([]byte, error) {
	c.once.Do(func() {
		stop := c.ep.armHandshake(ctx, c.conn)
		defer stop()

		packet, err := readHandshakePacket(c.conn)
		if err != nil {
			c.err = fmt.Errorf("failed to read hello from %s: %w", c.conn.RemoteAddr(), err)
			return
		}
		if err := packet.Validate(nil); err != nil {
			c.err = fmt.Errorf("invalid hello from %s: %w", c.conn.RemoteAddr(), err)
			return
		}
		if len(packet.ALPN) == 0 {
			c.err = fmt.Errorf("hello from %s names no protocol", c.conn.RemoteAddr())
			return
		}
		c.hello = packet
	})
	return c.hello.ALPN, c.err
}

// Await completes the handshake. On failure the underlying connection is
// closed and the error is returned; nothing else is affected.
func (c *Connecting) Await(ctx context.Context) (*Connection, error) {
	alpn, err := c.ALPN(ctx)
	if err != nil {
		c.conn.Close()
		return nil, err
	}

	if !c.ep.supports(alpn) {
		_ = c.Reject()
		return nil, fmt.Errorf("%s asked for unsupported protocol '%s': %w", c.conn.RemoteAddr(), alpn, ErrProtocolRejected)
	}

	stop := c.ep.armHandshake(ctx, c.conn)
	defer stop()

	if err := writeHandshakePacket(c.conn, c.ep.createHandshakePacket(alpn, nil)); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("failed to reply to hello from %s: %w", c.conn.RemoteAddr(), err)
	}

	if err := c.conn.SetDeadline(zeroTime); err != nil {
		c.conn.Close()
		return nil, err
	}

	return newConnection(c.conn, alpn, c.hello.KadId, c.ep.writeBufferSize()), nil
}

// Reject refuses the connection by answering with an empty protocol.
func (c *Connecting) Reject() error {
	defer c.conn.Close()
	return writeHandshakePacket(c.conn, HandshakePacket{})
}

func (c *Connecting) Close() error { return c.conn.Close() }

// Connection is an established connection. It carries exactly one stream
// pair, and closes itself once both halves of that pair are closed.
type Connection struct {
	conn   net.Conn
	alpn   []byte
	remote *kademlia.ID
	wbuf   int

	mu     sync.Mutex
	taken  bool
	open   int // halves not yet closed
	closed bool
}

func newConnection(conn net.Conn, alpn []byte, remote *kademlia.ID, wbuf int) *Connection {
	return &Connection{
		conn:   conn,
		alpn:   alpn,
		remote: remote,
		wbuf:   wbuf,
		open:   2,
	}
}

func (c *Connection) ALPN() []byte           { return c.alpn }
func (c *Connection) RemoteID() *kademlia.ID { return c.remote }
func (c *Connection) RemoteAddr() net.Addr   { return c.conn.RemoteAddr() }
func (c *Connection) LocalAddr() net.Addr    { return c.conn.LocalAddr() }

// AcceptBi and OpenBi both hand out the connection's single stream pair.
func (c *Connection) AcceptBi() (*SendStream, *RecvStream, error) { return c.streams() }
func (c *Connection) OpenBi() (*SendStream, *RecvStream, error)   { return c.streams() }

func (c *Connection) streams() (*SendStream, *RecvStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, fmt.Errorf("%w: connection closed", ErrConnectionLost)
	}
	if c.taken {
		return nil, nil, ErrStreamsTaken
	}
	c.taken = true

	return newSendStream(c), newRecvStream(c), nil
}

func (c *Connection) halfClosed() {
	c.mu.Lock()
	c.open--
	done := c.open == 0
	c.mu.Unlock()

	if done {
		_ = c.Close()
	}
}

// Close tears down both directions immediately.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
