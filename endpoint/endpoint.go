package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/lithdew/kademlia"
)

// Endpoint listens for and dials connections. Every connection starts with a
// handshake naming the application protocol (ALPN) that will run over it.
type Endpoint struct {
	SecretKey kademlia.PrivateKey

	// ALPNs lists the protocols inbound connections may select.
	ALPNs [][]byte

	HandshakeTimeout time.Duration
	WriteBufferSize  int

	// DialAttempts bounds how often Connect redials an unreachable address.
	DialAttempts int

	mu     sync.Mutex
	kadId  *kademlia.ID
	ln     net.Listener
	closed bool
}

func (e *Endpoint) Listen(bind BindFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEndpointClosed
	}
	if e.ln != nil {
		return errors.New("listener already started")
	}

	ln, err := bind()
	if err != nil {
		return err
	}

	if e.SecretKey != kademlia.ZeroPrivateKey {
		addr, ok := ln.Addr().(*net.TCPAddr)
		if !ok {
			ln.Close()
			return fmt.Errorf("'%s' is not a tcp address", ln.Addr())
		}
		e.kadId = &kademlia.ID{
			Pub:  e.SecretKey.Public(),
			Host: addr.IP,
			Port: uint16(addr.Port),
		}
	}

	e.ln = ln

	log.Printf("Listening for connections on '%s'.", ln.Addr().String())

	return nil
}

// Accept waits for the next inbound connection attempt. The handshake has not
// been performed yet.
func (e *Endpoint) Accept() (*Connecting, error) {
	e.mu.Lock()
	ln := e.ln
	e.mu.Unlock()

	if ln == nil {
		return nil, errors.New("endpoint is not listening")
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}

	return &Connecting{ep: e, conn: conn}, nil
}

// Connect dials addr and negotiates alpn with the remote endpoint.
func (e *Endpoint) Connect(ctx context.Context, addr string, alpn []byte) (*Connection, error) {
	if len(alpn) == 0 {
		return nil, errors.New("alpn must not be empty")
	}
	if len(alpn) > math.MaxUint8 {
		return nil, fmt.Errorf("alpn is too large - must <= %d bytes, got %d", math.MaxUint8, len(alpn))
	}

	conn, err := e.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c, err := e.clientHandshake(ctx, conn, alpn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with '%s' failed: %w", addr, err)
	}

	return c, nil
}

func (e *Endpoint) dial(ctx context.Context, addr string) (net.Conn, error) {
	attempts := e.DialAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    500 * time.Millisecond,
		Max:    1 * time.Second,
	}

	var d net.Dialer
	for i := 0; ; i++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if i+1 >= attempts || ctx.Err() != nil {
			return nil, fmt.Errorf("failed to dial '%s': %w", addr, err)
		}

		duration := b.Duration()

		log.Printf("Trying to reconnect to %s. Sleeping for %s.", addr, duration)

		select {
		case <-time.After(duration):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Endpoint) clientHandshake(ctx context.Context, conn net.Conn, alpn []byte) (*Connection, error) {
	stop := e.armHandshake(ctx, conn)
	defer stop()

	hello := e.createHandshakePacket(alpn, nil)
	if err := writeHandshakePacket(conn, hello); err != nil {
		return nil, err
	}

	packet, err := readHandshakePacket(conn)
	if err != nil {
		return nil, err
	}
	if err := packet.Validate(nil); err != nil {
		return nil, err
	}
	if len(packet.ALPN) == 0 {
		return nil, ErrProtocolRejected
	}
	if !bytes.Equal(packet.ALPN, alpn) {
		return nil, fmt.Errorf("asked for protocol '%s', remote selected '%s'", alpn, packet.ALPN)
	}

	if err := conn.SetDeadline(zeroTime); err != nil {
		return nil, err
	}

	return newConnection(conn, alpn, packet.KadId, e.writeBufferSize()), nil
}

// armHandshake bounds the handshake by HandshakeTimeout and aborts it when ctx
// is cancelled. The returned func must be called once the handshake is over.
func (e *Endpoint) armHandshake(ctx context.Context, conn net.Conn) func() {
	timeout := e.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	return func() { stop() }
}

func (e *Endpoint) createHandshakePacket(alpn []byte, buf []byte) HandshakePacket {
	packet := HandshakePacket{ALPN: alpn}
	e.mu.Lock()
	kadId := e.kadId
	e.mu.Unlock()
	if kadId != nil {
		packet.KadId = kadId
		packet.Signature = e.SecretKey.Sign(packet.AppendPayloadTo(buf))
	}
	return packet
}

func (e *Endpoint) supports(alpn []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, candidate := range e.ALPNs {
		if bytes.Equal(candidate, alpn) {
			return true
		}
	}
	return false
}

func (e *Endpoint) writeBufferSize() int {
	if e.WriteBufferSize <= 0 {
		return DefaultWriteBufferSize
	}
	return e.WriteBufferSize
}

// setALPNs replaces the advertised protocol list.
func (e *Endpoint) setALPNs(alpns [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ALPNs = alpns
}

// ID returns the endpoint's advertised identity, or nil if it is anonymous or
// not listening.
func (e *Endpoint) ID() *kademlia.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kadId
}

func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// Close stops accepting connections. Established connections are unaffected.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.ln == nil {
		return nil
	}
	return e.ln.Close()
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

var (
	zeroTime     time.Time
	aLongTimeAgo = time.Unix(1, 0)
)
