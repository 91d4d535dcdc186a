package rpc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/TheSmallBoat/pairpc/duplex"
	"github.com/TheSmallBoat/pairpc/endpoint"
	"github.com/TheSmallBoat/pairpc/framing"
)

// DefaultCallTimeout is the deadline given to calls whose context has none.
const DefaultCallTimeout = 10 * time.Second

// Client issues calls over one connection. Calls may be made concurrently;
// each response is matched to its call by request id.
type Client struct {
	framed *framing.Framed

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*pendingCall
	err     error // set once the connection is gone

	done chan struct{}
}

// Dial connects ep to addr under alpn and returns a client for the
// connection's stream pair.
func Dial(ctx context.Context, ep *endpoint.Endpoint, addr string, alpn []byte) (*Client, error) {
	conn, err := ep.Connect(ctx, addr, alpn)
	if err != nil {
		return nil, err
	}

	send, recv, err := conn.OpenBi()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open stream pair: %w", err)
	}

	return NewClient(framing.New(duplex.New(recv, send))), nil
}

// NewClient starts reading responses from framed in the background.
func NewClient(framed *framing.Framed) *Client {
	c := &Client{
		framed:  framed,
		pending: make(map[uint64]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends one request and waits for its response, for ctx to end, or for
// the connection to go away. A *ServerError is returned if the remote side
// reported a failure.
func (c *Client) Call(ctx context.Context, method string, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	req := Request{
		Context: newContext(ctx),
		Method:  method,
		Args:    args,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	pc := pendingCallPool.acquire()

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		pendingCallPool.release(pc)
		return nil, err
	}
	c.seq++
	req.ID = c.seq
	c.pending[req.ID] = pc
	c.mu.Unlock()

	if err := c.framed.WriteFrame(req.AppendTo([]byte{KindRequest})); err != nil {
		if c.forget(req.ID) {
			pendingCallPool.release(pc)
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		// the read loop failed the call concurrently
		<-pc.done
		return c.finish(pc)
	}

	select {
	case <-pc.done:
		return c.finish(pc)
	case <-ctx.Done():
		if c.forget(req.ID) {
			pendingCallPool.release(pc)
			_ = c.framed.WriteFrame(Cancel{ID: req.ID}.AppendTo([]byte{KindCancel}))
			return nil, ctx.Err()
		}
		<-pc.done
		return c.finish(pc)
	}
}

func (c *Client) finish(pc *pendingCall) ([]byte, error) {
	res, err := pc.res, pc.err
	pendingCallPool.release(pc)
	return res, err
}

// forget removes a pending call, reporting whether it was still pending.
func (c *Client) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; !exists {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		frame, err := c.framed.ReadFrame()
		if err != nil {
			c.fail(err)
			return
		}

		res, err := UnmarshalResponse(frame)
		if err != nil {
			c.fail(fmt.Errorf("failed to decode response: %w", err))
			_ = c.framed.Close()
			return
		}

		c.mu.Lock()
		pc, exists := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.mu.Unlock()

		if !exists { // the caller gave up on it
			continue
		}

		if res.Error != nil {
			pc.err = res.Error
		} else {
			pc.res = res.Result
		}
		pc.done <- struct{}{}
	}
}

func (c *Client) fail(err error) {
	err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}
	for id, pc := range c.pending {
		pc.err = c.err
		pc.done <- struct{}{}
		delete(c.pending, id)
	}
}

// Close shuts the connection down and waits for the read loop to exit.
// Pending calls fail with ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrShutdown
	}
	c.mu.Unlock()

	err := c.framed.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func newContext(ctx context.Context) Context {
	deadline, _ := ctx.Deadline()
	return Context{
		Deadline: deadline,
		TraceID:  rand.Uint64(),
		SpanID:   rand.Uint64(),
	}
}
