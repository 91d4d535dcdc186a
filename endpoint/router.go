package endpoint

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ProtocolHandler serves the connections negotiated for one ALPN. Accept owns
// the connection attempt: it completes the handshake and runs until the
// connection is done.
type ProtocolHandler interface {
	Accept(ctx context.Context, conn *Connecting) error
}

type ProtocolHandlerFunc func(ctx context.Context, conn *Connecting) error

func (fn ProtocolHandlerFunc) Accept(ctx context.Context, conn *Connecting) error { return fn(ctx, conn) }

// Router accepts connections on an endpoint and hands each one to the
// handler registered for the protocol the client asked for.
type Router struct {
	ep *Endpoint

	handlers map[string]ProtocolHandler

	start sync.Once
	stop  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(ep *Endpoint) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		ep:       ep,
		handlers: make(map[string]ProtocolHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Accept registers handler for alpn. It must be called before Spawn.
func (r *Router) Accept(alpn []byte, handler ProtocolHandler) *Router {
	r.handlers[string(alpn)] = handler
	return r
}

// Spawn advertises the registered protocols and starts accepting
// connections in the background.
func (r *Router) Spawn() error {
	start := false
	r.start.Do(func() { start = true })
	if !start {
		return errors.New("router already started")
	}

	if len(r.handlers) == 0 {
		return errors.New("router has no protocol handlers")
	}

	names := maps.Keys(r.handlers)
	slices.Sort(names)

	alpns := make([][]byte, 0, len(names))
	for _, name := range names {
		alpns = append(alpns, []byte(name))
	}
	r.ep.setALPNs(alpns)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptLoop()
	}()

	return nil
}

func (r *Router) acceptLoop() {
	for {
		connecting, err := r.ep.Accept()
		if err != nil {
			if r.ctx.Err() != nil || r.ep.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			log.Printf("Stopped accepting connections: %s", err)
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(connecting)
		}()
	}
}

func (r *Router) handle(connecting *Connecting) {
	alpn, err := connecting.ALPN(r.ctx)
	if err != nil {
		log.Printf("Dropped connection attempt: %s", err)
		_ = connecting.Close()
		return
	}

	handler, exists := r.handlers[string(alpn)]
	if !exists {
		log.Printf("%s asked for unknown protocol '%s'.", connecting.RemoteAddr(), alpn)
		_ = connecting.Reject()
		return
	}

	if err := handler.Accept(r.ctx, connecting); err != nil {
		log.Printf("Connection from %s (%s) closed: %s", connecting.RemoteAddr(), alpn, err)
	}
}

// Shutdown stops the accept loop, cancels every running handler, and waits
// for them to return.
func (r *Router) Shutdown() {
	stop := false
	r.stop.Do(func() { stop = true })
	if !stop {
		return
	}

	r.cancel()
	_ = r.ep.Close()
	r.wg.Wait()
}

func (r *Router) Endpoint() *Endpoint { return r.ep }
