package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/TheSmallBoat/pairpc/framing"
)

// DefaultMaxConcurrentRequests bounds how many requests of one connection
// are handled at once when Channel.MaxConcurrentRequests is zero.
const DefaultMaxConcurrentRequests = 100

// Channel is the server side of one connection. It decodes request frames
// one at a time and handles each request in its own goroutine, so a slow
// request never holds up the ones behind it.
type Channel struct {
	// MaxConcurrentRequests caps the requests being handled at once. As many
	// again may wait for a slot; requests beyond that are answered with
	// ErrorCodeResourceExhausted. Zero means DefaultMaxConcurrentRequests, a
	// negative value means no cap.
	MaxConcurrentRequests int

	framed *framing.Framed

	mu       sync.Mutex
	inflight map[uint64]*inflightRequest
}

type inflightRequest struct {
	cancel   context.CancelFunc
	canceled bool // the client sent a Cancel for this request
}

func NewChannel(framed *framing.Framed) *Channel {
	return &Channel{
		framed:   framed,
		inflight: make(map[uint64]*inflightRequest),
	}
}

func (ch *Channel) limit() int {
	switch {
	case ch.MaxConcurrentRequests == 0:
		return DefaultMaxConcurrentRequests
	case ch.MaxConcurrentRequests < 0:
		return 0
	default:
		return ch.MaxConcurrentRequests
	}
}

// Execute serves requests until the client finishes its side of the stream or
// the stream fails. Requests still running when the stream fails, or when ctx
// is cancelled, see their contexts cancelled. Execute returns once every
// request it started has returned.
func (ch *Channel) Execute(ctx context.Context, svc Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var adm admission
	if limit := ch.limit(); limit > 0 {
		adm = admission{
			queued:  make(chan struct{}, 2*limit),
			running: make(chan struct{}, limit),
		}
	}

	var wg sync.WaitGroup

	for {
		frame, err := ch.framed.ReadFrame()
		if errors.Is(err, io.EOF) {
			wg.Wait()
			_ = ch.framed.CloseWrite()
			return nil
		}
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to read frame: %w", err)
		}

		if err := ch.dispatch(ctx, svc, frame, adm, &wg); err != nil {
			cancel()
			wg.Wait()
			return err
		}
	}
}

func (ch *Channel) dispatch(ctx context.Context, svc Service, frame []byte, adm admission, wg *sync.WaitGroup) error {
	if len(frame) < 1 {
		return errors.New("no kind recorded in frame")
	}

	var kind Kind
	kind, frame = frame[0], frame[1:]

	switch kind {
	case KindRequest:
		req, err := UnmarshalRequest(frame)
		if err != nil {
			return fmt.Errorf("failed to decode request: %w", err)
		}

		if err := req.Validate(); err != nil {
			ch.respond(ctx, Response{ID: req.ID, Error: NewError(ErrorCodeInvalidArgument, "%s", err)})
			return nil
		}

		if !adm.enqueue() {
			ch.respond(ctx, Response{ID: req.ID, Error: NewError(ErrorCodeResourceExhausted, "too many requests in flight")})
			return nil
		}

		reqCtx, ok := ch.register(ctx, req)
		if !ok {
			adm.dequeue()
			ch.respond(ctx, Response{ID: req.ID, Error: NewError(ErrorCodeAlreadyExists, "request %d is already in flight", req.ID)})
			return nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer adm.dequeue()

			// a request cancelled while waiting is answered by serve without
			// reaching the handler
			if adm.run(reqCtx) {
				defer adm.done()
			}
			ch.serve(ctx, reqCtx, svc, req)
		}()

		return nil
	case KindCancel:
		packet, err := UnmarshalCancel(frame)
		if err != nil {
			return fmt.Errorf("failed to decode cancel: %w", err)
		}
		ch.cancel(packet.ID)
		return nil
	}

	return fmt.Errorf("unknown frame kind %d", kind)
}

func (ch *Channel) serve(connCtx, ctx context.Context, svc Service, req Request) {
	defer ch.unregister(req.ID)

	res := Response{ID: req.ID}

	if err := ctx.Err(); err != nil {
		res.Error = toServerError(err)
	} else if result, err := svc.Serve(ctx, req.Method, req.Args); err != nil {
		res.Error = toServerError(err)
	} else {
		res.Result = result
	}

	if ch.canceled(req.ID) {
		return
	}

	ch.respond(connCtx, res)
}

func (ch *Channel) respond(connCtx context.Context, res Response) {
	if connCtx.Err() != nil {
		return
	}
	err := ch.framed.WriteFrame(res.AppendTo(nil))
	if errors.Is(err, framing.ErrFrameTooLarge) && res.Error == nil {
		res = Response{ID: res.ID, Error: NewError(ErrorCodeResourceExhausted, "result of %d bytes is too large", len(res.Result))}
		err = ch.framed.WriteFrame(res.AppendTo(nil))
	}
	if err != nil {
		log.Printf("Failed to write response to request %d: %s", res.ID, err)
		_ = ch.framed.Close()
	}
}

// admission bounds a connection's requests. Up to cap(running) handlers run
// at once and up to cap(queued) requests are held, running or waiting. A nil
// admission admits everything.
type admission struct {
	queued  chan struct{}
	running chan struct{}
}

// enqueue reserves a queue slot without blocking, so the pump keeps reading
// frames such as Cancel while handlers are busy.
func (a admission) enqueue() bool {
	if a.queued == nil {
		return true
	}
	select {
	case a.queued <- struct{}{}:
		return true
	default:
		return false
	}
}

func (a admission) dequeue() {
	if a.queued != nil {
		<-a.queued
	}
}

// run waits for a running slot. It reports false if ctx ended first.
func (a admission) run(ctx context.Context) bool {
	if a.running == nil {
		return true
	}
	select {
	case a.running <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a admission) done() {
	if a.running != nil {
		<-a.running
	}
}

func (ch *Channel) register(ctx context.Context, req Request) (context.Context, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, exists := ch.inflight[req.ID]; exists {
		return nil, false
	}

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if !req.Context.Deadline.IsZero() {
		reqCtx, cancel = context.WithDeadline(ctx, req.Context.Deadline)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	ch.inflight[req.ID] = &inflightRequest{cancel: cancel}

	return reqCtx, true
}

func (ch *Channel) unregister(id uint64) {
	ch.mu.Lock()
	ir, exists := ch.inflight[id]
	delete(ch.inflight, id)
	ch.mu.Unlock()

	if exists {
		ir.cancel()
	}
}

func (ch *Channel) cancel(id uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ir, exists := ch.inflight[id]
	if !exists {
		return
	}
	ir.canceled = true
	ir.cancel()
}

func (ch *Channel) canceled(id uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ir, exists := ch.inflight[id]
	return exists && ir.canceled
}

// InFlight returns the number of requests currently being handled.
func (ch *Channel) InFlight() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.inflight)
}
