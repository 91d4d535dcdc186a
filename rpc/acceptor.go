package rpc

import (
	"context"
	"fmt"
	"net"

	"github.com/TheSmallBoat/pairpc/duplex"
	"github.com/TheSmallBoat/pairpc/endpoint"
	"github.com/TheSmallBoat/pairpc/framing"
)

type ConnState int

const (
	StatePending  ConnState = iota // handshake in flight
	StateAccepted                  // stream pair obtained
	StateFramed                    // framing attached
	StateServing                   // channel executing
	StateClosed
)

var stateNames = [...]string{
	StatePending:  "pending",
	StateAccepted: "accepted",
	StateFramed:   "framed",
	StateServing:  "serving",
	StateClosed:   "closed",
}

func (s ConnState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type ConnStateHandler interface {
	HandleConnState(addr net.Addr, state ConnState)
}

type ConnStateHandlerFunc func(addr net.Addr, state ConnState)

func (fn ConnStateHandlerFunc) HandleConnState(addr net.Addr, state ConnState) { fn(addr, state) }

var DefaultConnStateHandler ConnStateHandlerFunc = func(addr net.Addr, state ConnState) {}

var _ endpoint.ProtocolHandler = (*Acceptor)(nil)

// Acceptor turns inbound connections into running channels for Service.
type Acceptor struct {
	Service Service

	MaxConcurrentRequests int
	MaxFrameLength        int

	ConnState ConnStateHandler
}

func (a *Acceptor) connState(addr net.Addr, state ConnState) {
	if a.ConnState == nil {
		DefaultConnStateHandler(addr, state)
		return
	}
	a.ConnState.HandleConnState(addr, state)
}

// Accept completes the handshake, builds the duplex, framing and channel
// stack on the connection's stream pair, and serves it until the client goes
// away, the stream fails, or ctx is cancelled. Whatever happens stays within
// this connection.
func (a *Acceptor) Accept(ctx context.Context, connecting *endpoint.Connecting) (err error) {
	addr := connecting.RemoteAddr()
	a.connState(addr, StatePending)
	defer a.connState(addr, StateClosed)

	conn, err := connecting.Await(ctx)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	defer conn.Close()

	send, recv, err := conn.AcceptBi()
	if err != nil {
		return fmt.Errorf("failed to accept stream pair: %w", err)
	}
	a.connState(addr, StateAccepted)

	framed := framing.New(duplex.New(recv, send))
	if a.MaxFrameLength > 0 {
		framed.MaxFrameLength = a.MaxFrameLength
	}
	a.connState(addr, StateFramed)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ch := NewChannel(framed)
	ch.MaxConcurrentRequests = a.MaxConcurrentRequests

	a.connState(addr, StateServing)

	err = ch.Execute(ctx, a.Service)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
