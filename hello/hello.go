// Package hello is a small greeting service used to exercise the rpc stack:
// one method greets, the other reports how many greetings were served.
package hello

import (
	"context"
	"fmt"
	"io"

	"github.com/TheSmallBoat/pairpc/endpoint"
	"github.com/TheSmallBoat/pairpc/rpc"
	"github.com/lithdew/bytesutil"
)

var ALPN = []byte("HELLOWORLD_ALPN")

const (
	MethodHello           = "HelloWorld.hello"
	MethodAmountResponses = "HelloWorld.amount_responses"
)

type HelloWorld interface {
	Hello(ctx context.Context, who string) (string, error)
	// AmountResponses returns how many Hello calls the server has answered.
	AmountResponses(ctx context.Context) (uint64, error)
}

var _ HelloWorld = (*Server)(nil)

type Server struct {
	amount Counter
}

func NewServer() *Server { return &Server{} }

func (s *Server) Hello(_ context.Context, who string) (string, error) {
	s.amount.Increment()
	return "Hello " + who, nil
}

func (s *Server) AmountResponses(_ context.Context) (uint64, error) {
	return s.amount.Load(), nil
}

// NewServeMux exposes hw's methods to rpc callers.
func NewServeMux(hw HelloWorld) *rpc.ServeMux {
	mux := rpc.NewServeMux()

	mux.Handle(MethodHello, func(ctx context.Context, args []byte) ([]byte, error) {
		who, err := unmarshalString(args)
		if err != nil {
			return nil, rpc.NewError(rpc.ErrorCodeInvalidArgument, "bad arguments: %s", err)
		}
		greeting, err := hw.Hello(ctx, who)
		if err != nil {
			return nil, err
		}
		return appendString(nil, greeting), nil
	})

	mux.Handle(MethodAmountResponses, func(ctx context.Context, _ []byte) ([]byte, error) {
		amount, err := hw.AmountResponses(ctx)
		if err != nil {
			return nil, err
		}
		return bytesutil.AppendUint64BE(nil, amount), nil
	})

	return mux
}

// NewAcceptor returns the protocol handler to register under ALPN.
func NewAcceptor(hw HelloWorld) *rpc.Acceptor {
	return &rpc.Acceptor{Service: NewServeMux(hw)}
}

var _ HelloWorld = (*Client)(nil)

type Client struct {
	c *rpc.Client
}

func NewClient(c *rpc.Client) *Client { return &Client{c: c} }

func Dial(ctx context.Context, ep *endpoint.Endpoint, addr string) (*Client, error) {
	c, err := rpc.Dial(ctx, ep, addr, ALPN)
	if err != nil {
		return nil, err
	}
	return NewClient(c), nil
}

func (c *Client) Hello(ctx context.Context, who string) (string, error) {
	res, err := c.c.Call(ctx, MethodHello, appendString(nil, who))
	if err != nil {
		return "", err
	}
	greeting, err := unmarshalString(res)
	if err != nil {
		return "", fmt.Errorf("failed to decode greeting: %w", err)
	}
	return greeting, nil
}

func (c *Client) AmountResponses(ctx context.Context) (uint64, error) {
	res, err := c.c.Call(ctx, MethodAmountResponses, nil)
	if err != nil {
		return 0, err
	}
	if len(res) < 8 {
		return 0, fmt.Errorf("failed to decode amount: %w", io.ErrUnexpectedEOF)
	}
	return bytesutil.Uint64BE(res[:8]), nil
}

func (c *Client) Close() error { return c.c.Close() }

func appendString(dst []byte, s string) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(s)))
	return append(dst, s...)
}

func unmarshalString(buf []byte) (string, error) {
	if len(buf) < 4 {
		return "", io.ErrUnexpectedEOF
	}
	size := bytesutil.Uint32BE(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(size) {
		return "", io.ErrUnexpectedEOF
	}
	return string(buf[:size]), nil
}
