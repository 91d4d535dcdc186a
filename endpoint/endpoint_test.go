package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var echoALPN = []byte("test/echo")

// echo copies everything it receives back to the sender, then finishes.
var echo ProtocolHandlerFunc = func(ctx context.Context, connecting *Connecting) error {
	conn, err := connecting.Await(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	send, recv, err := conn.AcceptBi()
	if err != nil {
		return err
	}
	if _, err := io.Copy(send, recv); err != nil {
		return err
	}
	if err := send.Finish(); err != nil {
		return err
	}
	return recv.Stop()
}

func startRouter(t testing.TB, alpn []byte, handler ProtocolHandler) (*Router, *Endpoint) {
	ep := &Endpoint{SecretKey: GenerateSecretKey()}
	require.NoError(t, ep.Listen(BindTCP("127.0.0.1:0")))

	router := NewRouter(ep).Accept(alpn, handler)
	require.NoError(t, router.Spawn())

	return router, ep
}

func TestRouterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, _ := startRouter(t, echoALPN, echo)
	router.Shutdown()
	router.Shutdown()
}

func TestConnectEcho(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, server := startRouter(t, echoALPN, echo)
	defer router.Shutdown()

	client := &Endpoint{}

	conn, err := client.Connect(context.Background(), server.Addr(), echoALPN)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, echoALPN, conn.ALPN())
	require.NotNil(t, conn.RemoteID())
	require.Equal(t, server.ID().Pub, conn.RemoteID().Pub)

	send, recv, err := conn.OpenBi()
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("hello "), 4096)
	go func() {
		_, _ = send.Write(payload)
		_ = send.Finish()
	}()

	got, err := io.ReadAll(recv)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStreamPairIsTakenOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, server := startRouter(t, echoALPN, echo)
	defer router.Shutdown()

	conn, err := (&Endpoint{}).Connect(context.Background(), server.Addr(), echoALPN)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.OpenBi()
	require.NoError(t, err)

	_, _, err = conn.OpenBi()
	require.True(t, errors.Is(err, ErrStreamsTaken))
}

func TestFinishKeepsReceiving(t *testing.T) {
	defer goleak.VerifyNone(t)

	// reads everything, then answers with how much it read
	count := ProtocolHandlerFunc(func(ctx context.Context, connecting *Connecting) error {
		conn, err := connecting.Await(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		send, recv, err := conn.AcceptBi()
		if err != nil {
			return err
		}

		n, err := io.Copy(io.Discard, recv)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(send, "read %d bytes", n); err != nil {
			return err
		}
		return send.Finish()
	})

	router, server := startRouter(t, echoALPN, count)
	defer router.Shutdown()

	conn, err := (&Endpoint{}).Connect(context.Background(), server.Addr(), echoALPN)
	require.NoError(t, err)
	defer conn.Close()

	send, recv, err := conn.OpenBi()
	require.NoError(t, err)

	_, err = send.Write(make([]byte, 1<<16))
	require.NoError(t, err)
	require.NoError(t, send.Finish())

	_, err = send.Write([]byte("late"))
	require.True(t, errors.Is(err, ErrStreamFinished))

	got, err := io.ReadAll(recv)
	require.NoError(t, err)
	require.Equal(t, "read 65536 bytes", string(got))
}

func TestWriteAfterCloseReportsConnectionLost(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, server := startRouter(t, echoALPN, echo)
	defer router.Shutdown()

	conn, err := (&Endpoint{}).Connect(context.Background(), server.Addr(), echoALPN)
	require.NoError(t, err)

	send, recv, err := conn.OpenBi()
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	_, _ = send.Write([]byte("hello"))
	require.True(t, errors.Is(send.Flush(), ErrConnectionLost))

	_, err = recv.Read(make([]byte, 16))
	require.True(t, errors.Is(err, ErrConnectionLost))
}

func TestUnknownProtocolIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, server := startRouter(t, echoALPN, echo)
	defer router.Shutdown()

	client := &Endpoint{}

	_, err := client.Connect(context.Background(), server.Addr(), []byte("test/unknown"))
	require.True(t, errors.Is(err, ErrProtocolRejected))

	// the router keeps serving other connections
	conn, err := client.Connect(context.Background(), server.Addr(), echoALPN)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestFailedHandshakeIsIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, server := startRouter(t, echoALPN, echo)
	defer router.Shutdown()

	client := &Endpoint{}

	established, err := client.Connect(context.Background(), server.Addr(), echoALPN)
	require.NoError(t, err)
	defer established.Close()

	send, recv, err := established.OpenBi()
	require.NoError(t, err)

	// a peer that speaks garbage and hangs up
	raw, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	_, err = raw.Write([]byte{0x00, 0x03, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// a peer that never says anything
	silent, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer silent.Close()

	fresh, err := client.Connect(context.Background(), server.Addr(), echoALPN)
	require.NoError(t, err)
	require.NoError(t, fresh.Close())

	_, err = send.Write([]byte("still here"))
	require.NoError(t, err)
	require.NoError(t, send.Finish())

	got, err := io.ReadAll(recv)
	require.NoError(t, err)
	require.Equal(t, "still here", string(got))
}

func TestConnectHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// accepts but never answers the hello
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = (&Endpoint{}).Connect(ctx, ln.Addr().String(), echoALPN)
	require.Error(t, err)

	for conn := range accepted {
		conn.Close()
	}
}

func TestConnectRejectsOversizedALPN(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, server := startRouter(t, echoALPN, echo)
	defer router.Shutdown()

	client := &Endpoint{}

	_, err := client.Connect(context.Background(), server.Addr(), bytes.Repeat([]byte("a"), 256))
	require.Error(t, err)

	conn, err := client.Connect(context.Background(), server.Addr(), echoALPN)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
