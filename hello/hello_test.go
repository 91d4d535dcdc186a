package hello

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/TheSmallBoat/pairpc/endpoint"
	"github.com/TheSmallBoat/pairpc/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func startServer(t *testing.T, hw HelloWorld) (*endpoint.Router, string) {
	ep := &endpoint.Endpoint{SecretKey: endpoint.GenerateSecretKey()}
	require.NoError(t, ep.Listen(endpoint.BindTCP("127.0.0.1:0")))

	router := endpoint.NewRouter(ep).Accept(ALPN, NewAcceptor(hw))
	require.NoError(t, router.Spawn())

	return router, ep.Addr()
}

func dial(t *testing.T, addr string) *Client {
	client, err := Dial(context.Background(), &endpoint.Endpoint{}, addr)
	require.NoError(t, err)
	return client
}

func TestHello(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, addr := startServer(t, NewServer())
	defer router.Shutdown()

	client := dial(t, addr)
	defer client.Close()

	amount, err := client.AmountResponses(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, amount)

	greeting, err := client.Hello(context.Background(), "X")
	require.NoError(t, err)
	require.Equal(t, "Hello X", greeting)

	amount, err = client.AmountResponses(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, amount)
}

func TestHelloEmptyName(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, addr := startServer(t, NewServer())
	defer router.Shutdown()

	client := dial(t, addr)
	defer client.Close()

	greeting, err := client.Hello(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "Hello ", greeting)
}

func TestHelloConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, addr := startServer(t, NewServer())
	defer router.Shutdown()

	client := dial(t, addr)
	defer client.Close()

	k := 64

	var wg sync.WaitGroup
	wg.Add(k)

	for i := 0; i < k; i++ {
		go func() {
			defer wg.Done()
			greeting, err := client.Hello(context.Background(), "Hot stuff")
			if assert.NoError(t, err) {
				assert.Equal(t, "Hello Hot stuff", greeting)
			}
		}()
	}

	wg.Wait()

	amount, err := client.AmountResponses(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, k, amount)
}

func TestHelloCountsAcrossConnections(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, addr := startServer(t, NewServer())
	defer router.Shutdown()

	first := dial(t, addr)
	defer first.Close()

	second := dial(t, addr)
	defer second.Close()

	_, err := first.Hello(context.Background(), "a")
	require.NoError(t, err)
	_, err = second.Hello(context.Background(), "b")
	require.NoError(t, err)

	amount, err := first.AmountResponses(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, amount)
}

func TestHelloBadArguments(t *testing.T) {
	defer goleak.VerifyNone(t)

	router, addr := startServer(t, NewServer())
	defer router.Shutdown()

	c, err := rpc.Dial(context.Background(), &endpoint.Endpoint{}, addr, ALPN)
	require.NoError(t, err)

	client := NewClient(c)
	defer client.Close()

	_, err = c.Call(context.Background(), MethodHello, []byte{0, 0})

	var se *rpc.ServerError
	require.True(t, errors.As(err, &se))
	require.Equal(t, rpc.ErrorCodeInvalidArgument, se.Code)

	amount, err := client.AmountResponses(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, amount)
}

func TestCounter(t *testing.T) {
	var c Counter

	n := 16
	m := 1000

	seen := make([]map[uint64]bool, n)

	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		seen[i] = make(map[uint64]bool)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < m; j++ {
				seen[i][c.Increment()] = true
			}
		}(i)
	}

	wg.Wait()

	require.EqualValues(t, n*m, c.Load())

	// every increment observed a distinct value
	all := make(map[uint64]bool)
	for _, values := range seen {
		for v := range values {
			require.False(t, all[v])
			all[v] = true
		}
	}
	require.Len(t, all, n*m)
}

func TestStringCodec(t *testing.T) {
	buf := appendString(nil, "Hot stuff")

	s, err := unmarshalString(buf)
	require.NoError(t, err)
	require.Equal(t, "Hot stuff", s)

	_, err = unmarshalString(buf[:len(buf)-1])
	require.Error(t, err)
	_, err = unmarshalString(buf[:3])
	require.Error(t, err)
}
