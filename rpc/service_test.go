package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServeMux(t *testing.T) {
	mux := NewServeMux()
	mux.Handle("b", func(ctx context.Context, args []byte) ([]byte, error) { return args, nil })
	mux.Handle("a", func(ctx context.Context, args []byte) ([]byte, error) {
		return nil, errors.New("always fails")
	})

	require.Equal(t, []string{"a", "b"}, mux.Methods())

	res, err := mux.Serve(context.Background(), "b", []byte("echo"))
	require.NoError(t, err)
	require.Equal(t, []byte("echo"), res)

	_, err = mux.Serve(context.Background(), "a", nil)
	require.EqualError(t, err, "a: always fails")
	require.Equal(t, ErrorCodeInternal, toServerError(err).Code)

	_, err = mux.Serve(context.Background(), "c", nil)
	require.Equal(t, ErrorCodeNotFound, toServerError(err).Code)
}

func TestServeMuxRegistration(t *testing.T) {
	mux := NewServeMux()
	fn := func(ctx context.Context, args []byte) ([]byte, error) { return nil, nil }

	mux.Handle("m", fn)

	require.Panics(t, func() { mux.Handle("m", fn) })
	require.Panics(t, func() { mux.Handle("", fn) })
	require.Panics(t, func() { mux.Handle("n", nil) })
}

func TestServeMuxRecoversPanics(t *testing.T) {
	mux := NewServeMux()
	mux.Handle("boom", func(ctx context.Context, args []byte) ([]byte, error) { panic("boom") })

	res, err := mux.Serve(context.Background(), "boom", nil)
	require.Nil(t, res)

	var se *ServerError
	require.True(t, errors.As(err, &se))
	require.Equal(t, ErrorCodeInternal, se.Code)
	require.Contains(t, se.Message, "boom")
}

func TestToServerError(t *testing.T) {
	wrapped := NewError(ErrorCodeResourceExhausted, "too many")

	require.Same(t, wrapped, toServerError(wrapped))
	require.Equal(t, ErrorCodeResourceExhausted, toServerError(errors.Join(errors.New("x"), wrapped)).Code)
	require.Equal(t, ErrorCodeDeadlineExceeded, toServerError(context.DeadlineExceeded).Code)
	require.Equal(t, ErrorCodeCanceled, toServerError(context.Canceled).Code)
	require.Equal(t, ErrorCodeInternal, toServerError(errors.New("oops")).Code)

	require.Equal(t, "rpc error [resource exhausted]: too many", wrapped.Error())
	require.Equal(t, "code(4242)", ErrorCode(4242).String())
}
