package duplex

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type pipeReceiver struct{ *io.PipeReader }

func (r pipeReceiver) Stop() error { return r.PipeReader.Close() }

type pipeSender struct{ *io.PipeWriter }

func (s pipeSender) Flush() error  { return nil }
func (s pipeSender) Finish() error { return s.PipeWriter.Close() }

// pair returns two streams wired back to back.
func pair() (*Stream, *Stream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return New(pipeReceiver{ar}, pipeSender{aw}), New(pipeReceiver{br}, pipeSender{bw})
}

func TestRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := pair()

	go func() {
		_, _ = io.Copy(b, b)
		_ = b.CloseWrite()
	}()

	go func() {
		_, _ = a.Write([]byte("hello world"))
		_ = a.CloseWrite()
	}()

	got, err := io.ReadAll(a)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestHalvesCloseIndependently(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := pair()

	done := make(chan []byte)
	go func() {
		got, _ := io.ReadAll(b)
		done <- got
	}()

	_, err := a.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, a.CloseWrite())
	require.Equal(t, "request", string(<-done))

	// a stopped writing but still reads what b sends afterwards
	go func() {
		_, _ = b.Write([]byte("response"))
		_ = b.CloseWrite()
	}()

	got, err := io.ReadAll(a)
	require.NoError(t, err)
	require.Equal(t, "response", string(got))
}

func TestCloseReadLeavesWriteOpen(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := pair()

	require.NoError(t, a.CloseRead())

	done := make(chan []byte)
	go func() {
		got, _ := io.ReadAll(b)
		done <- got
	}()

	_, err := a.Write([]byte("still writable"))
	require.NoError(t, err)
	require.NoError(t, a.CloseWrite())
	require.Equal(t, "still writable", string(<-done))

	_, err = b.Write([]byte("nobody listens"))
	require.Error(t, err)
}
