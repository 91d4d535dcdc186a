// Package duplex joins the two halves of a connection, each owned on its own,
// into one io.ReadWriteCloser that framing and codec layers can drive.
package duplex

import (
	"errors"
	"io"
)

// Receiver is the read half of a connection. Stop discards further incoming
// data without touching the write half.
type Receiver interface {
	io.Reader
	Stop() error
}

// Sender is the write half of a connection. Finish flushes and signals the
// peer that no more data follows, without touching the read half.
type Sender interface {
	io.Writer
	Flush() error
	Finish() error
}

var _ io.ReadWriteCloser = (*Stream)(nil)

// Stream reads from one half and writes to the other. The halves share no
// state, so a read and a write may run concurrently.
type Stream struct {
	recv Receiver
	send Sender
}

func New(recv Receiver, send Sender) *Stream {
	return &Stream{recv: recv, send: send}
}

func (s *Stream) Read(buf []byte) (int, error)  { return s.recv.Read(buf) }
func (s *Stream) Write(buf []byte) (int, error) { return s.send.Write(buf) }
func (s *Stream) Flush() error                  { return s.send.Flush() }

// CloseWrite finishes the send half only.
func (s *Stream) CloseWrite() error { return s.send.Finish() }

// CloseRead stops the receive half only.
func (s *Stream) CloseRead() error { return s.recv.Stop() }

// Close finishes the send half and stops the receive half.
func (s *Stream) Close() error {
	return errors.Join(s.send.Finish(), s.recv.Stop())
}
