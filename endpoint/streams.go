package endpoint

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

func connectionLost(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// SendStream is the write half of a connection.
type SendStream struct {
	conn *Connection

	mu       sync.Mutex
	bw       *bufio.Writer
	finished bool
}

func newSendStream(conn *Connection) *SendStream {
	return &SendStream{conn: conn, bw: bufio.NewWriterSize(conn.conn, conn.wbuf)}
}

func (s *SendStream) Write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return 0, ErrStreamFinished
	}

	n, err := s.bw.Write(buf)
	if err != nil {
		return n, connectionLost(err)
	}
	return n, nil
}

func (s *SendStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return ErrStreamFinished
	}

	if err := s.bw.Flush(); err != nil {
		return connectionLost(err)
	}
	return nil
}

// Finish flushes buffered data and tells the peer no more data follows. The
// receive half keeps working.
func (s *SendStream) Finish() error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true

	err := s.bw.Flush()
	if err == nil {
		if cw, ok := s.conn.conn.(closeWriter); ok && !s.conn.isClosed() {
			err = cw.CloseWrite()
		}
	}
	s.mu.Unlock()

	s.conn.halfClosed()

	if err != nil {
		return connectionLost(err)
	}
	return nil
}

// RecvStream is the read half of a connection.
type RecvStream struct {
	conn *Connection

	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func newRecvStream(conn *Connection) *RecvStream {
	return &RecvStream{conn: conn}
}

// Read returns io.EOF once the peer has finished its send half.
func (r *RecvStream) Read(buf []byte) (int, error) {
	n, err := r.conn.conn.Read(buf)
	if err == nil || err == io.EOF {
		return n, err
	}
	if r.isStopped() {
		return n, io.EOF
	}
	return n, connectionLost(err)
}

// Stop discards whatever the peer sends from now on. The send half keeps
// working.
func (r *RecvStream) Stop() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()

		if cr, ok := r.conn.conn.(closeReader); ok && !r.conn.isClosed() {
			err = cr.CloseRead()
		}

		r.conn.halfClosed()
	})
	return err
}

func (r *RecvStream) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
