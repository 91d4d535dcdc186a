// Package framing splits a byte stream into length-delimited frames. Each
// frame is a 4-byte big-endian length followed by that many payload bytes.
package framing

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

const (
	HeaderSize            = 4
	DefaultMaxFrameLength = 8 * 1024 * 1024
)

var ErrFrameTooLarge = errors.New("frame exceeds max frame length")

type flusher interface {
	Flush() error
}

type closeWriter interface {
	CloseWrite() error
}

// Framed reads and writes frames on rw. One goroutine may read while any
// number write; writes never interleave.
type Framed struct {
	MaxFrameLength int

	rw io.ReadWriter

	rmu sync.Mutex
	hdr [HeaderSize]byte

	wmu sync.Mutex
}

func New(rw io.ReadWriter) *Framed {
	return &Framed{MaxFrameLength: DefaultMaxFrameLength, rw: rw}
}

func (f *Framed) maxFrameLength() int {
	if f.MaxFrameLength <= 0 {
		return DefaultMaxFrameLength
	}
	return f.MaxFrameLength
}

// ReadFrame returns the next frame's payload. io.EOF is returned only when the
// stream ends on a frame boundary; a stream cut mid-frame yields
// io.ErrUnexpectedEOF.
func (f *Framed) ReadFrame() ([]byte, error) {
	f.rmu.Lock()
	defer f.rmu.Unlock()

	if _, err := io.ReadFull(f.rw, f.hdr[:]); err != nil {
		return nil, err
	}

	size := bytesutil.Uint32BE(f.hdr[:])
	if uint64(size) > uint64(f.maxFrameLength()) {
		return nil, fmt.Errorf("%w: got %d bytes, max is %d", ErrFrameTooLarge, size, f.maxFrameLength())
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(f.rw, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return buf, nil
}

// WriteFrame writes payload as one frame and flushes the stream if it
// buffers.
func (f *Framed) WriteFrame(payload []byte) error {
	if len(payload) > f.maxFrameLength() {
		return fmt.Errorf("%w: got %d bytes, max is %d", ErrFrameTooLarge, len(payload), f.maxFrameLength())
	}

	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)

	b.B = bytesutil.AppendUint32BE(b.B, uint32(len(payload)))
	b.B = append(b.B, payload...)

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if _, err := f.rw.Write(b.B); err != nil {
		return err
	}
	if fl, ok := f.rw.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// CloseWrite signals the peer that no more frames follow, if the underlying
// stream supports half-closing.
func (f *Framed) CloseWrite() error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	if cw, ok := f.rw.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (f *Framed) Close() error {
	if c, ok := f.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
