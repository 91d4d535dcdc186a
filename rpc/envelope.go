package rpc

import (
	"fmt"
	"io"
	"math"
	"time"
	"unicode/utf8"

	"github.com/lithdew/bytesutil"
)

// Kind prefixes every frame a client sends.
type Kind = uint8

const (
	KindRequest Kind = iota
	KindCancel
)

// Context travels with every request: the caller's deadline and the trace the
// call belongs to.
type Context struct {
	Deadline time.Time // zero means no deadline
	TraceID  uint64
	SpanID   uint64
}

const sizeContext = 8 + 8 + 8

func (c Context) AppendTo(dst []byte) []byte {
	var deadline uint64
	if !c.Deadline.IsZero() {
		deadline = uint64(c.Deadline.UnixNano())
	}
	dst = bytesutil.AppendUint64BE(dst, deadline)
	dst = bytesutil.AppendUint64BE(dst, c.TraceID)
	dst = bytesutil.AppendUint64BE(dst, c.SpanID)
	return dst
}

func UnmarshalContext(buf []byte) (Context, []byte, error) {
	var ctx Context
	if len(buf) < sizeContext {
		return ctx, buf, io.ErrUnexpectedEOF
	}

	var deadline uint64
	deadline, buf = bytesutil.Uint64BE(buf[:8]), buf[8:]
	if deadline != 0 {
		ctx.Deadline = time.Unix(0, int64(deadline))
	}
	ctx.TraceID, buf = bytesutil.Uint64BE(buf[:8]), buf[8:]
	ctx.SpanID, buf = bytesutil.Uint64BE(buf[:8]), buf[8:]

	return ctx, buf, nil
}

type Request struct {
	ID      uint64  // request id, unique per client connection
	Context Context // deadline and trace
	Method  string  // method name
	Args    []byte  // encoded arguments
}

func (r Request) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint64BE(dst, r.ID)
	dst = r.Context.AppendTo(dst)
	dst = append(dst, uint8(len(r.Method)))
	dst = append(dst, r.Method...)
	dst = bytesutil.AppendUint32BE(dst, uint32(len(r.Args)))
	dst = append(dst, r.Args...)
	return dst
}

func (r Request) Validate() error {
	if len(r.Method) == 0 {
		return fmt.Errorf("request %d names no method", r.ID)
	}
	if len(r.Method) > math.MaxUint8 {
		return fmt.Errorf("method '%s' is too large - must <= %d bytes", r.Method, math.MaxUint8)
	}
	return nil
}

func UnmarshalRequest(buf []byte) (Request, error) {
	var req Request

	if len(buf) < 8 {
		return req, io.ErrUnexpectedEOF
	}
	req.ID, buf = bytesutil.Uint64BE(buf[:8]), buf[8:]

	var err error
	req.Context, buf, err = UnmarshalContext(buf)
	if err != nil {
		return req, err
	}

	{
		if len(buf) < 1 {
			return req, io.ErrUnexpectedEOF
		}
		var size uint8
		size, buf = buf[0], buf[1:]
		if len(buf) < int(size) {
			return req, io.ErrUnexpectedEOF
		}
		req.Method, buf = string(buf[:size]), buf[size:]
	}

	{
		if len(buf) < 4 {
			return req, io.ErrUnexpectedEOF
		}
		var size uint32
		size, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
		if uint64(len(buf)) < uint64(size) {
			return req, io.ErrUnexpectedEOF
		}
		req.Args = buf[:size]
	}

	return req, nil
}

// Cancel asks the server to abandon a request the caller no longer waits for.
type Cancel struct {
	ID uint64
}

func (c Cancel) AppendTo(dst []byte) []byte {
	return bytesutil.AppendUint64BE(dst, c.ID)
}

func UnmarshalCancel(buf []byte) (Cancel, error) {
	var c Cancel
	if len(buf) < 8 {
		return c, io.ErrUnexpectedEOF
	}
	c.ID = bytesutil.Uint64BE(buf[:8])
	return c, nil
}

type Response struct {
	ID     uint64       // id of the request this answers
	Error  *ServerError // set if the call failed
	Result []byte       // encoded result, if Error is nil
}

func (r Response) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint64BE(dst, r.ID)
	if r.Error != nil {
		dst = append(dst, 1)
		dst = bytesutil.AppendUint16BE(dst, uint16(r.Error.Code))
		msg := r.Error.Message
		if len(msg) > math.MaxUint16 {
			n := math.MaxUint16
			for n > 0 && !utf8.RuneStart(msg[n]) {
				n--
			}
			msg = msg[:n]
		}
		dst = bytesutil.AppendUint16BE(dst, uint16(len(msg)))
		dst = append(dst, msg...)
		return dst
	}
	dst = append(dst, 0)
	dst = bytesutil.AppendUint32BE(dst, uint32(len(r.Result)))
	dst = append(dst, r.Result...)
	return dst
}

func UnmarshalResponse(buf []byte) (Response, error) {
	var res Response

	if len(buf) < 8+1 {
		return res, io.ErrUnexpectedEOF
	}
	res.ID, buf = bytesutil.Uint64BE(buf[:8]), buf[8:]

	var failed bool
	failed, buf = buf[0] == 1, buf[1:]

	if failed {
		if len(buf) < 2+2 {
			return res, io.ErrUnexpectedEOF
		}
		var code, size uint16
		code, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
		size, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
		if len(buf) < int(size) {
			return res, io.ErrUnexpectedEOF
		}
		res.Error = &ServerError{Code: ErrorCode(code), Message: string(buf[:size])}
		return res, nil
	}

	if len(buf) < 4 {
		return res, io.ErrUnexpectedEOF
	}
	var size uint32
	size, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	if uint64(len(buf)) < uint64(size) {
		return res, io.ErrUnexpectedEOF
	}
	res.Result = buf[:size]

	return res, nil
}
