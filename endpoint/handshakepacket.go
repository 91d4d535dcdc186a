package endpoint

import (
	"errors"
	"fmt"
	"io"
	"math"
	"unsafe"

	"github.com/lithdew/bytesutil"
	"github.com/lithdew/kademlia"
)

// HandshakePacket is exchanged once in each direction when a connection is
// established. The client names the protocol it wants; the server echoes the
// protocol it selected, or an empty ALPN if it refuses the connection.
type HandshakePacket struct {
	ALPN      []byte
	KadId     *kademlia.ID
	Signature kademlia.Signature
}

func (h HandshakePacket) AppendPayloadTo(dst []byte) []byte {
	dst = append(dst, h.ALPN...)
	if h.KadId != nil {
		dst = h.KadId.AppendTo(dst)
	}
	return dst
}

func (h HandshakePacket) AppendTo(dst []byte) []byte {
	dst = append(dst, uint8(len(h.ALPN)))
	dst = append(dst, h.ALPN...)
	if h.KadId != nil {
		dst = append(dst, 1)
		dst = h.KadId.AppendTo(dst)
		dst = append(dst, h.Signature[:]...)
	} else {
		dst = append(dst, 0)
	}
	return dst
}

func UnmarshalHandshakePacket(buf []byte) (HandshakePacket, error) {
	var pkt HandshakePacket

	if len(buf) < 1 {
		return pkt, io.ErrUnexpectedEOF
	}

	var size uint8
	size, buf = buf[0], buf[1:]
	if len(buf) < int(size) {
		return pkt, io.ErrUnexpectedEOF
	}
	pkt.ALPN, buf = append([]byte(nil), buf[:size]...), buf[size:]

	if len(buf) < 1 {
		return pkt, io.ErrUnexpectedEOF
	}

	hasID := buf[0] == 1
	buf = buf[1:]

	if hasID {
		id, leftover, err := kademlia.UnmarshalID(buf)
		if err != nil {
			return pkt, err
		}
		pkt.KadId = &id
		buf = leftover

		if len(buf) < kademlia.SizeSignature {
			return pkt, io.ErrUnexpectedEOF
		}

		pkt.Signature = *(*kademlia.Signature)(unsafe.Pointer(&((buf[:kademlia.SizeSignature])[0])))
	}

	return pkt, nil
}

// Validate checks the packet's identity and signature. An empty ALPN is
// allowed here; callers decide whether an empty ALPN means rejection.
func (h HandshakePacket) Validate(dst []byte) error {
	if len(h.ALPN) > math.MaxUint8 {
		return fmt.Errorf("alpn '%s' is too large - must <= %d bytes", h.ALPN, math.MaxUint8)
	}

	if h.KadId != nil {
		err := h.KadId.Validate()
		if err != nil {
			return err
		}
		if !h.Signature.Verify(h.KadId.Pub, h.AppendPayloadTo(dst)) {
			return errors.New("signature is malformed")
		}
	}

	return nil
}

func writeHandshakePacket(w io.Writer, pkt HandshakePacket) error {
	buf := pkt.AppendTo(make([]byte, 2, 2+1+len(pkt.ALPN)+1+128))
	if len(buf)-2 > math.MaxUint16 {
		return fmt.Errorf("handshake packet is too large: %d bytes", len(buf)-2)
	}
	copy(buf[:2], bytesutil.AppendUint16BE(nil, uint16(len(buf)-2)))
	_, err := w.Write(buf)
	return err
}

func readHandshakePacket(r io.Reader) (HandshakePacket, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return HandshakePacket{}, err
	}
	buf := make([]byte, bytesutil.Uint16BE(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return HandshakePacket{}, err
	}
	return UnmarshalHandshakePacket(buf)
}
