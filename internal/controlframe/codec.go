package controlframe

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned by decode helpers when the supplied slice ends
// before a frame's declared fields are fully present.
var ErrShortBuffer = errors.New("controlframe: buffer too short")

// Scratch is the shared write buffer the spec describes as a process-wide,
// per-thread singleton: builders overwrite it from offset 0, and a handler
// must fully emit one frame before another builder runs (there are no
// suspension points inside a handler, so this is safe without locking).
// Grounded on the teacher's direct-into-preallocated-slice encoding style
// (pkg/packet/builtin_packets.go) rather than the bytes.Buffer indirection
// used by the older internal/packet/codec.go, to keep the hot path
// allocation-free.
type Scratch struct {
	buf []byte
}

// NewScratch creates a scratch buffer with a small initial capacity; it
// grows on demand and is reused across frames.
func NewScratch() *Scratch {
	return &Scratch{buf: make([]byte, 0, 512)}
}

func (s *Scratch) reserve(n int) []byte {
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	} else {
		s.buf = s.buf[:n]
	}
	return s.buf
}

// BuildBegin encodes a Begin frame and returns (type, buffer, offset, length).
func (s *Scratch) BuildBegin(b *Begin) (Type, []byte, int, int) {
	total := 1 + 8 + 2 + len(b.RouteID) + 2 + len(b.Auth) + 2 + len(b.Affinity) + 2 + len(b.BeginEx)
	buf := s.reserve(total)
	off := 0
	buf[off] = byte(TypeBegin)
	off++
	binary.BigEndian.PutUint64(buf[off:], b.StreamID)
	off += 8
	off = putString(buf, off, b.RouteID)
	off = putString(buf, off, b.Auth)
	off = putString(buf, off, b.Affinity)
	off = putBytes(buf, off, b.BeginEx)
	return TypeBegin, buf, 0, total
}

func (s *Scratch) BuildData(d *Data) (Type, []byte, int, int) {
	total := 1 + 8 + 1 + 4 + 4 + len(d.Payload)
	buf := s.reserve(total)
	off := 0
	buf[off] = byte(TypeData)
	off++
	binary.BigEndian.PutUint64(buf[off:], d.StreamID)
	off += 8
	buf[off] = d.Flags
	off++
	binary.BigEndian.PutUint32(buf[off:], d.Reserved)
	off += 4
	off = putBytes(buf, off, d.Payload)
	return TypeData, buf, 0, total
}

func (s *Scratch) BuildEnd(e *End) (Type, []byte, int, int) {
	return s.buildStreamOnly(TypeEnd, e.StreamID)
}

func (s *Scratch) BuildAbort(a *Abort) (Type, []byte, int, int) {
	return s.buildStreamOnly(TypeAbort, a.StreamID)
}

func (s *Scratch) BuildFlush(f *Flush) (Type, []byte, int, int) {
	return s.buildStreamOnly(TypeFlush, f.StreamID)
}

func (s *Scratch) BuildReset(r *Reset) (Type, []byte, int, int) {
	return s.buildStreamOnly(TypeReset, r.StreamID)
}

func (s *Scratch) buildStreamOnly(t Type, streamID uint64) (Type, []byte, int, int) {
	buf := s.reserve(9)
	buf[0] = byte(t)
	binary.BigEndian.PutUint64(buf[1:], streamID)
	return t, buf, 0, 9
}

func (s *Scratch) BuildWindow(w *Window) (Type, []byte, int, int) {
	buf := s.reserve(17)
	off := 0
	buf[off] = byte(TypeWindow)
	off++
	binary.BigEndian.PutUint64(buf[off:], w.StreamID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(w.Credit))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(w.Padding))
	off += 4
	return TypeWindow, buf, 0, off
}

func (s *Scratch) BuildChallenge(c *Challenge) (Type, []byte, int, int) {
	total := 1 + 8 + 4 + len(c.Extension)
	buf := s.reserve(total)
	off := 0
	buf[off] = byte(TypeChallenge)
	off++
	binary.BigEndian.PutUint64(buf[off:], c.StreamID)
	off += 8
	off = putBytes(buf, off, c.Extension)
	return TypeChallenge, buf, 0, total
}

func putString(buf []byte, off int, s string) int {
	binary.BigEndian.PutUint16(buf[off:], uint16(len(s)))
	off += 2
	copy(buf[off:], s)
	return off + len(s)
}

func putBytes(buf []byte, off int, b []byte) int {
	binary.BigEndian.PutUint16(buf[off:], uint16(len(b)))
	off += 2
	copy(buf[off:], b)
	return off + len(b)
}

func getString(buf []byte, off int) (string, int, error) {
	if off+2 > len(buf) {
		return "", 0, ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return "", 0, ErrShortBuffer
	}
	return string(buf[off : off+n]), off + n, nil
}

func getBytes(buf []byte, off int) ([]byte, int, error) {
	if off+2 > len(buf) {
		return nil, 0, ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return nil, 0, ErrShortBuffer
	}
	return buf[off : off+n], off + n, nil
}

// Dispatch decodes the frame at buf[offset:offset+length] and delivers it to
// the appropriate Handler method. An unrecognized type_id is silently
// ignored per the UnknownFrame error-handling policy.
func Dispatch(frameType Type, buf []byte, offset, length int, h Handler) error {
	view := buf[offset : offset+length]
	if len(view) < 1 {
		return ErrShortBuffer
	}
	body := view[1:]
	switch frameType {
	case TypeBegin:
		b, err := decodeBegin(body)
		if err != nil {
			return err
		}
		return h.OnBegin(b)
	case TypeData:
		d, err := decodeData(body)
		if err != nil {
			return err
		}
		return h.OnData(d)
	case TypeEnd:
		id, err := decodeStreamOnly(body)
		if err != nil {
			return err
		}
		return h.OnEnd(&End{StreamID: id})
	case TypeAbort:
		id, err := decodeStreamOnly(body)
		if err != nil {
			return err
		}
		return h.OnAbort(&Abort{StreamID: id})
	case TypeFlush:
		id, err := decodeStreamOnly(body)
		if err != nil {
			return err
		}
		return h.OnFlush(&Flush{StreamID: id})
	case TypeWindow:
		w, err := decodeWindow(body)
		if err != nil {
			return err
		}
		return h.OnWindow(w)
	case TypeReset:
		id, err := decodeStreamOnly(body)
		if err != nil {
			return err
		}
		return h.OnReset(&Reset{StreamID: id})
	case TypeChallenge:
		c, err := decodeChallenge(body)
		if err != nil {
			return err
		}
		return h.OnChallenge(c)
	default:
		// UnknownFrame: drop silently.
		return nil
	}
}

// DecodeBegin decodes a Begin frame from buf[offset:offset+length], including
// its leading type byte. Exposed (unlike the other decode helpers) because
// stream admission must inspect a Begin before any Handler exists to
// dispatch it to.
func DecodeBegin(buf []byte, offset, length int) (*Begin, error) {
	view := buf[offset : offset+length]
	if len(view) < 1 {
		return nil, ErrShortBuffer
	}
	return decodeBegin(view[1:])
}

func decodeBegin(body []byte) (*Begin, error) {
	if len(body) < 8 {
		return nil, ErrShortBuffer
	}
	streamID := binary.BigEndian.Uint64(body)
	off := 8
	routeID, off, err := getString(body, off)
	if err != nil {
		return nil, err
	}
	auth, off, err := getString(body, off)
	if err != nil {
		return nil, err
	}
	affinity, off, err := getString(body, off)
	if err != nil {
		return nil, err
	}
	beginEx, _, err := getBytes(body, off)
	if err != nil {
		return nil, err
	}
	return &Begin{StreamID: streamID, RouteID: routeID, Auth: auth, Affinity: affinity, BeginEx: beginEx}, nil
}

func decodeData(body []byte) (*Data, error) {
	if len(body) < 13 {
		return nil, ErrShortBuffer
	}
	streamID := binary.BigEndian.Uint64(body)
	flags := body[8]
	reserved := binary.BigEndian.Uint32(body[9:13])
	payload, _, err := getBytes(body, 13)
	if err != nil {
		return nil, err
	}
	return &Data{StreamID: streamID, Flags: flags, Reserved: reserved, Payload: payload}, nil
}

func decodeStreamOnly(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, ErrShortBuffer
	}
	return binary.BigEndian.Uint64(body), nil
}

func decodeWindow(body []byte) (*Window, error) {
	if len(body) < 16 {
		return nil, ErrShortBuffer
	}
	streamID := binary.BigEndian.Uint64(body)
	credit := int32(binary.BigEndian.Uint32(body[8:12]))
	padding := int32(binary.BigEndian.Uint32(body[12:16]))
	return &Window{StreamID: streamID, Credit: credit, Padding: padding}, nil
}

func decodeChallenge(body []byte) (*Challenge, error) {
	if len(body) < 8 {
		return nil, ErrShortBuffer
	}
	streamID := binary.BigEndian.Uint64(body)
	ext, _, err := getBytes(body, 8)
	if err != nil {
		return nil, err
	}
	return &Challenge{StreamID: streamID, Extension: ext}, nil
}
