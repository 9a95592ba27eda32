// Package controlframe implements the eight stream-control frame kinds the
// nucleus dispatches between a half and its peer: Begin, Data, End, Abort,
// Flush, Window, Reset, and Challenge. The core session logic consumes only
// the typed Handler contract in this package and never observes the wire
// layout directly.
package controlframe

// Type is the one-byte discriminator carried by every control frame.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeBegin
	TypeData
	TypeEnd
	TypeAbort
	TypeFlush
	TypeWindow
	TypeReset
	TypeChallenge
)

func (t Type) String() string {
	switch t {
	case TypeBegin:
		return "Begin"
	case TypeData:
		return "Data"
	case TypeEnd:
		return "End"
	case TypeAbort:
		return "Abort"
	case TypeFlush:
		return "Flush"
	case TypeWindow:
		return "Window"
	case TypeReset:
		return "Reset"
	case TypeChallenge:
		return "Challenge"
	default:
		return "Unknown"
	}
}

// Begin opens a stream. RouteID selects a route at the router façade (Auth
// is passed on to the upstream Begin but takes no part in route lookup);
// BeginEx, when non-nil, carries the raw encoded PROXY BeginEx
// extension bytes (the address tuple + info list) as produced by the
// proxyv2 package.
type Begin struct {
	StreamID uint64
	RouteID  string
	Auth     string
	Affinity string
	BeginEx  []byte
}

// Data carries application or header payload. Reserved is the number of
// budget bytes the sender is claiming against the receiver's flow-control
// window for this frame (payload length plus any declared padding).
type Data struct {
	StreamID uint64
	Flags    uint8
	Reserved uint32
	Payload  []byte
}

// Flags bits for Data frames.
const (
	FlagFIN  uint8 = 0x01
	FlagInit uint8 = 0x02
)

type End struct {
	StreamID uint64
}

type Abort struct {
	StreamID uint64
}

type Flush struct {
	StreamID uint64
}

// Window grants additional send budget (Credit) and advertises the sender's
// current per-frame padding reservation.
type Window struct {
	StreamID uint64
	Credit   int32
	Padding  int32
}

type Reset struct {
	StreamID uint64
}

// Challenge carries an opaque extension payload (e.g. a re-authentication
// nonce) that the receiving half forwards without interpreting.
type Challenge struct {
	StreamID  uint64
	Extension []byte
}

// Handler is the dispatch table a half implements to receive decoded
// control frames. AppHalf and NetHalf both implement this interface.
type Handler interface {
	OnBegin(b *Begin) error
	OnData(d *Data) error
	OnEnd(e *End) error
	OnAbort(a *Abort) error
	OnFlush(f *Flush) error
	OnWindow(w *Window) error
	OnReset(r *Reset) error
	OnChallenge(c *Challenge) error
}
