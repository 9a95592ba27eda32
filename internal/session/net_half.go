package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/appnet-org/proxyv2-adapter/internal/bufpool"
	"github.com/appnet-org/proxyv2-adapter/internal/controlframe"
	"github.com/appnet-org/proxyv2-adapter/internal/logging"
	"github.com/appnet-org/proxyv2-adapter/internal/proxyv2"
	"github.com/appnet-org/proxyv2-adapter/internal/router"
)

// NetHalf terminates the network-facing stream pair and owns the PROXY v2
// header plus the pending-header slot. Its own initial_id/reply_id pair is
// minted independently of AppHalf's — it addresses the upstream connection,
// not the app connection AppHalf was opened on.
type NetHalf struct {
	halfState

	initialID uint64
	replyID   uint64

	app     *AppHalf
	netSink controlframe.Handler
	routes  *router.Table
	pool    *bufpool.Pool
	cfg     Config

	slot      bufpool.Slot
	headerLen int
	hasSlot   bool
}

// DoNetBegin acquires a slot keyed by initial_id, encodes the PROXY v2
// header into it, registers the reply correlation entry, and emits the
// upstream Begin with no payload yet.
func (n *NetHalf) DoNetBegin(auth, affinity string, ex *proxyv2.BeginEx) error {
	size := 16
	if ex != nil {
		size = proxyv2.Size(ex)
	}

	slot, ok := n.pool.Acquire(n.initialID, size)
	if !ok {
		logging.Fatal("buffer pool exhausted on stream begin", zap.Uint64("initial_id", n.initialID))
		return ErrSlotExhaustion
	}
	n.slot = slot
	n.hasSlot = true

	buf := n.pool.Buffer(slot)
	var written int
	var err error
	if ex == nil {
		written, err = proxyv2.EncodeLocal(buf)
	} else {
		written, err = proxyv2.EncodeProxyWithConfig(buf, ex, proxyv2.Config{
			CanonicalSecureFieldOrder: n.cfg.CanonicalSecureFieldOrder,
		})
	}
	if err != nil {
		n.releaseSlot()
		return fmt.Errorf("session: encoding PROXY v2 header for stream %d: %w", n.initialID, err)
	}
	n.headerLen = written

	// Only the reply_id entry is registered: new_stream's even-direction
	// branch is the only consumer of the correlation table, and
	// initial_id is always odd, so a throttle entry keyed by it could
	// never be looked up.
	n.routes.RegisterThrottle(n.replyID, n)

	return n.netSink.OnBegin(&controlframe.Begin{StreamID: n.initialID, Auth: auth, Affinity: affinity})
}

// OnWindow grants initial_budget (capped at the configured max window),
// and if the pending header is still held and the budget now covers
// header_length+padding, flushes it as a single fused Data frame — gating
// the flush on sufficient budget rather than trusting the first Window
// blindly.
func (n *NetHalf) OnWindow(w *controlframe.Window) error {
	n.initialBudget.Grant(n.cfg.clampGrant(n.initialBudget.Value(), w.Credit))
	n.initialBudget.SetPadding(w.Padding)

	if n.hasSlot {
		reserved := int32(n.headerLen) + w.Padding
		if n.initialBudget.Value() >= reserved {
			if err := n.initialBudget.Reserve(reserved); err != nil {
				return err
			}
			header := append([]byte(nil), n.pool.Buffer(n.slot)[:n.headerLen]...)
			n.releaseSlot()
			if err := n.netSink.OnData(&controlframe.Data{
				StreamID: n.initialID,
				Flags:    controlframe.FlagFIN | controlframe.FlagInit,
				Reserved: uint32(reserved),
				Payload:  header,
			}); err != nil {
				return err
			}
		}
	}

	return n.app.doAppWindow(n.initialBudget.Value(), w.Padding)
}

// forwardWindow converts the app's advertised maxBudget into incremental
// credit, raises reply_budget by it, and emits a Window to net carrying
// that credit and minPadding, emitting nothing when there is no positive
// delta.
func (n *NetHalf) forwardWindow(maxBudget, padding int32) error {
	credit := n.replyBudget.CreditTowards(maxBudget)
	n.replyBudget.SetPadding(padding)
	if credit <= 0 {
		return nil
	}
	n.replyBudget.Grant(credit)
	return n.netSink.OnWindow(&controlframe.Window{StreamID: n.initialID, Credit: credit, Padding: padding})
}

// OnData decrements reply_budget, resetting upstream and aborting the app
// on violation, otherwise forwarding to the app on its own reply id.
func (n *NetHalf) OnData(d *controlframe.Data) error {
	if err := n.replyBudget.Reserve(int32(d.Reserved)); err != nil {
		logging.Warn("net reply data exceeds reply budget",
			zap.Uint64("reply_id", n.replyID), zap.Uint32("reserved", d.Reserved))
		if sendErr := n.netSink.OnReset(&controlframe.Reset{StreamID: n.replyID}); sendErr != nil {
			return sendErr
		}
		return n.app.doAppAbort()
	}
	return n.app.appSink.OnData(&controlframe.Data{
		StreamID: n.app.replyID, Flags: d.Flags, Reserved: d.Reserved, Payload: d.Payload,
	})
}

// DoNetData decrements initial_budget (asserted nonnegative — a core
// invariant, not a recoverable condition, since AppHalf already gated this
// Data against its own initial_budget) and emits it upstream.
func (n *NetHalf) DoNetData(d *controlframe.Data) error {
	if err := n.initialBudget.Reserve(int32(d.Reserved)); err != nil {
		logging.Fatal("net half send budget invariant violated",
			zap.Uint64("initial_id", n.initialID), zap.Uint32("reserved", d.Reserved))
		return err
	}
	return n.netSink.OnData(&controlframe.Data{
		StreamID: n.initialID, Flags: d.Flags, Reserved: d.Reserved, Payload: d.Payload,
	})
}

func (n *NetHalf) DoNetEnd() error {
	n.releaseOnTerminal()
	return n.netSink.OnEnd(&controlframe.End{StreamID: n.initialID})
}

func (n *NetHalf) DoNetAbort() error {
	n.releaseOnTerminal()
	return n.netSink.OnAbort(&controlframe.Abort{StreamID: n.initialID})
}

func (n *NetHalf) DoNetFlush() error {
	return n.netSink.OnFlush(&controlframe.Flush{StreamID: n.initialID})
}

// DoNetReset removes the reply correlation entry and emits Reset on
// reply_id.
func (n *NetHalf) DoNetReset() error {
	n.releaseOnTerminal()
	n.routes.ClearThrottle(n.replyID)
	return n.netSink.OnReset(&controlframe.Reset{StreamID: n.replyID})
}

func (n *NetHalf) DoNetChallenge(ext []byte) error {
	return n.netSink.OnChallenge(&controlframe.Challenge{StreamID: n.initialID, Extension: ext})
}

// OnBegin receives the reply Begin handshake once NewStream's even-branch
// routes it here. It carries no payload of its own — the pending header
// flush is driven by Window, not by this arrival — so there is nothing
// further to do beyond having been reachable at all.
func (n *NetHalf) OnBegin(*controlframe.Begin) error { return nil }

func (n *NetHalf) OnEnd(*controlframe.End) error {
	return n.app.appSink.OnEnd(&controlframe.End{StreamID: n.app.replyID})
}

func (n *NetHalf) OnAbort(*controlframe.Abort) error {
	return n.app.appSink.OnAbort(&controlframe.Abort{StreamID: n.app.replyID})
}

func (n *NetHalf) OnFlush(*controlframe.Flush) error {
	return n.app.appSink.OnFlush(&controlframe.Flush{StreamID: n.app.replyID})
}

// OnReset propagates a net-side Reset toward the app on its initial_id —
// the reply-of-reply direction back to the application peer.
func (n *NetHalf) OnReset(*controlframe.Reset) error {
	n.releaseOnTerminal()
	return n.app.doAppReset()
}

// OnChallenge propagates toward the app on its initial_id, same direction
// as OnReset.
func (n *NetHalf) OnChallenge(c *controlframe.Challenge) error {
	return n.app.doAppChallenge(c.Extension)
}

func (n *NetHalf) releaseSlot() {
	n.pool.Release(n.slot)
	n.hasSlot = false
}

// releaseOnTerminal releases the pending-header slot on any terminal
// transition that beats the first Window large enough to flush it, not
// only on that Window — otherwise a stream that aborts or resets before
// ever seeing a satisfying Window would leak its slot forever.
func (n *NetHalf) releaseOnTerminal() {
	if n.hasSlot {
		n.releaseSlot()
	}
}
