package session

import (
	"go.uber.org/zap"

	"github.com/appnet-org/proxyv2-adapter/internal/controlframe"
	"github.com/appnet-org/proxyv2-adapter/internal/logging"
	"github.com/appnet-org/proxyv2-adapter/internal/router"
)

// AppHalf terminates the application-facing stream pair. It is returned as
// the Handler for the initial-direction stream by NewStream.
type AppHalf struct {
	halfState

	initialID uint64
	replyID   uint64

	net     *NetHalf
	appSink controlframe.Handler
	routes  *router.Table
	cfg     Config
}

// OnBegin parses the optional BeginEx, registers itself as the handler for
// its own reply id so an inbound reply addressed to it can find its way
// back, and kicks off the net half. Reachable both from NewStream's initial
// admission and directly, should the app peer legitimately re-signal
// affinity on an already-open stream.
func (a *AppHalf) OnBegin(b *controlframe.Begin) error {
	ex, err := decodeBeginEx(b.BeginEx)
	if err != nil {
		return err
	}
	a.routes.RegisterThrottle(a.replyID, a)
	return a.net.DoNetBegin(b.Auth, b.Affinity, ex)
}

// OnData handles app-originated payload: consume initial_budget, and on a
// budget violation reset the app and abort the net half.
func (a *AppHalf) OnData(d *controlframe.Data) error {
	if err := a.initialBudget.Reserve(int32(d.Reserved)); err != nil {
		logging.Warn("app data exceeds initial budget",
			zap.Uint64("initial_id", a.initialID), zap.Uint32("reserved", d.Reserved))
		if sendErr := a.appSink.OnReset(&controlframe.Reset{StreamID: a.initialID}); sendErr != nil {
			return sendErr
		}
		return a.net.DoNetAbort()
	}
	return a.net.DoNetData(d)
}

func (a *AppHalf) OnEnd(*controlframe.End) error     { return a.net.DoNetEnd() }
func (a *AppHalf) OnAbort(*controlframe.Abort) error { return a.net.DoNetAbort() }
func (a *AppHalf) OnFlush(*controlframe.Flush) error { return a.net.DoNetFlush() }
func (a *AppHalf) OnReset(*controlframe.Reset) error { return a.net.DoNetReset() }

func (a *AppHalf) OnChallenge(c *controlframe.Challenge) error {
	return a.net.DoNetChallenge(c.Extension)
}

// OnWindow grants reply_budget (capped at the configured max window) and
// forwards a Window to net carrying that budget as maxBudget and the
// supplied padding as minPadding.
func (a *AppHalf) OnWindow(w *controlframe.Window) error {
	a.replyBudget.Grant(a.cfg.clampGrant(a.replyBudget.Value(), w.Credit))
	a.replyBudget.SetPadding(w.Padding)
	return a.net.forwardWindow(a.replyBudget.Value(), w.Padding)
}

// doAppWindow converts NetHalf's absolute-maximum notification into the
// incremental credit the app-facing Window actually carries, emitting
// nothing when there is no positive delta.
func (a *AppHalf) doAppWindow(maxBudget, padding int32) error {
	credit := a.initialBudget.CreditTowards(maxBudget)
	a.initialBudget.SetPadding(padding)
	if credit <= 0 {
		return nil
	}
	a.initialBudget.Grant(credit)
	return a.appSink.OnWindow(&controlframe.Window{StreamID: a.initialID, Credit: credit, Padding: padding})
}

func (a *AppHalf) doAppReset() error {
	return a.appSink.OnReset(&controlframe.Reset{StreamID: a.initialID})
}

func (a *AppHalf) doAppAbort() error {
	return a.appSink.OnAbort(&controlframe.Abort{StreamID: a.initialID})
}

func (a *AppHalf) doAppChallenge(ext []byte) error {
	return a.appSink.OnChallenge(&controlframe.Challenge{StreamID: a.initialID, Extension: ext})
}
