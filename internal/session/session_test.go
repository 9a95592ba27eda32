package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appnet-org/proxyv2-adapter/internal/bufpool"
	"github.com/appnet-org/proxyv2-adapter/internal/controlframe"
	"github.com/appnet-org/proxyv2-adapter/internal/idgen"
	"github.com/appnet-org/proxyv2-adapter/internal/proxyv2"
	"github.com/appnet-org/proxyv2-adapter/internal/router"
)

// recordingSink is a controlframe.Handler that records every frame handed
// to it, standing in for the app peer or the upstream peer in tests.
type recordingSink struct {
	begins     []*controlframe.Begin
	datas      []*controlframe.Data
	ends       []*controlframe.End
	aborts     []*controlframe.Abort
	flushes    []*controlframe.Flush
	windows    []*controlframe.Window
	resets     []*controlframe.Reset
	challenges []*controlframe.Challenge
}

func (r *recordingSink) OnBegin(b *controlframe.Begin) error {
	r.begins = append(r.begins, b)
	return nil
}
func (r *recordingSink) OnData(d *controlframe.Data) error { r.datas = append(r.datas, d); return nil }
func (r *recordingSink) OnEnd(e *controlframe.End) error   { r.ends = append(r.ends, e); return nil }
func (r *recordingSink) OnAbort(a *controlframe.Abort) error {
	r.aborts = append(r.aborts, a)
	return nil
}
func (r *recordingSink) OnFlush(f *controlframe.Flush) error {
	r.flushes = append(r.flushes, f)
	return nil
}
func (r *recordingSink) OnWindow(w *controlframe.Window) error {
	r.windows = append(r.windows, w)
	return nil
}
func (r *recordingSink) OnReset(rs *controlframe.Reset) error {
	r.resets = append(r.resets, rs)
	return nil
}
func (r *recordingSink) OnChallenge(c *controlframe.Challenge) error {
	r.challenges = append(r.challenges, c)
	return nil
}

func newTestSession(t *testing.T, routeID string, ex *proxyv2.BeginEx) (*AppHalf, *recordingSink, *router.Table) {
	t.Helper()
	appSink := &recordingSink{}
	netSink := &recordingSink{}
	routes := router.New()
	routes.AddRoute(router.Route{ID: routeID, NetAddr: "10.0.0.9:443"})
	pool := bufpool.New()
	ids := idgen.NewTimeSupplier()

	scratch := controlframe.NewScratch()
	typ, buf, off, n := scratch.BuildBegin(&controlframe.Begin{
		StreamID: 101, RouteID: routeID, Auth: "tok", Affinity: "aff", BeginEx: encodeBeginEx(ex),
	})
	require.Equal(t, controlframe.TypeBegin, typ)

	h, err := NewStream(buf, off, n, appSink, netSink, routes, ids, pool)
	require.NoError(t, err)
	require.NotNil(t, h)
	app, ok := h.(*AppHalf)
	require.True(t, ok)
	return app, netSink, routes
}

func TestScenario1LocalCommand(t *testing.T) {
	app, netSink, _ := newTestSession(t, "svc-local", nil)

	require.Len(t, netSink.begins, 1)
	require.Equal(t, app.net.initialID, netSink.begins[0].StreamID, "NetHalf addresses upstream with its own, independently minted stream id")
	require.Empty(t, netSink.datas)

	require.NoError(t, app.net.OnWindow(&controlframe.Window{Credit: 64, Padding: 0}))

	require.Len(t, netSink.datas, 1)
	d := netSink.datas[0]
	require.Equal(t, []byte{
		0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
		0x20, 0x00, 0x00, 0x00,
	}, d.Payload)
	require.Equal(t, controlframe.FlagFIN|controlframe.FlagInit, d.Flags)
	require.Equal(t, uint32(16), d.Reserved)
	require.False(t, app.net.hasSlot, "slot must be released after the flushing window")
}

func TestScenario2ProxyInet(t *testing.T) {
	ex := &proxyv2.BeginEx{Address: proxyv2.Address{
		Family: proxyv2.FamilyInet, Protocol: proxyv2.ProtoStream,
		SrcIP: []byte{10, 0, 0, 1}, DstIP: []byte{10, 0, 0, 2},
		SrcPort: 1111, DstPort: 80,
	}}
	app, netSink, _ := newTestSession(t, "svc-inet", ex)
	require.NoError(t, app.net.OnWindow(&controlframe.Window{Credit: 28, Padding: 0}))

	require.Len(t, netSink.datas, 1)
	require.Equal(t, 28, len(netSink.datas[0].Payload))
	require.Equal(t, byte(0x21), netSink.datas[0].Payload[12])
	require.Equal(t, byte(0x11), netSink.datas[0].Payload[13])
}

func TestWindowUnderGrantHoldsSlot(t *testing.T) {
	app, netSink, _ := newTestSession(t, "svc-hold", nil)
	require.NoError(t, app.net.OnWindow(&controlframe.Window{Credit: 8, Padding: 0}))

	require.Empty(t, netSink.datas, "an insufficient window must not flush the pending header")
	require.True(t, app.net.hasSlot)

	require.NoError(t, app.net.OnWindow(&controlframe.Window{Credit: 8, Padding: 0}))
	require.Len(t, netSink.datas, 1, "a later window that completes the reservation must flush")
}

func TestScenario5BudgetViolation(t *testing.T) {
	app, netSink, _ := newTestSession(t, "svc-budget", nil)
	require.NoError(t, app.net.OnWindow(&controlframe.Window{Credit: 16, Padding: 0}))
	netSink.datas = nil

	appSink := app.appSink.(*recordingSink)
	app.initialBudget.Grant(50)

	err := app.OnData(&controlframe.Data{StreamID: 101, Reserved: 100, Payload: []byte("x")})
	require.NoError(t, err)

	require.Len(t, appSink.resets, 1, "AppHalf must reset the app")
	require.Equal(t, uint64(101), appSink.resets[0].StreamID)
	require.Len(t, netSink.aborts, 1, "NetHalf must abort upstream")
	require.Empty(t, netSink.datas, "no Data may reach upstream on a budget violation")
}

func TestScenario6ReplyCorrelation(t *testing.T) {
	app, netSink, routes := newTestSession(t, "svc-reply", nil)
	_ = netSink

	replyID := app.net.replyID
	scratch := controlframe.NewScratch()
	typ, buf, off, n := scratch.BuildBegin(&controlframe.Begin{StreamID: replyID})

	appSink := &recordingSink{}
	h, err := NewStream(buf, off, n, appSink, appSink, routes, idgen.NewTimeSupplier(), bufpool.New())
	require.NoError(t, err)
	require.Same(t, app.net, h, "NewStream must return NetHalf for the reply Begin addressed to its own reply id")

	_, ok := routes.TakeThrottle(replyID)
	require.False(t, ok, "the correlation entry must be consumed exactly once")
	require.Equal(t, controlframe.TypeBegin, typ)
}

func TestAppReplyThrottleResolvesToAppHalf(t *testing.T) {
	app, netSink, routes := newTestSession(t, "svc-app-reply", nil)
	_ = netSink

	replyID := app.replyID
	scratch := controlframe.NewScratch()
	typ, buf, off, n := scratch.BuildBegin(&controlframe.Begin{StreamID: replyID})
	require.Equal(t, controlframe.TypeBegin, typ)

	h, err := NewStream(buf, off, n, app.appSink, app.net.netSink, routes, idgen.NewTimeSupplier(), bufpool.New())
	require.NoError(t, err)
	require.Same(t, app, h, "a Begin addressed to AppHalf's own reply id must resolve back to it")

	_, ok := routes.TakeThrottle(replyID)
	require.False(t, ok, "the correlation entry must be consumed exactly once")
}

func TestNoRouteReturnsNilHandler(t *testing.T) {
	appSink := &recordingSink{}
	routes := router.New()
	pool := bufpool.New()
	ids := idgen.NewTimeSupplier()

	scratch := controlframe.NewScratch()
	typ, buf, off, n := scratch.BuildBegin(&controlframe.Begin{StreamID: 55, RouteID: "missing"})
	require.Equal(t, controlframe.TypeBegin, typ)

	h, err := NewStream(buf, off, n, appSink, appSink, routes, ids, pool)
	require.NoError(t, err)
	require.Nil(t, h)
}

func TestDoNetBeginRejectsUnknownFamily(t *testing.T) {
	ex := &proxyv2.BeginEx{Address: proxyv2.Address{Family: proxyv2.Family(0x0F), Protocol: proxyv2.ProtoStream}}
	appSink := &recordingSink{}
	netSink := &recordingSink{}
	routes := router.New()
	routes.AddRoute(router.Route{ID: "svc-bad"})
	pool := bufpool.New()
	ids := idgen.NewTimeSupplier()

	scratch := controlframe.NewScratch()
	typ, buf, off, n := scratch.BuildBegin(&controlframe.Begin{
		StreamID: 201, RouteID: "svc-bad", BeginEx: encodeBeginEx(ex),
	})
	require.Equal(t, controlframe.TypeBegin, typ)

	_, err := NewStream(buf, off, n, appSink, netSink, routes, ids, pool)
	require.ErrorIs(t, err, proxyv2.ErrUnknownFamily)
	require.Empty(t, netSink.begins, "a rejected header must never reach the upstream Begin emission")
}
