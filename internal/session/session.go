// Package session implements the stateful bridging core: AppHalf and
// NetHalf, paired per session, and the stream-admission entry point that
// constructs or looks up the handler for an arriving Begin.
package session

import (
	"go.uber.org/zap"

	"github.com/appnet-org/proxyv2-adapter/internal/bufpool"
	"github.com/appnet-org/proxyv2-adapter/internal/controlframe"
	"github.com/appnet-org/proxyv2-adapter/internal/flowcontrol"
	"github.com/appnet-org/proxyv2-adapter/internal/idgen"
	"github.com/appnet-org/proxyv2-adapter/internal/logging"
	"github.com/appnet-org/proxyv2-adapter/internal/router"
)

// NewStream decodes a Begin and either admits a new session (odd stream
// id) or resolves a pending reply correlation (even stream id), using the
// zero-initial-window default config. Returns (nil, nil) — not an error —
// on a no-route or correlation miss, so the dispatcher just sees an absent
// handler.
func NewStream(
	buf []byte, offset, length int,
	appSink, netSink controlframe.Handler,
	routes *router.Table,
	ids idgen.Supplier,
	pool *bufpool.Pool,
) (controlframe.Handler, error) {
	return NewStreamWithConfig(buf, offset, length, appSink, netSink, routes, ids, pool, DefaultConfig())
}

// NewStreamWithConfig is NewStream with an explicit Config, for callers
// that want non-default window sizing.
func NewStreamWithConfig(
	buf []byte, offset, length int,
	appSink, netSink controlframe.Handler,
	routes *router.Table,
	ids idgen.Supplier,
	pool *bufpool.Pool,
	cfg Config,
) (controlframe.Handler, error) {
	b, err := controlframe.DecodeBegin(buf, offset, length)
	if err != nil {
		return nil, err
	}

	if b.StreamID&1 == 0 {
		h, ok := routes.TakeThrottle(b.StreamID)
		if !ok {
			logging.Debug("correlation miss on reply begin", zap.Uint64("stream_id", b.StreamID))
			return nil, nil
		}
		return h, nil
	}

	route, rerr := routes.ResolveApp(b.RouteID)
	if rerr != nil {
		logging.Debug("no route for begin", zap.String("route_id", b.RouteID))
		return nil, nil
	}

	// AppHalf keeps the stream id the app peer already addressed it by;
	// NetHalf mints its own, independent pair from the id supplier, since
	// it terminates a separate stream pair (the upstream connection) with
	// its own correlation entry.
	appReplyID := ids.SupplyReplyID(b.StreamID)
	netInitialID := ids.SupplyInitialID(route.ID)
	netReplyID := ids.SupplyReplyID(netInitialID)

	app, net := newHalves(b.StreamID, appReplyID, netInitialID, netReplyID, appSink, netSink, routes, pool, cfg)

	if err := app.OnBegin(b); err != nil {
		return nil, err
	}
	return app, nil
}

func newHalves(
	appInitialID, appReplyID, netInitialID, netReplyID uint64,
	appSink, netSink controlframe.Handler,
	routes *router.Table, pool *bufpool.Pool, cfg Config,
) (*AppHalf, *NetHalf) {
	app := &AppHalf{
		initialID: appInitialID,
		replyID:   appReplyID,
		appSink:   appSink,
		routes:    routes,
		cfg:       cfg,
	}
	net := &NetHalf{
		initialID: netInitialID,
		replyID:   netReplyID,
		netSink:   netSink,
		routes:    routes,
		pool:      pool,
		cfg:       cfg,
	}
	app.net = net
	net.app = app
	for _, b := range []*flowcontrol.Budget{&app.initialBudget, &app.replyBudget, &net.initialBudget, &net.replyBudget} {
		b.Grant(cfg.clampGrant(0, cfg.InitialWindow))
	}
	return app, net
}

// halfState is the shared flow-control shape of one half, one budget per
// direction; embedded by both AppHalf and NetHalf rather than duplicated.
type halfState struct {
	initialBudget flowcontrol.Budget
	replyBudget   flowcontrol.Budget
}
