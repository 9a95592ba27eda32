// Package router implements stream admission: resolving an odd-direction
// Begin to a destination route, and the reply_id → handler correlation
// table that lets an even-direction Begin find its way back to the half
// that opened it.
package router

import (
	"errors"
	"sync"

	"github.com/appnet-org/proxyv2-adapter/internal/controlframe"
)

// ErrNoRoute is returned when a route ID has no registered destination.
var ErrNoRoute = errors.New("router: no route for id")

// Route is the resolved destination for an admitted stream.
type Route struct {
	ID      string
	NetAddr string
}

// Table resolves routes and owns the correlation table. The zero value is
// not usable; construct with New.
type Table struct {
	mu     sync.Mutex
	routes map[string]Route

	// correlation maps a reply stream id to the handler that should
	// receive its Begin — populated by RegisterThrottle when AppHalf or
	// NetHalf mints its own reply id, consumed exactly once by TakeThrottle.
	correlation map[uint64]controlframe.Handler
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		routes:      make(map[string]Route),
		correlation: make(map[uint64]controlframe.Handler),
	}
}

// AddRoute registers a destination for routeID, replacing any existing
// entry.
func (t *Table) AddRoute(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[r.ID] = r
}

// ResolveApp looks up the destination for an odd-direction Begin's
// RouteID.
func (t *Table) ResolveApp(routeID string) (Route, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[routeID]
	if !ok {
		return Route{}, ErrNoRoute
	}
	return r, nil
}

// RegisterThrottle records the handler that should receive the reply Begin
// addressed to replyID. Each half registers its own reply id once, right
// after minting it.
func (t *Table) RegisterThrottle(replyID uint64, h controlframe.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.correlation[replyID] = h
}

// TakeThrottle removes and returns the handler registered for replyID, if
// any. It is consumed exactly once: on the reply Begin's arrival, or never
// if the stream is torn down first (ClearThrottle).
func (t *Table) TakeThrottle(replyID uint64) (controlframe.Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.correlation[replyID]
	if ok {
		delete(t.correlation, replyID)
	}
	return h, ok
}

// ClearThrottle removes a pending correlation entry without returning it,
// used when a stream is reset before its reply Begin arrives. An Abort
// leaves the entry in place.
func (t *Table) ClearThrottle(replyID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.correlation, replyID)
}
