package session

import "errors"

// ErrSlotExhaustion marks a buffer pool that returned no slot for a fresh
// NetHalf begin — a fatal assertion, also logged via logging.Fatal at the
// call site. Surfaced as an error return too, so callers that construct
// their own logger (swapping in a non-exiting one, e.g. in a vendored
// embedding) still observe a typed failure.
var ErrSlotExhaustion = errors.New("session: buffer pool exhausted on stream begin")

// ErrNoRoute mirrors router.ErrNoRoute at the session boundary. NewStream
// does not return it: on a no-route miss it returns (nil, nil) so the
// dispatcher just sees an absent handler.
var ErrNoRoute = errors.New("session: no route for begin")
