// Package bufpool implements the slot-based buffer pool NetHalf treats as
// an external collaborator: acquire a slot keyed by an owner id, get a
// mutable buffer view for it, release exactly once. Grounded on the
// teacher's buffer-pool call sites (`pool.GetSize(totalSize)` in
// pkg/packet/builtin_packets.go, `c.transport.GetBufferPool().Put(data)` in
// pkg/rpc/client.go) even though the teacher's own pool implementation
// wasn't part of the retrieved pack; this rebuilds the same
// acquire/size/put-back contract as a free-list of size classes.
package bufpool

import "sync"

// Slot is the opaque handle returned by Acquire. Its zero value never
// refers to a live slot.
type Slot uint64

const noSlot Slot = 0

// Pool is a slab allocator: buffers are recycled by rounded-up size class so
// that repeated begin/release cycles for similarly-sized PROXY v2 headers
// don't churn the allocator.
type Pool struct {
	mu      sync.Mutex
	nextID  Slot
	owners  map[Slot]uint64 // slot -> owner key, for double-acquire detection
	byOwner map[uint64]Slot
	bufs    map[Slot][]byte
	free    map[int][][]byte // size class -> free buffers
}

func New() *Pool {
	return &Pool{
		nextID:  1,
		owners:  make(map[Slot]uint64),
		byOwner: make(map[uint64]Slot),
		bufs:    make(map[Slot][]byte),
		free:    make(map[int][][]byte),
	}
}

func sizeClass(n int) int {
	c := 64
	for c < n {
		c *= 2
	}
	return c
}

// Acquire reserves a slot for the given owner key and a buffer of at least
// size bytes. It reports false if the owner already holds a slot; the core
// treats that failure as a fatal slot-exhaustion assertion rather than a
// recoverable condition.
func (p *Pool) Acquire(owner uint64, size int) (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, held := p.byOwner[owner]; held {
		return noSlot, false
	}

	class := sizeClass(size)
	var buf []byte
	if free := p.free[class]; len(free) > 0 {
		buf = free[len(free)-1][:size]
		p.free[class] = free[:len(free)-1]
	} else {
		buf = make([]byte, size, class)
	}

	slot := p.nextID
	p.nextID++
	p.owners[slot] = owner
	p.byOwner[owner] = slot
	p.bufs[slot] = buf
	return slot, true
}

// Buffer returns the mutable buffer backing slot. The returned slice is
// only valid while the slot is held.
func (p *Pool) Buffer(slot Slot) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufs[slot]
}

// Release returns the slot to the pool. Releasing an unknown or
// already-released slot is a no-op, so terminal-transition cleanup paths
// that race a Window-triggered release can call it unconditionally.
func (p *Pool) Release(slot Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	owner, ok := p.owners[slot]
	if !ok {
		return
	}
	buf := p.bufs[slot]
	class := sizeClass(cap(buf))
	p.free[class] = append(p.free[class], buf[:0:cap(buf)])

	delete(p.owners, slot)
	delete(p.byOwner, owner)
	delete(p.bufs, slot)
}

// Held reports whether owner currently holds a slot. NetHalf does not call
// it; it relies on Acquire reporting false for an owner that already holds
// one.
func (p *Pool) Held(owner uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byOwner[owner]
	return ok
}
