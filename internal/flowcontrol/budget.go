// Package flowcontrol implements the per-direction, per-half budget/credit/
// padding bookkeeping underlying stream admission control. It is grounded
// on the shape of the teacher's QUIC-style flow controller
// (pkg/custom/flowcontrol/quic-flowcontrol/protocol — ByteCount units, a
// send window vs. a receive window), but the budget model here is additive
// absolute credit rather than QUIC's consumed-threshold window extension,
// so the controller is a plain signed counter rather than a port of that
// package; see DESIGN.md for why the threshold/RTT machinery in the
// quic-flowcontrol subtree was not reusable as-is.
package flowcontrol

import "errors"

// ErrBudgetExceeded is returned by Reserve when a reservation would drive
// the budget negative.
var ErrBudgetExceeded = errors.New("flowcontrol: budget exceeded")

// Budget tracks the signed 32-bit reserved-byte budget and the most recent
// padding quote for one direction of one half.
type Budget struct {
	value   int32
	padding int32
}

// Reserve decrements the budget by n (an outbound Data's reserved bytes).
// It returns ErrBudgetExceeded without mutating state if that would leave
// the budget negative, so the caller can still observe the pre-reservation
// value to build its Reset/Abort pair.
func (b *Budget) Reserve(n int32) error {
	if b.value-n < 0 {
		return ErrBudgetExceeded
	}
	b.value -= n
	return nil
}

// Grant adds credit to the budget (an inbound Window).
func (b *Budget) Grant(credit int32) {
	b.value += credit
}

// Value returns the current budget.
func (b *Budget) Value() int32 {
	return b.value
}

// Padding returns the most recently recorded padding quote.
func (b *Budget) Padding() int32 {
	return b.padding
}

// SetPadding records a new padding quote from the peer.
func (b *Budget) SetPadding(p int32) {
	b.padding = p
}

// CreditTowards computes the incremental credit needed to raise the budget
// to maxBudget, or 0 if the budget already meets or exceeds it. AppHalf uses
// this to convert NetHalf's absolute-maximum notifications into the
// incremental credit the app-facing Window actually carries.
func (b *Budget) CreditTowards(maxBudget int32) int32 {
	delta := maxBudget - b.value
	if delta <= 0 {
		return 0
	}
	return delta
}
