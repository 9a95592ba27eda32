package session

// Config bundles the tunables NewStreamWithConfig needs, constructed by the
// caller and handed to the constructor rather than hardcoded, the way the
// teacher's flow-control handlers take an explicit config struct alongside
// a convenience zero-config constructor.
type Config struct {
	// InitialWindow is the per-direction budget granted to a freshly
	// admitted half before any Window frame arrives. Zero means a half
	// must wait for its peer's first Window before it may send.
	InitialWindow int32

	// MaxWindow caps the budget a Window grant is allowed to raise a half
	// to; a grant that would exceed it is clamped instead of applied in
	// full.
	MaxWindow int32

	// CanonicalSecureFieldOrder, when true, has NetHalf emit each SECURE
	// envelope's sub-fields in a fixed order instead of the caller's
	// declaration order (proxyv2.Config.CanonicalSecureFieldOrder).
	CanonicalSecureFieldOrder bool
}

const (
	defaultInitialWindow int32 = 0
	defaultMaxWindow     int32 = 1 << 30
)

// DefaultConfig returns the zero-initial-window, generously-capped config
// NewStream uses.
func DefaultConfig() Config {
	return Config{InitialWindow: defaultInitialWindow, MaxWindow: defaultMaxWindow}
}

// clampGrant returns the credit that may actually be granted to a budget
// currently at value without driving it past cfg.MaxWindow.
func (c Config) clampGrant(value, credit int32) int32 {
	if value+credit > c.MaxWindow {
		credit = c.MaxWindow - value
	}
	if credit < 0 {
		return 0
	}
	return credit
}
