package tunnel

import "sync/atomic"

// ExploratoryConfig carries the handful of values the dispatch core needs
// from the router's configuration. It is a plain value the caller builds
// once and hands to the Maintainer; this package never reads a file, flag,
// or environment variable itself, matching config.TunnelDefaults' pattern
// of a typed defaults struct with a Default*() constructor, without
// pulling in the flag/file-loading machinery that produces it.
type ExploratoryConfig struct {
	// InboundLength/OutboundLength are the hop count the exploratory pool
	// builds when an application hasn't requested its own pool.
	InboundLength  int
	OutboundLength int

	// InboundQuantity/OutboundQuantity are how many tunnels of each
	// direction the exploratory pool keeps warm.
	InboundQuantity  int
	OutboundQuantity int

	// maxNumTransitTunnels is runtime-settable; 0 is rejected by
	// SetMaxNumTransitTunnels rather than accepted as "unlimited".
	maxNumTransitTunnels int64
}

// DefaultExploratoryConfig returns the standard I2P exploratory pool
// shape: 3-hop, 2-tunnel pools in both directions.
func DefaultExploratoryConfig() *ExploratoryConfig {
	return &ExploratoryConfig{
		InboundLength:        3,
		OutboundLength:       3,
		InboundQuantity:      2,
		OutboundQuantity:     2,
		maxNumTransitTunnels: DefaultMaxNumTransitTunnels,
	}
}

// MaxNumTransitTunnels returns the current transit tunnel admission
// ceiling. Safe to call concurrently with SetMaxNumTransitTunnels.
func (c *ExploratoryConfig) MaxNumTransitTunnels() int {
	return int(atomic.LoadInt64(&c.maxNumTransitTunnels))
}

// SetMaxNumTransitTunnels updates the transit tunnel admission ceiling.
// A zero value is ignored: there is no configuration path by which a
// router should accept an unbounded number of transit tunnels, so 0 is
// treated as "no change requested" rather than "no limit".
func (c *ExploratoryConfig) SetMaxNumTransitTunnels(n int) {
	if n == 0 {
		return
	}
	atomic.StoreInt64(&c.maxNumTransitTunnels, int64(n))
}
