package tunnel

import "time"

// TunnelID is a locally-unique 32-bit tunnel identifier, carried in the
// clear on the wire as the first four bytes of every tunnel data message.
type TunnelID uint32

// State is the lifecycle state of a Tunnel. Transitions are monotone
// except that Established may move to Expiring before a terminal state.
type State int

const (
	StatePending State = iota
	StateBuildReplyReceived
	StateEstablished
	StateExpiring
	StateBuildFailed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBuildReplyReceived:
		return "build_reply_received"
	case StateEstablished:
		return "established"
	case StateExpiring:
		return "expiring"
	case StateBuildFailed:
		return "build_failed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Direction distinguishes inbound tunnels (terminate locally) from
// outbound tunnels (originate locally).
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// Record counts and wire sizes for the tunnel build protocol. Duplicated
// locally (rather than imported from lib/i2np) because lib/i2np imports
// lib/tunnel; importing the reverse direction would create a cycle.
const (
	StandardNumRecords = 4
	MaxNumRecords       = 8

	LegacyBuildRecordSize = 528
	ShortBuildRecordSize  = 218
)

// Timing constants governing the build/maintenance state machine. Values
// are invariants of the system, not tunables of a test.
const (
	TunnelCreationTimeout     = 30 * time.Second
	TunnelExpirationTimeout   = 10 * time.Minute
	TunnelRecreationThreshold = 90 * time.Second
	TunnelExpirationThreshold = 10 * time.Second

	TunnelManageInterval           = 15 * time.Second
	TunnelPoolsManageInterval      = 5 * time.Second
	TunnelMemoryPoolManageInterval = 120 * time.Second

	MaxTunnelMsgsBatchSize = 100

	DefaultMaxNumTransitTunnels = 2500
)

// deadlinePassed reports whether ts is at or past last+interval, and is
// hazard-safe against a clock that jumps backward: if the clock moved
// behind last by more than interval, the deadline is also considered
// passed so that maintenance does not stall forever.
func deadlinePassed(ts, last time.Time, interval time.Duration) bool {
	if !ts.Before(last.Add(interval)) {
		return true
	}
	return ts.Add(interval).Before(last)
}
