package tunnel

import (
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

// Maintainer runs the three periodic sweeps that keep the tunnel set
// healthy: expiring stale pending builds, recreating and expiring
// established tunnels, and giving every registered pool a chance to
// replace what it has lost. It holds no tunnel state of its own beyond
// the set of pools it was told about; all actual tunnel bookkeeping lives
// in the PendingTunnels/ActiveTunnels registries it is handed at
// construction.
type Maintainer struct {
	pending *PendingTunnels
	active  *ActiveTunnels

	mu    sync.Mutex
	pools []PoolBackend
}

func NewMaintainer(pending *PendingTunnels, active *ActiveTunnels) *Maintainer {
	return &Maintainer{pending: pending, active: active}
}

// RegisterPool adds a pool to be swept by ManagePools. Pools are expected
// to register once, at construction, and deregister via UnregisterPool
// when torn down.
func (m *Maintainer) RegisterPool(p PoolBackend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools = append(m.pools, p)
}

func (m *Maintainer) UnregisterPool(p PoolBackend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.pools {
		if q == p {
			m.pools = append(m.pools[:i], m.pools[i+1:]...)
			return
		}
	}
}

func (m *Maintainer) poolSnapshot() []PoolBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PoolBackend(nil), m.pools...)
}

// ManageTunnels sweeps pending builds for timeouts and established
// tunnels for expiry/recreation. This is the fast, frequent schedule:
// it touches only tunnel state, never network-db or pool-level decisions.
func (m *Maintainer) ManageTunnels(now time.Time) {
	m.managePendingTunnels(now)
	m.manageActiveTunnels(now)
}

// managePendingTunnels drops and notifies any pending build older than
// TunnelCreationTimeout. A build that never receives a reply cannot be
// told apart from one that is simply slow, so timeout is the only signal.
func (m *Maintainer) managePendingTunnels(now time.Time) {
	inbound, outbound := m.pending.Snapshot()
	for replyID, t := range inbound {
		m.expireIfStale(now, replyID, t, true)
	}
	for replyID, t := range outbound {
		m.expireIfStale(now, replyID, t, false)
	}
}

func (m *Maintainer) expireIfStale(now time.Time, replyID uint32, t *Tunnel, inbound bool) {
	if now.Sub(t.CreatedAt()) < TunnelCreationTimeout {
		return
	}
	if _, ok := m.pending.Take(replyID, inbound); !ok {
		return
	}
	t.setState(StateFailed)
	log.WithFields(logger.Fields{
		"at": "Maintainer.managePendingTunnels", "tunnel_id": uint32(t.ID()), "inbound": inbound,
	}).Debug("pending tunnel build timed out")
	if p := t.poolBackend(); p != nil {
		p.TunnelExpired(t)
	}
}

// manageActiveTunnels walks every established tunnel, expiring those past
// their lifetime and asking any tunnel close to expiry to recreate itself
// exactly once.
func (m *Maintainer) manageActiveTunnels(now time.Time) {
	inbound, outbound := m.active.Snapshot()
	for _, t := range inbound {
		m.sweepOne(now, t)
	}
	for _, t := range outbound {
		m.sweepOne(now, t)
	}
}

func (m *Maintainer) sweepOne(now time.Time, t *Tunnel) {
	age := now.Sub(t.CreatedAt())
	if age >= TunnelExpirationTimeout {
		m.active.RemoveTunnel(t.ID())
		t.setState(StateFailed)
		if p := t.poolBackend(); p != nil {
			p.TunnelExpired(t)
		}
		return
	}
	if age >= TunnelExpirationTimeout-TunnelRecreationThreshold {
		t.Recreate()
	}
	if age >= TunnelExpirationTimeout-TunnelExpirationThreshold {
		t.setState(StateExpiring)
	}
}

// ManagePools gives every registered pool a chance to notice it has
// fewer established tunnels than it needs and build replacements,
// including the zero-hop fallback when network conditions or peer
// selection leave a pool with nothing usable.
func (m *Maintainer) ManagePools(now time.Time) {
	for _, p := range m.poolSnapshot() {
		if !p.IsActive() {
			continue
		}
		m.maybeFallback(p)
	}
}

// maybeFallback notices when a pool has gone completely without a usable
// tunnel in a given direction and asks it to recreate, which the pool's
// own recreation path resolves down to a zero-hop tunnel when peer
// selection cannot supply hops. The maintainer only detects the
// zero-tunnel condition; building the replacement is the pool's
// responsibility, since only the pool knows which local handler or
// PeerSender a fallback zero-hop tunnel should be wired to.
//
// The active set is shared across all registered pools, so this only
// gives the correct answer for the single-exploratory-pool case; per-pool
// accounting would need ActiveTunnels partitioned by owning pool.
func (m *Maintainer) maybeFallback(p PoolBackend) {
	if m.active.CountInboundTunnels() == 0 {
		p.RecreateInboundTunnel(nil)
	}
	if m.active.CountOutboundTunnels() == 0 {
		p.RecreateOutboundTunnel(nil)
	}
}

// ManageMemory is the slow, infrequent schedule reserved for bookkeeping
// that does not need to run on every tick, such as shrinking any
// maintainer-owned caches back to their steady-state size. The maintainer
// currently owns no such cache; this hook exists so the dispatcher's
// three-schedule contract has somewhere to call even before one is added.
func (m *Maintainer) ManageMemory(now time.Time) {}

// poolBackend returns t's pool without exposing the field outside the
// package.
func (t *Tunnel) poolBackend() PoolBackend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool
}
