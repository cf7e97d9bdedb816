package tunnel

import (
	"math/rand"
	"sync"
)

// PendingTunnels tracks tunnels that have been dispatched for build but
// have not yet received (or timed out waiting for) their build response.
// Keyed by the reply message ID carried in the outbound build message,
// per direction, since inbound and outbound reply IDs are drawn from
// independent sequences.
type PendingTunnels struct {
	mu       sync.Mutex
	inbound  map[uint32]*Tunnel
	outbound map[uint32]*Tunnel
}

func NewPendingTunnels() *PendingTunnels {
	return &PendingTunnels{
		inbound:  make(map[uint32]*Tunnel),
		outbound: make(map[uint32]*Tunnel),
	}
}

// Add records t as pending under replyMsgID. A collision with an existing
// entry overwrites it silently: the old tunnel is left to time out on its
// own, since a reply for the superseded ID can no longer be told apart
// from one for the new tunnel.
func (p *PendingTunnels) Add(replyMsgID uint32, t *Tunnel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Kind().IsInbound() {
		p.inbound[replyMsgID] = t
	} else {
		p.outbound[replyMsgID] = t
	}
}

// Take removes and returns the pending tunnel for replyMsgID, if any.
func (p *PendingTunnels) Take(replyMsgID uint32, inbound bool) (*Tunnel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.outbound
	if inbound {
		m = p.inbound
	}
	t, ok := m[replyMsgID]
	if ok {
		delete(m, replyMsgID)
	}
	return t, ok
}

// Remove drops replyMsgID from both directions unconditionally. The
// maintainer's timeout sweep uses Take instead, per direction.
func (p *PendingTunnels) Remove(replyMsgID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inbound, replyMsgID)
	delete(p.outbound, replyMsgID)
}

// Snapshot returns copies of the current pending sets for maintenance
// sweeps, so the sweep can run without holding the registry lock.
func (p *PendingTunnels) Snapshot() (inbound, outbound map[uint32]*Tunnel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inbound = make(map[uint32]*Tunnel, len(p.inbound))
	for k, v := range p.inbound {
		inbound[k] = v
	}
	outbound = make(map[uint32]*Tunnel, len(p.outbound))
	for k, v := range p.outbound {
		outbound[k] = v
	}
	return inbound, outbound
}

// ActiveTunnels holds every established tunnel this router knows about,
// indexed for both the dispatcher's by-id lookup and the pool's
// random/least-loaded next-tunnel selection. Outbound tunnels are never
// inserted into the by-id map: nothing ever addresses a message to us by
// an outbound tunnel's ID, since we are that tunnel's gateway, not its
// endpoint.
type ActiveTunnels struct {
	mu       sync.Mutex
	byID     map[TunnelID]*Tunnel
	inbound  []*Tunnel
	outbound []*Tunnel
}

func NewActiveTunnels() *ActiveTunnels {
	return &ActiveTunnels{byID: make(map[TunnelID]*Tunnel)}
}

// GetTunnel looks up a dispatch-addressable tunnel (inbound, transit or
// otherwise added with AddTunnel) by its local ID. Outbound tunnels are
// not in the by-id map and are never found here.
func (a *ActiveTunnels) GetTunnel(id TunnelID) (*Tunnel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.byID[id]
	return t, ok
}

// AddTunnel inserts t into the by-id dispatch map, used for both inbound
// tunnels and transit hops that are not otherwise tracked here.
func (a *ActiveTunnels) AddTunnel(t *Tunnel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byID[t.ID()] = t
}

// RemoveTunnel drops t from the by-id map and, if present, from its
// direction's selection list.
func (a *ActiveTunnels) RemoveTunnel(id TunnelID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byID, id)
	a.inbound = removeTunnelByID(a.inbound, id)
	a.outbound = removeTunnelByID(a.outbound, id)
}

func removeTunnelByID(list []*Tunnel, id TunnelID) []*Tunnel {
	for i, t := range list {
		if t.ID() == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// AddInboundTunnel registers an established inbound tunnel for both
// dispatch and pool selection. If its pool has since gone inactive the
// tunnel is detached instead: it keeps running so in-flight replies still
// land, but it is dropped from future selection and recreation.
func (a *ActiveTunnels) AddInboundTunnel(t *Tunnel) {
	a.mu.Lock()
	a.byID[t.ID()] = t
	if t.pool != nil && !t.pool.IsActive() {
		a.mu.Unlock()
		t.DetachPool()
		return
	}
	a.inbound = append(a.inbound, t)
	a.mu.Unlock()
}

// AddOutboundTunnel registers an established outbound tunnel for pool
// selection only; it is deliberately never added to the by-id dispatch
// map. Detaches on an inactive pool as AddInboundTunnel does.
func (a *ActiveTunnels) AddOutboundTunnel(t *Tunnel) {
	a.mu.Lock()
	if t.pool != nil && !t.pool.IsActive() {
		a.mu.Unlock()
		t.DetachPool()
		return
	}
	a.outbound = append(a.outbound, t)
	a.mu.Unlock()
}

// GetNextInboundTunnel returns the established inbound tunnel with the
// fewest bytes received so far, so that reply traffic is spread across
// the pool rather than always favouring the first-built tunnel.
func (a *ActiveTunnels) GetNextInboundTunnel() *Tunnel {
	a.mu.Lock()
	defer a.mu.Unlock()
	var best *Tunnel
	var bestRecv uint64
	for _, t := range a.inbound {
		r := t.ReceivedBytes()
		if best == nil || r < bestRecv {
			best = t
			bestRecv = r
		}
	}
	return best
}

// GetNextOutboundTunnel returns a uniformly random established outbound
// tunnel, via reservoir sampling so the list never needs to be copied.
func (a *ActiveTunnels) GetNextOutboundTunnel(rng *rand.Rand) *Tunnel {
	a.mu.Lock()
	defer a.mu.Unlock()
	var chosen *Tunnel
	for i, t := range a.outbound {
		if rng.Intn(i+1) == 0 {
			chosen = t
		}
	}
	return chosen
}

func (a *ActiveTunnels) CountInboundTunnels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inbound)
}

func (a *ActiveTunnels) CountOutboundTunnels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outbound)
}

// Snapshot returns copies of the inbound and outbound selection lists for
// a maintenance sweep to walk without holding the registry lock.
func (a *ActiveTunnels) Snapshot() (inbound, outbound []*Tunnel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inbound = append([]*Tunnel(nil), a.inbound...)
	outbound = append([]*Tunnel(nil), a.outbound...)
	return inbound, outbound
}

// DetachAll clears every tunnel's back-reference to its pool without
// removing them from dispatch, used when a pool is torn down but its
// in-flight tunnels should keep draining.
func (a *ActiveTunnels) DetachAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.inbound {
		t.DetachPool()
	}
	for _, t := range a.outbound {
		t.DetachPool()
	}
}
