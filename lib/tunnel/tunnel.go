package tunnel

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/logger"
)

// Kind is the tag distinguishing the four tunnel variants. Behaviour is
// dispatched by tag rather than by a class hierarchy: a tagged variant
// with a small capability surface (HandleTunnelDataMsg, SendTunnelDataMsg,
// FlushTunnelDataMsgs, Recreate) rather than four separate types.
type Kind int

const (
	KindInbound Kind = iota
	KindOutbound
	KindZeroHopInbound
	KindZeroHopOutbound
)

func (k Kind) String() string {
	switch k {
	case KindInbound:
		return "inbound"
	case KindOutbound:
		return "outbound"
	case KindZeroHopInbound:
		return "zero_hop_inbound"
	case KindZeroHopOutbound:
		return "zero_hop_outbound"
	default:
		return "unknown"
	}
}

func (k Kind) IsInbound() bool {
	return k == KindInbound || k == KindZeroHopInbound
}

// Hop is the established, steady-state per-hop identity of a tunnel,
// stored endpoint-first (reverse of build/traversal order).
type Hop struct {
	Identity common.Hash
	LayerKey session_key.SessionKey
	IVKey    session_key.SessionKey
}

// PoolBackend is the narrow interface a Tunnel uses to notify and consult
// its owning pool (spec section 6). A tunnel with a nil PoolBackend is
// detached: it still runs, but nothing rebuilds it on expiry.
type PoolBackend interface {
	// RecreateInboundTunnel/RecreateOutboundTunnel ask the pool to build a
	// successor for t with the same hop count. t is nil when the
	// maintainer detects the pool has no usable tunnel of that direction
	// at all, rather than an existing one nearing expiry.
	RecreateInboundTunnel(t *Tunnel)
	RecreateOutboundTunnel(t *Tunnel)
	TunnelCreated(t *Tunnel)
	TunnelExpired(t *Tunnel)
	GetRNG() *rand.Rand
	GetLocalDestination() common.Hash
	GetNumInboundHops() int
	GetNumOutboundHops() int
	IsActive() bool
	SetActive(bool)
	DetachTunnels()
}

// PeerSender is the narrow wire-transport collaborator: fire-and-forget
// delivery of an opaque blob to a named router.
type PeerSender interface {
	SendToPeer(hash common.Hash, payload []byte) error
}

// OnDrop is invoked at most once if a message this tunnel sent is
// discarded by transport before being handed to a live connection.
type OnDrop func()

var (
	ErrTunnelNotPending     = fmt.Errorf("tunnel is not in the pending state")
	ErrOutboundNoReceive    = fmt.Errorf("outbound tunnels do not receive data")
	ErrNoHopConfiguration   = fmt.Errorf("tunnel has no hop configuration")
	ErrNoEndpointAttached   = fmt.Errorf("inbound tunnel has no endpoint attached")
	ErrNoGatewayAttached    = fmt.Errorf("outbound tunnel has no gateway attached")
	ErrUnexpectedBuildReply = fmt.Errorf("build reply received outside pending state")
)

// Tunnel is one unidirectional path through the network. Zero-hop variants
// carry no hops and skip layered encryption entirely.
type Tunnel struct {
	mu sync.Mutex

	id        TunnelID
	nextHopID TunnelID
	nextHop   common.Hash
	kind      Kind
	state     State

	hops    []Hop // endpoint-first
	isShort bool

	createdAt time.Time
	recreated bool
	numRecv   uint64
	numSent   uint64
	poolHops  int // hop count at build time, for recreation-threshold comparison

	pool PoolBackend

	config []*TunnelHopConfig // traversal order; cleared once established

	endpoint *Endpoint // set for inbound / zero-hop-inbound
	gateway  *Gateway  // set for outbound / zero-hop-outbound

	localHandler MessageHandler // zero-hop-inbound direct delivery
	sender       PeerSender     // outbound / zero-hop-outbound wire sender

	onDrop OnDrop
}

// NewInboundTunnel constructs a pending inbound tunnel from a hop chain.
func NewInboundTunnel(id TunnelID, config []*TunnelHopConfig, isShort bool, pool PoolBackend) *Tunnel {
	return &Tunnel{
		id:        id,
		kind:      KindInbound,
		state:     StatePending,
		isShort:   isShort,
		config:    config,
		poolHops:  len(config),
		createdAt: time.Now(),
		pool:      pool,
	}
}

// NewOutboundTunnel constructs a pending outbound tunnel from a hop chain.
func NewOutboundTunnel(id TunnelID, config []*TunnelHopConfig, isShort bool, pool PoolBackend) *Tunnel {
	return &Tunnel{
		id:        id,
		kind:      KindOutbound,
		state:     StatePending,
		isShort:   isShort,
		config:    config,
		poolHops:  len(config),
		createdAt: time.Now(),
		pool:      pool,
	}
}

// NewZeroHopsInboundTunnel constructs an already-established zero-hop
// inbound tunnel: no build, no layer cipher, direct local delivery.
func NewZeroHopsInboundTunnel(id TunnelID, handler MessageHandler, pool PoolBackend) *Tunnel {
	return &Tunnel{
		id:           id,
		kind:         KindZeroHopInbound,
		state:        StateEstablished,
		createdAt:    time.Now(),
		pool:         pool,
		localHandler: handler,
	}
}

// NewZeroHopsOutboundTunnel constructs an already-established zero-hop
// outbound tunnel: messages are dispatched directly by delivery type,
// without any tunnel encryption.
func NewZeroHopsOutboundTunnel(id TunnelID, sender PeerSender, pool PoolBackend) *Tunnel {
	return &Tunnel{
		id:        id,
		kind:      KindZeroHopOutbound,
		state:     StateEstablished,
		createdAt: time.Now(),
		pool:      pool,
		sender:    sender,
	}
}

func (t *Tunnel) ID() TunnelID     { return t.id }
func (t *Tunnel) Kind() Kind       { t.mu.Lock(); defer t.mu.Unlock(); return t.kind }
func (t *Tunnel) IsShort() bool    { return t.isShort }
func (t *Tunnel) NextHopID() TunnelID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextHopID
}
func (t *Tunnel) NextHop() common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextHop
}

func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// SetOnDrop installs an onDrop callback. Build replaces it with its own
// callback, which marks the tunnel StateBuildFailed when the send is dropped.
func (t *Tunnel) SetOnDrop(fn OnDrop) { t.onDrop = fn }

// AttachEndpoint wires the terminal reassembly/delivery collaborator used
// by inbound tunnels once established.
func (t *Tunnel) AttachEndpoint(ep *Endpoint) { t.endpoint = ep }

// AttachGateway wires the encrypting batcher used by outbound tunnels once
// established, along with the physical next-hop router hash.
func (t *Tunnel) AttachGateway(gw *Gateway, nextHop common.Hash, sender PeerSender) {
	t.mu.Lock()
	t.gateway = gw
	t.nextHop = nextHop
	t.nextHopID = gw.NextHopID()
	t.sender = sender
	t.mu.Unlock()
}

// GetPeers returns the tunnel's hops in traversal order (near end first).
func (t *Tunnel) GetPeers() []common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]common.Hash, len(t.hops))
	for i, h := range t.hops {
		peers[len(t.hops)-1-i] = h.Identity
	}
	return peers
}

// GetInvertedPeers returns the reverse of GetPeers, i.e. the hop list
// stored internally (endpoint-first). Symmetric outbound tunnels built
// from an inbound tunnel's hops use this directly.
func (t *Tunnel) GetInvertedPeers() []common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]common.Hash, len(t.hops))
	for i, h := range t.hops {
		peers[i] = h.Identity
	}
	return peers
}

func (t *Tunnel) ReceivedBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numRecv
}

func (t *Tunnel) SentBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numSent
}

// recordSize returns the wire size of one build record for this tunnel's
// build variant.
func recordSize(isShort bool) int {
	if isShort {
		return ShortBuildRecordSize
	}
	return LegacyBuildRecordSize
}

// BuildTransport is the narrow outbound collaborator used to physically
// send a build message either directly to the first hop or via an
// existing outbound tunnel.
type BuildTransport interface {
	SendToPeer(hash common.Hash, payload []byte, onDrop OnDrop) error
	SendViaTunnel(via *Tunnel, firstHop common.Hash, payload []byte, onDrop OnDrop) error
}

// Build constructs and dispatches the tunnel build message: shuffles
// record slots, has each hop encrypt its own record, pre-encrypts in
// reverse traversal order so the resulting onion peels correctly on
// return, and sends it either via an existing outbound tunnel or direct
// to the first hop.
func (t *Tunnel) Build(replyMsgID uint32, via *Tunnel, transport BuildTransport, rng *rand.Rand) error {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return ErrTunnelNotPending
	}
	config := t.config
	isShort := t.isShort
	t.mu.Unlock()

	if len(config) == 0 {
		return ErrNoHopConfiguration
	}

	h := len(config)
	r := StandardNumRecords
	if h > StandardNumRecords {
		r = MaxNumRecords
	}

	perm := rng.Perm(r)
	for i, hop := range config {
		hop.RecordIndex = perm[i]
	}

	size := recordSize(isShort)
	slots := make([][]byte, r)
	for i, hop := range config {
		if i == h-1 {
			hop.Record.SendMessageID = int(replyMsgID)
		}
		raw, err := hop.Cipher.EncryptOwnRecord(hop.Record)
		if err != nil {
			return fmt.Errorf("hop %d: encrypt own record: %w", i, err)
		}
		slots[hop.RecordIndex] = raw
	}
	for i := range slots {
		if slots[i] != nil {
			continue
		}
		fake := make([]byte, size)
		rng.Read(fake)
		slots[i] = fake
	}

	for k := h - 2; k >= 0; k-- {
		hop := config[k]
		for j := k + 1; j < h; j++ {
			idx := config[j].RecordIndex
			enc, err := hop.Cipher.EncryptLayer(slots[idx])
			if err != nil {
				return fmt.Errorf("hop %d: pre-encrypt hop %d record: %w", k, j, err)
			}
			slots[idx] = enc
		}
	}

	payload := marshalBuildMessage(r, slots)

	t.onDrop = func() { t.setState(StateBuildFailed) }
	firstHop, err := config[0].Peer.IdentHash()
	if err != nil {
		return fmt.Errorf("resolve first hop ident: %w", err)
	}

	log.WithFields(logger.Fields{
		"at": "Tunnel.Build", "tunnel_id": uint32(t.id), "hop_count": h, "record_count": r,
	}).Debug("dispatching tunnel build")

	if via != nil {
		return transport.SendViaTunnel(via, firstHop, payload, t.onDrop)
	}
	return transport.SendToPeer(firstHop, payload, t.onDrop)
}

func marshalBuildMessage(r int, slots [][]byte) []byte {
	out := make([]byte, 1, 1+len(slots)*len(slots[0]))
	out[0] = byte(r)
	for _, s := range slots {
		out = append(out, s...)
	}
	return out
}

// HandleTunnelBuildResponse peels every hop's layer off the preceding
// hops' slots (last to first), then reads every hop's own return code
// (first to last). Any non-zero code declines the tunnel. On acceptance,
// hop state is materialised endpoint-first and the build config dropped.
func (t *Tunnel) HandleTunnelBuildResponse(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePending {
		return ErrUnexpectedBuildReply
	}
	if len(t.config) == 0 {
		return ErrNoHopConfiguration
	}
	if len(msg) < 1 {
		return fmt.Errorf("%w: empty build response", ErrInvalidTunnelData)
	}

	num := int(msg[0])
	if num > MaxNumRecords {
		t.state = StateBuildFailed
		return fmt.Errorf("%w: record count %d exceeds maximum", ErrInvalidTunnelData, num)
	}
	size := recordSize(t.isShort)
	if len(msg) < 1+num*size {
		t.state = StateBuildFailed
		return fmt.Errorf("%w: build response too short for %d records", ErrInvalidTunnelData, num)
	}

	slots := make([][]byte, num)
	for i := 0; i < num; i++ {
		start := 1 + i*size
		slots[i] = append([]byte(nil), msg[start:start+size]...)
	}

	h := len(t.config)
	for _, hop := range t.config {
		if hop.RecordIndex < 0 || hop.RecordIndex >= num {
			t.state = StateBuildFailed
			return fmt.Errorf("%w: hop slot index out of range", ErrInvalidTunnelData)
		}
	}

	for k := h - 1; k >= 0; k-- {
		hop := t.config[k]
		for j := 0; j < k; j++ {
			prevIdx := t.config[j].RecordIndex
			peeled, err := hop.Cipher.PeelLayer(slots[prevIdx])
			if err != nil {
				t.state = StateBuildFailed
				return fmt.Errorf("hop %d: peel hop %d record: %w", k, j, err)
			}
			slots[prevIdx] = peeled
		}
	}

	t.state = StateBuildReplyReceived

	declined := false
	for i, hop := range t.config {
		code, err := hop.Cipher.DecryptOwnReply(slots[hop.RecordIndex])
		if err != nil {
			t.state = StateBuildFailed
			return fmt.Errorf("hop %d: decrypt own reply: %w", i, err)
		}
		if code != 0 {
			declined = true
		}
	}

	if declined {
		t.state = StateBuildFailed
		log.WithFields(logger.Fields{"at": "Tunnel.HandleTunnelBuildResponse", "tunnel_id": uint32(t.id)}).Debug("tunnel build declined")
		return nil
	}

	t.hops = make([]Hop, h)
	for i, hop := range t.config {
		t.hops[h-1-i] = Hop{
			Identity: hop.Record.OurIdent,
			LayerKey: hop.Record.LayerKey,
			IVKey:    hop.Record.IVKey,
		}
	}
	t.config = nil
	t.state = StateEstablished
	t.createdAt = time.Now()

	log.WithFields(logger.Fields{"at": "Tunnel.HandleTunnelBuildResponse", "tunnel_id": uint32(t.id)}).Debug("tunnel established")
	return nil
}

// HandleTunnelDataMsg processes a received tunnel data message. Only
// meaningful for inbound and zero-hop-inbound tunnels.
func (t *Tunnel) HandleTunnelDataMsg(msg []byte) error {
	t.mu.Lock()
	kind := t.kind
	if kind == KindOutbound || kind == KindZeroHopOutbound {
		t.mu.Unlock()
		return ErrOutboundNoReceive
	}
	if t.state != StateEstablished && t.state != StateExpiring {
		t.state = StateEstablished
	}
	t.numRecv += uint64(len(msg))
	handler := t.localHandler
	ep := t.endpoint
	t.mu.Unlock()

	if kind == KindZeroHopInbound {
		if handler == nil {
			return ErrNoEndpointAttached
		}
		return handler(msg)
	}
	if ep == nil {
		return ErrNoEndpointAttached
	}
	return ep.Receive(msg)
}

// SendTunnelDataMsgsTo builds and sends a tunnel data message carrying msg,
// addressed per dc, through this outbound tunnel.
func (t *Tunnel) SendTunnelDataMsgsTo(dc DeliveryConfig, msg []byte) error {
	t.mu.Lock()
	kind := t.kind
	gw := t.gateway
	sender := t.sender
	nextHop := t.nextHop
	t.mu.Unlock()

	if kind == KindZeroHopOutbound {
		return t.sendZeroHop(dc, msg)
	}
	if kind != KindOutbound {
		return fmt.Errorf("tunnel %d: not an outbound tunnel", t.id)
	}
	if gw == nil {
		return ErrNoGatewayAttached
	}
	if sender == nil {
		return fmt.Errorf("tunnel %d: no peer sender attached", t.id)
	}

	chunks, err := gw.SendWithDelivery(msg, dc)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.numSent += uint64(len(msg))
	t.mu.Unlock()

	for _, chunk := range chunks {
		if err := sender.SendToPeer(nextHop, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendZeroHop dispatches by delivery type without any tunnel encryption:
// there is no wrapping tunnel message, only routing.
func (t *Tunnel) sendZeroHop(dc DeliveryConfig, msg []byte) error {
	t.mu.Lock()
	sender := t.sender
	t.numSent += uint64(len(msg))
	t.mu.Unlock()

	if dc.DeliveryType == DT_LOCAL {
		return fmt.Errorf("tunnel %d: zero-hop outbound cannot deliver locally", t.id)
	}
	if sender == nil {
		return fmt.Errorf("tunnel %d: no peer sender attached", t.id)
	}
	return sender.SendToPeer(dc.Hash, msg)
}

// FlushTunnelDataMsgs is a hook point for batch flush on a rolling-cache
// tunnel-id change in the dispatcher (spec section 4.5). This Gateway
// emits complete tunnel messages synchronously per call, so there is
// nothing buffered to flush.
func (t *Tunnel) FlushTunnelDataMsgs() error {
	return nil
}

// Recreate asks the owning pool to build a successor tunnel with the same
// hop count. Idempotent: a tunnel is only ever recreated once.
func (t *Tunnel) Recreate() {
	t.mu.Lock()
	if t.recreated || t.pool == nil {
		t.mu.Unlock()
		return
	}
	t.recreated = true
	kind := t.kind
	pool := t.pool
	t.mu.Unlock()

	if kind.IsInbound() {
		pool.RecreateInboundTunnel(t)
	} else {
		pool.RecreateOutboundTunnel(t)
	}
}

// DetachPool clears the tunnel's back-reference to its pool, e.g. when the
// pool that owns it has gone inactive.
func (t *Tunnel) DetachPool() {
	t.mu.Lock()
	t.pool = nil
	t.mu.Unlock()
}

func (t *Tunnel) Recreated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recreated
}

func (t *Tunnel) CreatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createdAt
}

// HopCount returns the number of hops this tunnel was built with (0 for
// zero-hop variants).
func (t *Tunnel) HopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poolHops
}
