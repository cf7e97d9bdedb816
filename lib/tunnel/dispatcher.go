package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

// InboundMessage is one decoded tunnel data message pulled off the wire,
// addressed to a tunnel this router hosts (inbound endpoint or transit
// participant).
type InboundMessage struct {
	TunnelID TunnelID
	Data     []byte
}

// Dispatcher is the single-threaded pump that serialises all delivery of
// incoming tunnel data messages to their owning tunnels, and drives the
// three independent maintenance schedules on the same goroutine so that
// tunnel state never needs its own lock beyond what Tunnel already holds.
type Dispatcher struct {
	active *ActiveTunnels

	queue chan InboundMessage

	maintainer *Maintainer

	lastManage     time.Time
	lastPoolManage time.Time
	lastMemManage  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(active *ActiveTunnels, maintainer *Maintainer) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		active:     active,
		queue:      make(chan InboundMessage, MaxTunnelMsgsBatchSize),
		maintainer: maintainer,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Post enqueues an inbound message for processing. Safe to call from any
// goroutine (the transport layer's receive loop).
func (d *Dispatcher) Post(msg InboundMessage) {
	select {
	case d.queue <- msg:
	case <-d.ctx.Done():
	}
}

// Start launches the pump goroutine. Stop cancels and waits for it.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// run is the single-threaded pump. It re-drains up to
// MaxTunnelMsgsBatchSize messages per wakeup before checking maintenance
// deadlines, and caches the most recently dispatched tunnel so that a
// burst of messages for the same tunnel does not repeatedly pay for a map
// lookup; whenever the tunnel id changes, the cached tunnel's batch is
// flushed and the cache is invalidated, and the last tunnel's batch is
// flushed after each drain.
func (d *Dispatcher) run() {
	defer d.wg.Done()

	now := time.Now()
	d.lastManage = now
	d.lastPoolManage = now
	d.lastMemManage = now

	var prevTunnelID TunnelID
	var prevTunnel *Tunnel
	havePrev := false

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg := <-d.queue:
			batch := 0
		drain:
			for {
				if !havePrev || msg.TunnelID != prevTunnelID {
					if havePrev {
						if err := prevTunnel.FlushTunnelDataMsgs(); err != nil {
							log.WithFields(logger.Fields{
								"at": "Dispatcher.run", "tunnel_id": uint32(prevTunnelID), "reason": err.Error(),
							}).Debug("tunnel batch flush failed")
						}
						havePrev = false
					}
					t, ok := d.active.GetTunnel(msg.TunnelID)
					if !ok {
						log.WithFields(logger.Fields{
							"at": "Dispatcher.run", "tunnel_id": uint32(msg.TunnelID),
						}).Debug("dropping message for unknown tunnel")
					} else {
						prevTunnel = t
						prevTunnelID = msg.TunnelID
						havePrev = true
					}
				}
				if havePrev && msg.TunnelID == prevTunnelID {
					if err := prevTunnel.HandleTunnelDataMsg(msg.Data); err != nil {
						log.WithFields(logger.Fields{
							"at": "Dispatcher.run", "tunnel_id": uint32(msg.TunnelID), "reason": err.Error(),
						}).Debug("tunnel data message handling failed")
					}
				}
				batch++
				if batch >= MaxTunnelMsgsBatchSize {
					break drain
				}
				select {
				case msg = <-d.queue:
					continue drain
				default:
					break drain
				}
			}
			if havePrev {
				_ = prevTunnel.FlushTunnelDataMsgs()
			}
			d.runMaintenance(time.Now())
		case t := <-ticker.C:
			d.runMaintenance(t)
		}
	}
}

// runMaintenance checks each of the three independent schedules and fires
// whichever have reached their deadline. deadlinePassed guards against a
// backward clock jump stalling maintenance forever.
func (d *Dispatcher) runMaintenance(now time.Time) {
	if d.maintainer == nil {
		return
	}
	if deadlinePassed(now, d.lastManage, TunnelManageInterval) {
		d.maintainer.ManageTunnels(now)
		d.lastManage = now
	}
	if deadlinePassed(now, d.lastPoolManage, TunnelPoolsManageInterval) {
		d.maintainer.ManagePools(now)
		d.lastPoolManage = now
	}
	if deadlinePassed(now, d.lastMemManage, TunnelMemoryPoolManageInterval) {
		d.maintainer.ManageMemory(now)
		d.lastMemManage = now
	}
}
