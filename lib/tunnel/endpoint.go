package tunnel

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/crypto/tunnel"
	"github.com/go-i2p/logger"
)

// MessageHandler processes a fully reassembled, DT_LOCAL-delivered I2NP message.
type MessageHandler func(msgBytes []byte) error

// MessageForwarder hands a reassembled message to the router's transport or
// transit-tunnel layer for DT_TUNNEL/DT_ROUTER delivery. Both out of scope
// here; an Endpoint with no forwarder silently drops such deliveries.
type MessageForwarder interface {
	ForwardToTunnel(tunnelID uint32, gatewayHash [32]byte, msgBytes []byte) error
	ForwardToRouter(routerHash [32]byte, msgBytes []byte) error
}

var (
	ErrNilDecryption     = errors.New("tunnel decryption cannot be nil")
	ErrNilHandler        = errors.New("message handler cannot be nil")
	ErrInvalidTunnelData = errors.New("invalid tunnel data message")
	ErrChecksumMismatch  = errors.New("tunnel message checksum mismatch")
	ErrDuplicateFragment = errors.New("duplicate fragment for message id")
)

// maxConcurrentAssemblies bounds the number of in-flight fragment
// reassemblies an Endpoint will track, guarding against memory exhaustion
// from peers that start many fragment sequences and never finish them.
const maxConcurrentAssemblies = 5000

const defaultFragmentTimeout = 60 * time.Second

// fragmentAssembler accumulates the pieces of one fragmented message,
// addressed by the message ID carried in its first fragment.
type fragmentAssembler struct {
	fragments    map[int][]byte
	totalCount   int
	receivedMask uint64
	deliveryType byte
	tunnelID     uint32
	hash         [32]byte
	createdAt    time.Time
}

// Endpoint is the terminal hop of an inbound tunnel: it removes the last
// layer of encryption, reassembles fragmented deliveries, and hands
// completed messages to a handler (DT_LOCAL) or forwarder (DT_TUNNEL/DT_ROUTER).
type Endpoint struct {
	tunnelID        TunnelID
	decryption      tunnel.TunnelEncryptor
	handler         MessageHandler
	forwarder       MessageForwarder
	fragments       map[uint32]*fragmentAssembler
	fragmentsMutex  sync.Mutex
	fragmentTimeout time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewEndpoint constructs an Endpoint and starts its background fragment
// cleanup goroutine. Callers must call Stop() when done with it.
func NewEndpoint(tunnelID TunnelID, decryption tunnel.TunnelEncryptor, handler MessageHandler) (*Endpoint, error) {
	if decryption == nil {
		return nil, ErrNilDecryption
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	ep := &Endpoint{
		tunnelID:        tunnelID,
		decryption:      decryption,
		handler:         handler,
		fragments:       make(map[uint32]*fragmentAssembler),
		fragmentTimeout: defaultFragmentTimeout,
		stopChan:        make(chan struct{}),
	}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		ep.cleanupFragments()
	}()

	log.WithFields(logger.Fields{"at": "NewEndpoint", "tunnel_id": uint32(tunnelID)}).Debug("endpoint created")
	return ep, nil
}

// SetForwarder installs the collaborator used for DT_TUNNEL/DT_ROUTER delivery.
func (e *Endpoint) SetForwarder(f MessageForwarder) {
	e.forwarder = f
}

// TunnelID returns this endpoint's tunnel id.
func (e *Endpoint) TunnelID() TunnelID {
	return e.tunnelID
}

// Stop halts the cleanup goroutine and waits for it to exit. Idempotent.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()
}

// ClearFragments discards all in-flight reassembly state.
func (e *Endpoint) ClearFragments() {
	e.fragmentsMutex.Lock()
	defer e.fragmentsMutex.Unlock()
	e.fragments = make(map[uint32]*fragmentAssembler)
}

// Receive accepts one fixed-size (1028 byte) tunnel data message, decrypts
// it, validates its checksum, and processes the delivery instructions found
// after the zero-byte padding separator.
func (e *Endpoint) Receive(data []byte) error {
	if len(data) != 1028 {
		return fmt.Errorf("%w: expected 1028 bytes, got %d", ErrInvalidTunnelData, len(data))
	}

	decrypted, err := e.decryptTunnelMessage(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTunnelData, err)
	}

	if err := e.validateChecksum(decrypted); err != nil {
		return err
	}

	return e.processDeliveryInstructions(decrypted)
}

// decryptTunnelMessage applies this endpoint's layer decryption to the
// message and returns the resulting plaintext.
func (e *Endpoint) decryptTunnelMessage(tunnelData []byte) ([]byte, error) {
	decrypted, err := e.decryption.Decrypt(tunnelData)
	if err != nil {
		log.WithFields(logger.Fields{"at": "decryptTunnelMessage", "reason": err.Error()}).Error("decrypt failed")
		return nil, err
	}
	return decrypted, nil
}

// validateChecksum recomputes the 4-byte checksum (first four bytes of
// SHA256(data[24:] || IV)) and compares it against the message's own.
func (e *Endpoint) validateChecksum(data []byte) error {
	if len(data) < 24 {
		return fmt.Errorf("%w: message too short for checksum", ErrInvalidTunnelData)
	}
	iv := data[4:20]
	checksumData := append(append([]byte{}, data[24:]...), iv...)
	hash := sha256.Sum256(checksumData)

	for i := 0; i < 4; i++ {
		if hash[i] != data[20+i] {
			return ErrChecksumMismatch
		}
	}
	return nil
}

// processDeliveryInstructions locates the zero-byte padding separator,
// trims trailing zero padding from the remainder (the wire format pads
// the tunnel message to a fixed size, not the delivery instructions
// region itself), and processes whatever delivery instruction/payload
// pairs remain.
func (e *Endpoint) processDeliveryInstructions(data []byte) error {
	if len(data) < 24 {
		return fmt.Errorf("%w: message too short", ErrInvalidTunnelData)
	}
	body := data[24:]
	sep := bytes.IndexByte(body, 0x00)
	if sep < 0 {
		return fmt.Errorf("%w: no zero byte separator found", ErrInvalidTunnelData)
	}

	rest := bytes.TrimRight(body[sep+1:], "\x00")
	if len(rest) == 0 {
		return nil
	}
	return e.processInstructionLoop(rest)
}

// processInstructionLoop walks consecutive delivery-instruction/payload
// pairs, delivering unfragmented messages directly and starting or
// continuing reassembly for fragmented ones. A fragment whose declared
// size is zero is rejected rather than silently failing to advance.
func (e *Endpoint) processInstructionLoop(data []byte) error {
	for len(data) > 0 {
		di, remainder, err := readDeliveryInstructions(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTunnelData, err)
		}

		if di.fragmentType == FOLLOW_ON_FRAGMENT {
			return e.handleFollowOnFragment(di, remainder)
		}

		fragSize := int(di.fragmentSize)
		if fragSize == 0 {
			return fmt.Errorf("%w: zero-length fragment", ErrInvalidTunnelData)
		}
		if len(remainder) < fragSize {
			return fmt.Errorf("%w: fragment size exceeds remaining data", ErrInvalidTunnelData)
		}
		payload := remainder[:fragSize]
		data = remainder[fragSize:]

		if !di.fragmented {
			if err := e.deliverWithInstructions(di.deliveryType, di, payload); err != nil {
				return err
			}
			continue
		}

		if err := e.storeFirstFragmentWithDI(di.messageID, di.deliveryType, di, payload); err != nil {
			return err
		}
	}
	return nil
}

// storeFirstFragmentWithDI begins a reassembly for msgID, recording the
// routing information (delivery type, next-hop tunnel/router hash) carried
// by the first fragment so the eventual reassembled message can be routed
// the same way.
func (e *Endpoint) storeFirstFragmentWithDI(msgID uint32, deliveryType byte, di *DeliveryInstructions, data []byte) error {
	e.fragmentsMutex.Lock()
	defer e.fragmentsMutex.Unlock()

	if _, exists := e.fragments[msgID]; exists {
		return ErrDuplicateFragment
	}
	if len(e.fragments) >= maxConcurrentAssemblies {
		return fmt.Errorf("%w: too many concurrent reassemblies", ErrInvalidTunnelData)
	}

	asm := &fragmentAssembler{
		fragments:    map[int][]byte{0: append([]byte(nil), data...)},
		receivedMask: 1,
		deliveryType: deliveryType,
		createdAt:    time.Now(),
	}
	if di != nil {
		asm.tunnelID = di.tunnelID
		asm.hash = di.hash
	}
	e.fragments[msgID] = asm
	return nil
}

// handleFollowOnFragment stores a non-first fragment into its assembler and
// triggers reassembly once the last fragment (flagged via lastFragment) has
// arrived and every index below its fragment number is present.
func (e *Endpoint) handleFollowOnFragment(di *DeliveryInstructions, remainder []byte) error {
	fragSize := int(di.fragmentSize)
	if fragSize == 0 {
		return fmt.Errorf("%w: zero-length follow-on fragment", ErrInvalidTunnelData)
	}
	if len(remainder) < fragSize {
		return fmt.Errorf("%w: follow-on fragment size exceeds remaining data", ErrInvalidTunnelData)
	}
	if di.fragmentNumber < 1 || di.fragmentNumber > 63 {
		return fmt.Errorf("%w: fragment number out of range", ErrInvalidTunnelData)
	}
	payload := make([]byte, fragSize)
	copy(payload, remainder[:fragSize])

	e.fragmentsMutex.Lock()
	asm, ok := e.fragments[di.messageID]
	if !ok {
		e.fragmentsMutex.Unlock()
		return fmt.Errorf("follow-on fragment for unknown message id %d", di.messageID)
	}
	if _, dup := asm.fragments[di.fragmentNumber]; dup {
		e.fragmentsMutex.Unlock()
		return ErrDuplicateFragment
	}
	asm.fragments[di.fragmentNumber] = payload
	asm.receivedMask |= 1 << uint(di.fragmentNumber)
	if di.lastFragment {
		asm.totalCount = di.fragmentNumber + 1
	}
	complete := asm.totalCount > 0 && allFragmentsPresent(asm)
	if complete {
		delete(e.fragments, di.messageID)
	}
	e.fragmentsMutex.Unlock()

	if !complete {
		return nil
	}
	return e.reassembleAndDeliver(di.messageID, asm)
}

func allFragmentsPresent(asm *fragmentAssembler) bool {
	for i := 0; i < asm.totalCount; i++ {
		if _, ok := asm.fragments[i]; !ok {
			return false
		}
	}
	return true
}

// reassembleAndDeliver joins an assembler's fragments in order and routes
// the result the same way its first fragment was addressed.
func (e *Endpoint) reassembleAndDeliver(msgID uint32, asm *fragmentAssembler) error {
	joined := make([]byte, 0, 1024)
	for i := 0; i < asm.totalCount; i++ {
		part, ok := asm.fragments[i]
		if !ok {
			return fmt.Errorf("%w: missing fragment %d of message %d", ErrInvalidTunnelData, i, msgID)
		}
		joined = append(joined, part...)
	}

	e.fragmentsMutex.Lock()
	delete(e.fragments, msgID)
	e.fragmentsMutex.Unlock()

	di := &DeliveryInstructions{deliveryType: asm.deliveryType, tunnelID: asm.tunnelID, hash: asm.hash}
	return e.deliverWithInstructions(asm.deliveryType, di, joined)
}

// deliverWithInstructions routes a fully-assembled message: DT_LOCAL goes to
// the handler, DT_TUNNEL/DT_ROUTER go to the forwarder (if any).
func (e *Endpoint) deliverWithInstructions(deliveryType byte, di *DeliveryInstructions, msg []byte) error {
	switch deliveryType {
	case DT_LOCAL:
		return e.handler(msg)
	case DT_TUNNEL:
		var tunnelID uint32
		var hash [32]byte
		if di != nil {
			tunnelID, hash = di.tunnelID, di.hash
		}
		return e.deliverViaForwarder(DT_TUNNEL, tunnelID, hash, msg)
	case DT_ROUTER:
		var hash [32]byte
		if di != nil {
			hash = di.hash
		}
		return e.deliverViaForwarder(DT_ROUTER, 0, hash, msg)
	default:
		log.WithFields(logger.Fields{"at": "deliverWithInstructions", "delivery_type": deliveryType}).Warn("unknown delivery type, dropping")
		return nil
	}
}

// deliverViaForwarder hands a message to the forwarder collaborator. With
// no forwarder installed, DT_TUNNEL/DT_ROUTER deliveries are silently
// dropped rather than treated as an error: this endpoint has no opinion on
// whether forwarding should be wired up.
func (e *Endpoint) deliverViaForwarder(deliveryType byte, tunnelID uint32, hash [32]byte, msgBytes []byte) error {
	if e.forwarder == nil {
		return nil
	}
	switch deliveryType {
	case DT_TUNNEL:
		return e.forwarder.ForwardToTunnel(tunnelID, hash, msgBytes)
	case DT_ROUTER:
		return e.forwarder.ForwardToRouter(hash, msgBytes)
	default:
		return nil
	}
}

// cleanupFragments periodically discards reassemblies that never
// completed within fragmentTimeout, bounding memory held by abandoned
// fragment sequences.
func (e *Endpoint) cleanupFragments() {
	interval := e.fragmentTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.pruneExpiredFragments()
		}
	}
}

func (e *Endpoint) pruneExpiredFragments() {
	cutoff := time.Now().Add(-e.fragmentTimeout)
	e.fragmentsMutex.Lock()
	defer e.fragmentsMutex.Unlock()
	for id, asm := range e.fragments {
		if asm.createdAt.Before(cutoff) {
			delete(e.fragments, id)
		}
	}
}
