package tunnel

import (
	"fmt"

	"github.com/go-i2p/common/router_info"
)

// RecordCipher is the narrow per-hop cryptographic collaborator used while
// building and peeling a tunnel build message. Implementations hold
// whatever key material is needed to talk to one specific hop (its public
// encryption key for EncryptOwnRecord, the reply key/IV pair negotiated
// for that hop for DecryptOwnReply) and to apply that hop's AES layer for
// records belonging to hops further along the chain (EncryptLayer,
// PeelLayer). The actual ElGamal/ECIES and AES primitives live entirely
// behind this interface.
type RecordCipher interface {
	// EncryptOwnRecord encrypts this hop's own build request record,
	// returning a record-sized ciphertext ready to be placed in its slot.
	EncryptOwnRecord(cleartext BuildRequestRecord) ([]byte, error)

	// EncryptLayer applies this hop's AES reply-layer to a record-sized
	// slot belonging to a hop further from us in the chain, as part of
	// the reverse-order pre-encryption pass.
	EncryptLayer(slot []byte) ([]byte, error)

	// DecryptOwnReply extracts the return code from this hop's own
	// fully-peeled reply slot. A zero code means accepted.
	DecryptOwnReply(slot []byte) (retCode int, err error)

	// PeelLayer removes this hop's AES reply-layer from a record-sized
	// slot belonging to a hop closer to us in the chain, as part of the
	// reverse-then-forward peeling pass over a build response.
	PeelLayer(slot []byte) ([]byte, error)
}

// TunnelHopConfig is one hop of a tunnel under construction: the peer it
// will be sent to, the cleartext record that describes the hop to its
// successor, the cipher used to encrypt/peel that hop's slot, and the
// hop's assigned position in the shuffled build message.
type TunnelHopConfig struct {
	Peer   router_info.RouterInfo
	Record BuildRequestRecord
	Cipher RecordCipher

	// RecordIndex is this hop's slot in the permuted build message,
	// assigned by Tunnel.Build.
	RecordIndex int

	Prev *TunnelHopConfig
	Next *TunnelHopConfig
}

// LinkHopChain wires Prev/Next pointers across hops in traversal order
// (gateway first, endpoint last) and returns the head of the chain.
func LinkHopChain(hops []*TunnelHopConfig) *TunnelHopConfig {
	if len(hops) == 0 {
		return nil
	}
	for i, hop := range hops {
		if i > 0 {
			hop.Prev = hops[i-1]
		}
		if i < len(hops)-1 {
			hop.Next = hops[i+1]
		}
	}
	return hops[0]
}

// IsGateway reports whether this hop is the first hop of the tunnel, the
// one that either receives the tunnel build message directly from the
// creator or, for an inbound tunnel, the one the creator's identity is
// hidden behind.
func (c *TunnelHopConfig) IsGateway() bool { return c.Prev == nil }

// IsEndpoint reports whether this hop is the last hop of the tunnel.
func (c *TunnelHopConfig) IsEndpoint() bool { return c.Next == nil }

// NewHopConfigsFromBuildResult assembles the per-hop build configuration
// for a freshly built tunnel, pairing each of the builder's selected
// peers and records with the cipher that talks to that specific peer.
// Ciphers must be supplied in the same gateway-first order as the build
// result's hops; constructing one is entirely the caller's concern, since
// it requires the peer's public encryption key material.
func NewHopConfigsFromBuildResult(result *TunnelBuildResult, ciphers []RecordCipher) ([]*TunnelHopConfig, error) {
	if len(ciphers) != len(result.Hops) {
		return nil, fmt.Errorf("hop config: need %d ciphers, got %d", len(result.Hops), len(ciphers))
	}
	hops := make([]*TunnelHopConfig, len(result.Hops))
	for i := range result.Hops {
		hops[i] = &TunnelHopConfig{
			Peer:   result.Hops[i],
			Record: result.Records[i],
			Cipher: ciphers[i],
		}
	}
	LinkHopChain(hops)
	return hops, nil
}
