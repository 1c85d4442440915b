// Package swarm abstracts the DHT/discovery transport that spec.md places
// out of scope: "an opaque, reliable, ordered, byte-duplex stream to each
// peer produced by the swarm layer". internal/pool depends only on the
// Dialer interface; real DHT discovery is never implemented here.
package swarm

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// PublicKey identifies a backend peer, per §3's Peer.publicKey.
type PublicKey [32]byte

// ParsePublicKey validates and decodes a hex-encoded 32-byte public key.
func ParsePublicKey(hexKey string) (PublicKey, error) {
	var pk PublicKey
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return pk, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != 32 {
		return pk, fmt.Errorf("invalid public key length: got %d bytes, want 32", len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

func (pk PublicKey) String() string { return hex.EncodeToString(pk[:]) }

// Topic derives the fixed discovery topic id from a human-readable seed,
// matching §4.3's "joined topic hash('hypertuna-relay-network')".
func Topic(seed string) [32]byte {
	return blake2b.Sum256([]byte(seed))
}

// Dialer is the swarm-layer contract §4.3's connection pool depends on.
// DHT/swarm discovery primitives themselves are out of scope (spec.md §1);
// only this narrow surface is specified.
type Dialer interface {
	// JoinTopic joins the fixed discovery topic as a client. Idempotent;
	// called once during pool initialization.
	JoinTopic(ctx context.Context, topic [32]byte) error

	// JoinPeer begins per-peer discovery/holepunch for publicKey. Called
	// the first time a dial is attempted for that peer (§4.3).
	JoinPeer(ctx context.Context, pk PublicKey) error

	// LeavePeer releases the per-peer discovery join. Best-effort.
	LeavePeer(pk PublicKey) error

	// DialPeer returns an opaque, reliable, ordered, byte-duplex stream to
	// pk, or reuses an already-open inbound connection from that key.
	DialPeer(ctx context.Context, pk PublicKey) (io.ReadWriteCloser, error)

	// Close tears down the dialer and all topic/peer joins.
	Close() error
}
