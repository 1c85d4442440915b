// Package gateway implements §4.5's dispatch layer: registration,
// HTTP passthrough, the WebSocket bridge, the event poller, join/callback
// proxying, drive-file passthrough, and background maintenance. The HTTP
// server shape (net/http.Server + ServeMux + upgrader) is adapted from
// pkg/api/server.go and relay/server/connection.go's handleWebSocket.
package gateway

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/hypertuna/relay-gateway/internal/swarm"
)

// PeerMode distinguishes a peer dialed over the swarm from other
// transport arrangements a future mode might add; only "hyperswarm" is
// a forwarding candidate per §4.4.
type PeerMode string

const (
	ModeHyperswarm PeerMode = "hyperswarm"
)

// PeerRecord is §3's Peer entry, keyed by publicKey.
type PeerRecord struct {
	PublicKey  swarm.PublicKey
	Mode       PeerMode
	DriveKey   string
	LastSeen   time.Time
	RegisteredAt time.Time
}

// RelayRecord is §3's RelayRecord, keyed by relay id.
type RelayRecord struct {
	mu                   sync.Mutex
	Peers                map[swarm.PublicKey]bool
	ProfileInfo          interface{}
	Status               string // active | degraded
	CreatedAt            time.Time
	LastActive           time.Time
	LastSuccessfulMessage time.Time
}

func newRelayRecord() *RelayRecord {
	return &RelayRecord{
		Peers:      make(map[swarm.PublicKey]bool),
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
}

func (r *RelayRecord) addPeer(pk swarm.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Peers[pk] = true
	r.LastActive = time.Now()
}

func (r *RelayRecord) removePeer(pk swarm.PublicKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Peers, pk)
	return len(r.Peers)
}

func (r *RelayRecord) peerList() []swarm.PublicKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]swarm.PublicKey, 0, len(r.Peers))
	for pk := range r.Peers {
		out = append(out, pk)
	}
	return out
}

// randomHexID returns a hex-encoded random id of n bytes, used both for
// WsSession.connectionKey (16 bytes -> 128 bits) and drive keys.
func randomHexID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := randRead(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
