// Package pool owns the publicKey -> peer.Connection map, lazily joins
// the fixed discovery topic, and evicts stale connections, per spec.md
// §4.3. The lock-guarded map and stale-by-age eviction pattern are
// adapted from pkg/discovery/kademlia.go's KademliaTable/KBucket, though
// real DHT routing-table semantics (buckets, XOR distance) stay out of
// scope; the Dialer abstraction it drives is internal/swarm.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/peer"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

const staleConnectionAge = 10 * time.Minute

// DiscoveryTopicSeed is the fixed topic name peers and gateways alike
// join, per §4.3.
const DiscoveryTopicSeed = "hypertuna-relay-network"

// Pool owns every backend peer connection the gateway currently knows
// about.
type Pool struct {
	dialer    swarm.Dialer
	log       *logging.Logger
	topicSeed string

	initMu      sync.Mutex
	topicJoined bool

	mu    sync.Mutex
	conns map[swarm.PublicKey]*peer.Connection
}

// New creates a pool. The swarm dialer is injected so tests can supply
// an internal/swarm.NullDialer instead of a real transport. An empty
// topicSeed falls back to DiscoveryTopicSeed.
func New(dialer swarm.Dialer, log *logging.Logger, topicSeed string) *Pool {
	if topicSeed == "" {
		topicSeed = DiscoveryTopicSeed
	}
	return &Pool{
		dialer:    dialer,
		log:       log.With("pool"),
		topicSeed: topicSeed,
		conns:     make(map[swarm.PublicKey]*peer.Connection),
	}
}

// EnsureTopicJoined implements peer.TopicJoiner: joins the configured
// discovery topic as a client exactly once, idempotent thereafter.
func (p *Pool) EnsureTopicJoined(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.topicJoined {
		return nil
	}
	topic := swarm.Topic(p.topicSeed)
	if err := p.dialer.JoinTopic(ctx, topic); err != nil {
		return fmt.Errorf("join discovery topic: %w", err)
	}
	p.topicJoined = true
	p.log.Info("joined discovery topic", nil)
	return nil
}

// Reinitialize forces a fresh topic join on next EnsureTopicJoined call.
func (p *Pool) Reinitialize() {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	p.topicJoined = false
}

// GetConnection returns the wrapper for pk, creating or recreating it
// per §4.3's getConnection algorithm: stale wrappers (lastUsed older
// than 10 minutes) are destroyed and rebuilt.
func (p *Pool) GetConnection(ctx context.Context, pk swarm.PublicKey) (*peer.Connection, error) {
	if err := p.EnsureTopicJoined(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	existing, ok := p.conns[pk]
	if ok && existing.IsConnected() && time.Since(existing.LastUsed()) > staleConnectionAge {
		existing.Destroy()
		delete(p.conns, pk)
		ok = false
	}
	if !ok {
		existing = peer.New(pk, p.dialer, p, p.log)
		p.conns[pk] = existing
	}
	p.mu.Unlock()

	if existing.State() != peer.StateConnected {
		if err := existing.Connect(ctx); err != nil {
			return existing, err
		}
	}
	return existing, nil
}

// CloseConnection destroys the wrapper for pk and leaves the peer join,
// best-effort, per §4.3.
func (p *Pool) CloseConnection(pk swarm.PublicKey) {
	p.mu.Lock()
	c, ok := p.conns[pk]
	delete(p.conns, pk)
	p.mu.Unlock()

	if ok {
		c.Destroy()
	}
	if err := p.dialer.LeavePeer(pk); err != nil {
		p.log.Warn("leave peer failed", logging.Fields{"peer": pk.String(), "error": err.Error()})
	}
}

// Destroy tears down every wrapper, leaves every peer, and destroys the
// swarm dialer. Final state is uninitialized.
func (p *Pool) Destroy() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[swarm.PublicKey]*peer.Connection)
	p.mu.Unlock()

	for pk, c := range conns {
		c.Destroy()
		p.dialer.LeavePeer(pk)
	}
	p.dialer.Close()

	p.initMu.Lock()
	p.topicJoined = false
	p.initMu.Unlock()
}

// Snapshot returns the public keys of every wrapper the pool currently
// tracks.
func (p *Pool) Snapshot() []swarm.PublicKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]swarm.PublicKey, 0, len(p.conns))
	for pk := range p.conns {
		out = append(out, pk)
	}
	return out
}

// SweepStale destroys any connection whose lastUsed exceeds 10 minutes,
// matching the bullet in §4.5's background maintenance loop.
func (p *Pool) SweepStale() {
	p.mu.Lock()
	var stale []swarm.PublicKey
	for pk, c := range p.conns {
		if c.IsConnected() && time.Since(c.LastUsed()) > staleConnectionAge {
			stale = append(stale, pk)
		}
	}
	p.mu.Unlock()

	for _, pk := range stale {
		p.CloseConnection(pk)
	}
}
