// Package peer wraps one backend relay peer's channel, adapted from
// client/daemon/connection.go's ConnectionManager state machine and
// generalized from a single hardcoded relay URL to an arbitrary swarm
// publicKey, per spec.md §4.2.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/protocol"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

// State mirrors client/daemon/connection.go's ConnectionState enum,
// collapsed to the four states named in §4.2.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	dialTimeout          = 15 * time.Second
	handshakeTimeout     = 15 * time.Second
	identifySettleDelay  = 500 * time.Millisecond
)

// TopicJoiner is the narrow slice of the pool's responsibility a
// Connection needs: ensuring the fixed discovery topic has been joined
// before a dial is attempted. Kept as an interface so peer does not
// import pool (§4.3 owns the map of Connections, not the reverse).
type TopicJoiner interface {
	EnsureTopicJoined(ctx context.Context) error
}

// Connection owns one channel to a single backend peer, per §4.2.
type Connection struct {
	PublicKey swarm.PublicKey

	dialer      swarm.Dialer
	topics      TopicJoiner
	log         *logging.Logger

	mu                 sync.Mutex
	state              State
	ch                  *protocol.Channel
	lastUsed           time.Time
	connectionAttempts int
	connectWait        chan struct{} // non-nil while a dial is in flight
	connectErr         error
}

// New creates an idle wrapper for publicKey. No I/O happens until
// Connect/SendRequest/HealthCheck is first called.
func New(pk swarm.PublicKey, dialer swarm.Dialer, topics TopicJoiner, log *logging.Logger) *Connection {
	return &Connection{
		PublicKey: pk,
		dialer:    dialer,
		topics:    topics,
		state:     StateIdle,
		log:       log.With("peer-connection"),
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect performs the single-flight dial algorithm of §4.2: concurrent
// callers observe the same in-flight attempt rather than dialing twice.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("connection to %s is destroyed", c.PublicKey)
	}
	if c.connectWait != nil {
		wait := c.connectWait
		c.mu.Unlock()
		<-wait
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	}

	wait := make(chan struct{})
	c.connectWait = wait
	c.state = StateConnecting
	c.connectionAttempts++
	c.mu.Unlock()

	err := c.doConnect(ctx)

	c.mu.Lock()
	c.connectErr = err
	if err != nil {
		c.state = StateIdle
		c.ch = nil
	} else {
		c.state = StateConnected
		c.lastUsed = time.Now()
	}
	c.connectWait = nil
	c.mu.Unlock()
	close(wait)

	return err
}

func (c *Connection) doConnect(ctx context.Context) error {
	if err := c.topics.EnsureTopicJoined(ctx); err != nil {
		return fmt.Errorf("join topic: %w", err)
	}

	if err := c.dialer.JoinPeer(ctx, c.PublicKey); err != nil {
		return fmt.Errorf("join peer %s: %w", c.PublicKey, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	stream, err := c.dialer.DialPeer(dialCtx, c.PublicKey)
	cancel()
	if err != nil {
		return fmt.Errorf("dial peer %s: %w", c.PublicKey, err)
	}

	openCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	ch, _, err := protocol.Open(openCtx, stream, protocol.GatewayHandshake(), handshakeTimeout)
	cancel()
	if err != nil {
		stream.Close()
		return fmt.Errorf("open channel to %s: %w", c.PublicKey, err)
	}
	c.ch = ch

	if err := c.identify(ctx); err != nil {
		c.log.Warn("gateway identification failed, continuing", logging.Fields{
			"peer":  c.PublicKey.String(),
			"error": err.Error(),
		})
	}

	return nil
}

func (c *Connection) identify(ctx context.Context) error {
	body, _ := json.Marshal(map[string]interface{}{
		"type":      "gateway",
		"timestamp": time.Now().UnixMilli(),
	})
	reqCtx, cancel := context.WithTimeout(ctx, protocol.RequestTimeout)
	defer cancel()
	_, err := c.ch.SendRequest(reqCtx, "POST", "/identify-gateway", nil, body)
	time.Sleep(identifySettleDelay)
	return err
}

// SendRequest forwards to the channel, connecting first if needed.
func (c *Connection) SendRequest(ctx context.Context, method, path string, headers map[string]string, body []byte) (protocol.ResponsePayload, error) {
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return protocol.ResponsePayload{}, err
		}
	}
	c.mu.Lock()
	ch := c.ch
	c.lastUsed = time.Now()
	c.mu.Unlock()
	if ch == nil {
		return protocol.ResponsePayload{}, fmt.Errorf("peer %s has no open channel", c.PublicKey)
	}
	return ch.SendRequest(ctx, method, path, headers, body)
}

// HealthCheck forwards to the channel, connecting first if needed.
func (c *Connection) HealthCheck(ctx context.Context) (protocol.HealthResponsePayload, error) {
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return protocol.HealthResponsePayload{}, err
		}
	}
	c.mu.Lock()
	ch := c.ch
	c.lastUsed = time.Now()
	c.mu.Unlock()
	if ch == nil {
		return protocol.HealthResponsePayload{}, fmt.Errorf("peer %s has no open channel", c.PublicKey)
	}
	return ch.SendHealthCheck(ctx)
}

// Destroy tears down the channel and stream. Idempotent.
func (c *Connection) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	c.state = StateClosed
}
