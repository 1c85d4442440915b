package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/rpcclient"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

const (
	authFailureCloseCode = 4403
	pollStartInterval    = 10 * time.Second
	pollMaxInterval      = 30 * time.Second
	pollBackoffFactor    = 1.5
	pollMissesBeforeNotice = 1
	pollMissesBeforeReset  = 5
)

// WsSession is §3's WsSession: one per client WS connection.
type WsSession struct {
	g             *Gateway
	conn          *websocket.Conn
	relayID       string
	authToken     string
	connectionKey string
	queue         *MessageQueue

	writeMu sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// handleWebSocketUpgrade implements the WS bridge's upgrade step of
// §4.5 and §6: path segments 1[/2] name the relayId, ?token=... is the
// auth token.
func (g *Gateway) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	segs := splitNonEmpty(r.URL.Path)
	if len(segs) == 0 {
		http.Error(w, "invalid relay key", http.StatusBadRequest)
		return
	}

	relayID := segs[0]
	if len(segs) >= 2 {
		relayID = segs[0] + ":" + segs[1]
	}

	g.mu.RLock()
	_, known := g.relays[relayID]
	g.mu.RUnlock()
	if !known {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1008, "Invalid relay key"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}

	connectionKey, err := randomHexID(16)
	if err != nil {
		conn.Close()
		return
	}

	sess := &WsSession{
		g:             g,
		conn:          conn,
		relayID:       relayID,
		authToken:     r.URL.Query().Get("token"),
		connectionKey: connectionKey,
		done:          make(chan struct{}),
	}
	sess.queue = NewMessageQueue(sess.processFrame)

	g.sessMu.Lock()
	g.sessions[connectionKey] = sess
	g.sessMu.Unlock()

	go sess.eventPollLoop()
	sess.readLoop()
}

func splitNonEmpty(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (s *WsSession) readLoop() {
	defer s.close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.queue.Enqueue(data)
	}
}

func (s *WsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.queue.Clear()
		s.g.sessMu.Lock()
		delete(s.g.sessions, s.connectionKey)
		s.g.sessMu.Unlock()
		s.conn.Close()
	})
}

func (s *WsSession) closeWithCode(code int, reason string) {
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.close()
}

// closeAllSessions sends every connected WS client a normal close frame,
// draining the session table before the listener stops, per §6's
// graceful-shutdown ordering.
func (g *Gateway) closeAllSessions() {
	g.sessMu.Lock()
	sessions := make([]*WsSession, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.sessMu.Unlock()

	for _, s := range sessions {
		s.closeWithCode(websocket.CloseNormalClosure, "gateway shutting down")
	}
}

func (s *WsSession) emit(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}
	return s.conn.WriteJSON(v)
}

// processFrame implements §4.5's MessageQueue.process: forward one
// inbound WS frame to a healthy peer and re-emit each response line.
func (s *WsSession) processFrame(frame []byte) error {
	g := s.g
	pk, ok := g.anyHealthyPeerForRelay(s.relayID, false)
	if !ok {
		s.emit([]interface{}{"NOTICE", "No healthy peers available for this relay"})
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := g.pool.GetConnection(ctx, pk)
	if err != nil {
		return err
	}

	lines, err := rpcclient.RelayFrame(ctx, conn, s.relayID, s.connectionKey, s.authToken, frame)
	if err != nil {
		g.health.RecordFailure(pk)
		return err
	}

	for _, line := range lines {
		if rpcclient.IsAuthFailureLine(line) {
			s.closeWithCode(authFailureCloseCode, "Authentication failed")
			return nil
		}
		var v interface{}
		if err := json.Unmarshal(line, &v); err != nil {
			continue
		}
		s.emit(v)
	}
	return nil
}

// eventPollLoop implements §4.5's per-connection event poller.
func (s *WsSession) eventPollLoop() {
	interval := pollStartInterval
	consecutiveFailures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
		}

		select {
		case <-s.done:
			return
		default:
		}

		g := s.g
		forceRecheck := consecutiveFailures >= 3
		pk, ok := g.anyHealthyPeerForRelay(s.relayID, forceRecheck)
		if !ok {
			consecutiveFailures++
			interval = nextInterval(interval)
			if consecutiveFailures == pollMissesBeforeNotice {
				s.emit([]interface{}{"NOTICE", "No healthy peers available for this relay"})
			}
			if consecutiveFailures >= pollMissesBeforeReset {
				g.resetRelayPeers(s.relayID)
			}
			timer.Reset(interval)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := g.pool.GetConnection(ctx, pk)
		var events []json.RawMessage
		if err == nil {
			events, err = rpcclient.PollEvents(ctx, conn, s.relayID, s.connectionKey, s.authToken)
		}
		cancel()

		if err != nil {
			g.health.RecordFailure(pk)
			consecutiveFailures++
			interval = nextInterval(interval)
			timer.Reset(interval)
			continue
		}

		for _, ev := range events {
			var v interface{}
			if json.Unmarshal(ev, &v) == nil {
				s.emit(v)
			}
		}

		consecutiveFailures = 0
		interval = pollStartInterval
		g.touchRelaySuccess(s.relayID)
		timer.Reset(interval)
	}
}

func nextInterval(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * pollBackoffFactor)
	if next > pollMaxInterval {
		next = pollMaxInterval
	}
	return next
}

// anyHealthyPeerForRelay implements §4.4's findHealthyPeerForRelay,
// scoped to one relay's candidate peer set.
func (g *Gateway) anyHealthyPeerForRelay(relayID string, forceRecheck bool) (swarm.PublicKey, bool) {
	g.mu.RLock()
	rr, ok := g.relays[relayID]
	g.mu.RUnlock()
	if !ok {
		return swarm.PublicKey{}, false
	}

	var candidates []swarm.PublicKey
	g.mu.RLock()
	for _, pk := range rr.peerList() {
		if rec, ok := g.peers[pk]; ok && rec.Mode == ModeHyperswarm {
			candidates = append(candidates, pk)
		}
	}
	g.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.health.FindHealthyPeerForRelay(ctx, candidates, forceRecheck)
}

func (g *Gateway) touchRelaySuccess(relayID string) {
	g.mu.RLock()
	rr, ok := g.relays[relayID]
	g.mu.RUnlock()
	if ok {
		rr.mu.Lock()
		rr.LastSuccessfulMessage = time.Now()
		rr.mu.Unlock()
	}
}

// resetRelayPeers closes every pool connection for peers in relayID and
// clears their failure counts/breakers, a cold-start recovery per
// §4.5's 5-consecutive-miss rule.
func (g *Gateway) resetRelayPeers(relayID string) {
	g.mu.RLock()
	rr, ok := g.relays[relayID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	for _, pk := range rr.peerList() {
		g.pool.CloseConnection(pk)
		g.health.Forget(pk)
	}
}
