package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hypertuna/relay-gateway/internal/config"
	"github.com/hypertuna/relay-gateway/internal/health"
	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/pool"
	"github.com/hypertuna/relay-gateway/internal/rpcclient"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

// Gateway is the process-wide dispatch object: it replaces the
// teacher's module-level globals (ConnectionManager's package state in
// relay/server) with one struct holding every mutable map, per the
// ambient-stack note against global state in this codebase.
type Gateway struct {
	cfg  *config.Config
	log  *logging.Logger
	pool *pool.Pool
	health *health.Manager

	upgrader websocket.Upgrader
	server   *http.Server

	startedAt time.Time

	mu      sync.RWMutex
	peers   map[swarm.PublicKey]*PeerRecord
	relays  map[string]*RelayRecord

	sessMu   sync.Mutex
	sessions map[string]*WsSession

	joinMu   sync.Mutex
	joins    map[string]*joinSession

	statsMirror StatsMirror
	registry    Registry
}

// StatsMirror is the optional external mirror of network_stats.json
// (§4.5's "trigger an external mirror"); nil disables it.
type StatsMirror interface {
	Publish(ctx context.Context, snapshot []byte) error
}

// Registry is the optional registration audit trail; nil disables it.
type Registry interface {
	RecordRegistration(ctx context.Context, pk swarm.PublicKey, mode string, relays []string) error
}

// New builds a Gateway bound to the given pool and health manager.
func New(cfg *config.Config, log *logging.Logger, p *pool.Pool, h *health.Manager, mirror StatsMirror, registry Registry) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		log:    log.With("gateway"),
		pool:   p,
		health: h,
		startedAt: time.Now(),
		peers:  make(map[swarm.PublicKey]*PeerRecord),
		relays: make(map[string]*RelayRecord),
		sessions: make(map[string]*WsSession),
		joins:  make(map[string]*joinSession),
		statsMirror: mirror,
		registry:    registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	return g
}

// Handler returns the root HTTP handler for the gateway's listener.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.routeRequest)
	return mux
}

// ListenAndServe starts the HTTP(S) listener per §6.
func (g *Gateway) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Server.ListenHost, g.cfg.Server.Port)
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.log.Info("gateway listening", logging.Fields{"addr": addr})

	if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
		return g.server.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
	}
	return g.server.ListenAndServe()
}

// Shutdown gracefully stops the gateway, per the CLI's SIGINT handling:
// WS clients are sent a normal close frame first, since hijacked
// WebSocket connections are invisible to http.Server.Shutdown, then the
// peer pool is destroyed, and the listener is stopped last.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeAllSessions()
	g.pool.Destroy()
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// routeRequest is the single entrypoint mux.HandleFunc("/", ...) installs;
// it distinguishes WS upgrades, gateway-local endpoints, and ordinary
// HTTP passthrough.
func (g *Gateway) routeRequest(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		g.handleWebSocketUpgrade(w, r)
		return
	}

	switch {
	case r.URL.Path == "/":
		g.handleLiveness(w, r)
	case r.URL.Path == "/health":
		g.handleHealthEndpoint(w, r)
	case r.URL.Path == "/register" && r.Method == http.MethodPost:
		g.handleRegister(w, r)
	case strings.HasPrefix(r.URL.Path, "/post/join/"):
		g.handleJoinChallenge(w, r)
	case strings.HasPrefix(r.URL.Path, "/callback/verify-ownership/"):
		g.handleCallback(w, r, "verify-ownership")
	case strings.HasPrefix(r.URL.Path, "/callback/finalize-auth/"):
		g.handleCallback(w, r, "finalize-auth")
	case strings.HasPrefix(r.URL.Path, "/drive/"):
		g.handleDriveFile(w, r)
	case r.URL.Path == "/debug/connections":
		g.handleDebugConnections(w, r)
	default:
		g.handlePassthrough(w, r)
	}
}

func (g *Gateway) handleLiveness(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	peers := len(g.peers)
	relays := len(g.relays)
	g.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"peers":     peers,
		"relays":    relays,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (g *Gateway) handleHealthEndpoint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"mode":   string(ModeHyperswarm),
	})
}

func (g *Gateway) handleDebugConnections(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	peerList := make([]map[string]interface{}, 0, len(g.peers))
	for pk, rec := range g.peers {
		peerList = append(peerList, map[string]interface{}{
			"publicKey": pk.String(),
			"mode":      rec.Mode,
			"healthy":   g.health.IsPeerHealthy(pk),
			"lastSeen":  rec.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers":  peerList,
		"relays": len(g.relays),
	})
}

// handlePassthrough implements §4.5's ordinary HTTP dispatch: pick a
// random healthy peer, forward the request verbatim.
func (g *Gateway) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	pk, ok := g.anyHealthyHyperswarmPeer()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "no healthy peers available")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	conn, err := g.pool.GetConnection(r.Context(), pk)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "peer unavailable: "+err.Error())
		return
	}

	headers := flattenHeader(r.Header)
	resp, err := rpcclient.ForwardHTTP(r.Context(), conn, r.Method, r.URL.RequestURI(), headers, body)
	if err != nil {
		g.health.RecordFailure(pk)
		writeJSONError(w, http.StatusBadGateway, "peer request failed: "+err.Error())
		return
	}

	g.touchPeerLastSeen(pk)

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(int(resp.StatusCode))
	w.Write(resp.Body)
}

// anyHealthyHyperswarmPeer picks uniformly at random among every peer
// the health manager currently considers healthy.
func (g *Gateway) anyHealthyHyperswarmPeer() (swarm.PublicKey, bool) {
	g.mu.RLock()
	candidates := make([]swarm.PublicKey, 0, len(g.peers))
	for pk, rec := range g.peers {
		if rec.Mode == ModeHyperswarm {
			candidates = append(candidates, pk)
		}
	}
	g.mu.RUnlock()

	var healthy []swarm.PublicKey
	for _, pk := range candidates {
		if g.health.IsPeerHealthy(pk) {
			healthy = append(healthy, pk)
		}
	}
	if len(healthy) == 0 {
		return swarm.PublicKey{}, false
	}
	return healthy[rand.Intn(len(healthy))], true
}

func (g *Gateway) touchPeerLastSeen(pk swarm.PublicKey) {
	g.mu.Lock()
	if rec, ok := g.peers[pk]; ok {
		rec.LastSeen = time.Now()
	}
	g.mu.Unlock()
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
