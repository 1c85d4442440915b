package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hypertuna/relay-gateway/internal/rpcclient"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

const joinSessionTTL = 5 * time.Minute

// joinSession is the process-wide record §4.5 stores keyed by
// "${pubkey}-${identifier}".
type joinSession struct {
	peerPublicKey swarm.PublicKey
	token         string
	createdAt     time.Time
}

func joinSessionKey(pk swarm.PublicKey, identifier string) string {
	return pk.String() + "-" + identifier
}

// sweepExpiredJoins drops every join session older than joinSessionTTL.
// Called at the start of each new join, per §4.5.
func (g *Gateway) sweepExpiredJoins() {
	g.joinMu.Lock()
	defer g.joinMu.Unlock()
	for k, js := range g.joins {
		if time.Since(js.createdAt) > joinSessionTTL {
			delete(g.joins, k)
		}
	}
}

// handleJoinChallenge implements POST /post/join/:identifier of §4.5.
func (g *Gateway) handleJoinChallenge(w http.ResponseWriter, r *http.Request) {
	g.sweepExpiredJoins()

	identifier := strings.TrimPrefix(r.URL.Path, "/post/join/")
	if identifier == "" {
		writeJSONError(w, http.StatusBadRequest, "missing join identifier")
		return
	}

	var body struct {
		Event json.RawMessage `json:"event"`
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pk, ok := g.anyHealthyHyperswarmPeer()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "no healthy peers available")
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, r.Host)
	callbackURLs := map[string]string{
		"verifyUrl": base + "/callback/verify-ownership/" + identifier,
		"finalUrl":  base + "/callback/finalize-auth/" + identifier,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	conn, err := g.pool.GetConnection(ctx, pk)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "peer unavailable: "+err.Error())
		return
	}

	resp, err := rpcclient.ForwardJoin(ctx, conn, identifier, body.Event, callbackURLs)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "join proxy failed: "+err.Error())
		return
	}

	g.joinMu.Lock()
	g.joins[joinSessionKey(pk, identifier)] = &joinSession{peerPublicKey: pk, createdAt: time.Now()}
	g.joinMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// handleCallback implements /callback/verify-ownership/:id and
// /callback/finalize-auth/:id of §4.5.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request, verb string) {
	identifier := strings.TrimPrefix(r.URL.Path, "/callback/"+verb+"/")
	if identifier == "" {
		writeJSONError(w, http.StatusBadRequest, "missing callback identifier")
		return
	}

	g.joinMu.Lock()
	var found *joinSession
	var foundKey string
	for k, js := range g.joins {
		if strings.HasSuffix(k, "-"+identifier) {
			found = js
			foundKey = k
			break
		}
	}
	g.joinMu.Unlock()

	if found == nil {
		writeJSONError(w, http.StatusBadRequest, "unknown or expired join session")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	conn, err := g.pool.GetConnection(ctx, found.peerPublicKey)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "peer unavailable: "+err.Error())
		return
	}

	resp, err := rpcclient.ForwardCallback(ctx, conn, verb, body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "callback proxy failed: "+err.Error())
		return
	}

	switch verb {
	case "verify-ownership":
		var parsed struct {
			Token string `json:"token"`
		}
		if json.Unmarshal(resp, &parsed) == nil && parsed.Token != "" {
			g.joinMu.Lock()
			if js, ok := g.joins[foundKey]; ok {
				js.token = parsed.Token
			}
			g.joinMu.Unlock()
		}
	case "finalize-auth":
		g.joinMu.Lock()
		delete(g.joins, foundKey)
		g.joinMu.Unlock()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// handleDriveFile implements GET /drive/:id/:file of §4.5/§4.6.
func (g *Gateway) handleDriveFile(w http.ResponseWriter, r *http.Request) {
	segs := strings.Split(strings.TrimPrefix(r.URL.Path, "/drive/"), "/")
	if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid drive path")
		return
	}
	relayID, file := segs[0], strings.Join(segs[1:], "/")

	pk, ok := g.anyHealthyHyperswarmPeer()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "no healthy peers available")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	conn, err := g.pool.GetConnection(ctx, pk)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "peer unavailable: "+err.Error())
		return
	}

	resp, err := rpcclient.File(ctx, conn, relayID, file)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "file fetch failed: "+err.Error())
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
