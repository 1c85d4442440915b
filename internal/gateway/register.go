package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

type registerRequest struct {
	PublicKey        string        `json:"publicKey"`
	Mode             string        `json:"mode"`
	Relays           []string      `json:"relays"`
	RelayProfileInfo interface{}   `json:"relayProfileInfo,omitempty"`
}

// handleRegister implements POST /register of §4.5.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PublicKey == "" {
		writeJSONError(w, http.StatusBadRequest, "missing publicKey")
		return
	}

	pk, err := swarm.ParsePublicKey(req.PublicKey)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid publicKey: "+err.Error())
		return
	}

	mode := PeerMode(req.Mode)
	if mode == "" {
		mode = ModeHyperswarm
	}

	driveKey, err := randomHexID(32)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to allocate drive key")
		return
	}

	g.mu.Lock()
	rec, existed := g.peers[pk]
	if !existed {
		rec = &PeerRecord{PublicKey: pk, RegisteredAt: time.Now(), DriveKey: driveKey}
		g.peers[pk] = rec
	}
	rec.Mode = mode
	rec.LastSeen = time.Now()

	for _, relayID := range req.Relays {
		rr, ok := g.relays[relayID]
		if !ok {
			rr = newRelayRecord()
			g.relays[relayID] = rr
		}
		if req.RelayProfileInfo != nil {
			rr.ProfileInfo = req.RelayProfileInfo
		}
		rr.addPeer(pk)
	}
	g.mu.Unlock()

	if mode == ModeHyperswarm {
		// Pre-populate a healthy marker to avoid a "no healthy peers" race
		// on an immediate first request, per §4.5.
		g.health.MarkHealthyNow(pk)

		go func() {
			time.Sleep(2 * time.Second)
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if _, err := g.pool.GetConnection(ctx, pk); err != nil {
				g.log.Warn("background dial after registration failed", logging.Fields{
					"peer":  pk.String(),
					"error": err.Error(),
				})
			}
		}()
	}

	if g.registry != nil {
		if err := g.registry.RecordRegistration(r.Context(), pk, string(mode), req.Relays); err != nil {
			g.log.Warn("registration audit write failed", logging.Fields{"error": err.Error()})
		}
	}

	g.publishStatsSnapshot(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "registered",
		"driveKey": rec.DriveKey,
		"status":   "active",
		"mode":     mode,
	})
}
