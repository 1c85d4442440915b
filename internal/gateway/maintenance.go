package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

const (
	cleanupInterval      = 60 * time.Second
	circuitRecheckInterval = 30 * time.Second
)

// RunMaintenance starts the two background loops of §4.5's "Background
// maintenance" bullet; it blocks until ctx is cancelled.
func (g *Gateway) RunMaintenance(ctx context.Context) {
	go g.cleanupLoop(ctx)
	go g.circuitRecheckLoop(ctx)
	<-ctx.Done()
}

func (g *Gateway) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cleanupInactivePeers(ctx)
			g.pool.SweepStale()
		}
	}
}

func (g *Gateway) circuitRecheckLoop(ctx context.Context) {
	ticker := time.NewTicker(circuitRecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.recheckCircuits(ctx)
		}
	}
}

// cleanupInactivePeers re-checks every peer currently marked unhealthy;
// any still failing is dropped from every RelayRecord and its pool
// connection closed, per §4.5.
func (g *Gateway) cleanupInactivePeers(ctx context.Context) {
	g.mu.RLock()
	var unhealthy []swarm.PublicKey
	for pk := range g.peers {
		if !g.health.IsPeerHealthy(pk) {
			unhealthy = append(unhealthy, pk)
		}
	}
	g.mu.RUnlock()

	changed := false
	for _, pk := range unhealthy {
		if g.health.CheckPeerHealth(ctx, pk) {
			continue
		}
		g.removePeer(pk)
		changed = true
	}

	if changed {
		g.publishStatsSnapshot(ctx)
	}
}

func (g *Gateway) removePeer(pk swarm.PublicKey) {
	g.mu.Lock()
	delete(g.peers, pk)
	for _, rr := range g.relays {
		rr.removePeer(pk)
	}
	for id, rr := range g.relays {
		if len(rr.peerList()) == 0 {
			delete(g.relays, id)
		}
	}
	g.mu.Unlock()

	g.pool.CloseConnection(pk)
	g.health.Forget(pk)
}

// recheckCircuits attempts a breaker reset and re-check for every
// hyperswarm peer whose circuit has matured, per §4.5's 30s loop.
func (g *Gateway) recheckCircuits(ctx context.Context) {
	g.mu.RLock()
	peers := make([]swarm.PublicKey, 0, len(g.peers))
	for pk, rec := range g.peers {
		if rec.Mode == ModeHyperswarm {
			peers = append(peers, pk)
		}
	}
	g.mu.RUnlock()

	for _, pk := range peers {
		if g.health.AttemptCircuitReset(pk) {
			g.health.CheckPeerHealth(ctx, pk)
		}
	}
}

// networkStats is the JSON shape of §6's persisted network_stats.json.
type networkStats struct {
	ActiveRelays  int                       `json:"active_relays"`
	PeersOnline   int                       `json:"peers_online"`
	HealthMetrics interface{}               `json:"health_metrics"`
	Relays        map[string]relayStatsJSON `json:"relays"`
	GatewayUptimeSeconds float64            `json:"gateway_uptime_seconds"`
	GatewayTimestamp     int64              `json:"gateway_timestamp"`
}

type relayStatsJSON struct {
	Status               string      `json:"status"`
	PreferredRelays       []string    `json:"preferred_relays"`
	TotalPeers            int         `json:"total_peers"`
	HealthyPeers          int         `json:"healthy_peers"`
	ProfileInfo           interface{} `json:"relayProfileInfo,omitempty"`
	HealthPercentage      float64     `json:"health_percentage"`
	LastSuccessfulMessage int64       `json:"last_successful_message,omitempty"`
}

// publishStatsSnapshot regenerates network_stats.json and, if
// configured, forwards it to the external mirror. Called after any
// peer-set change, per §4.5.
func (g *Gateway) publishStatsSnapshot(ctx context.Context) {
	snapshot := g.buildStatsSnapshot()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		g.log.Error("failed to marshal network stats", logging.Fields{"error": err.Error()})
		return
	}

	if g.cfg.Server.WriterDir != "" {
		path := filepath.Join(g.cfg.Server.WriterDir, "network_stats.json")
		if err := os.MkdirAll(g.cfg.Server.WriterDir, 0755); err != nil {
			g.log.Error("failed to create writer dir", logging.Fields{"error": err.Error()})
		} else if err := os.WriteFile(path, data, 0644); err != nil {
			g.log.Error("failed to write network stats", logging.Fields{"error": err.Error()})
		}
	}

	if g.statsMirror != nil {
		mirrorCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := g.statsMirror.Publish(mirrorCtx, data); err != nil {
			g.log.Warn("stats mirror publish failed", logging.Fields{"error": err.Error()})
		}
	}
}

func (g *Gateway) buildStatsSnapshot() networkStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	relaysOut := make(map[string]relayStatsJSON, len(g.relays))
	for id, rr := range g.relays {
		peers := rr.peerList()
		healthy := 0
		for _, pk := range peers {
			if g.health.IsPeerHealthy(pk) {
				healthy++
			}
		}
		pct := 0.0
		if len(peers) > 0 {
			pct = 100 * float64(healthy) / float64(len(peers))
		}

		var lastSuccess int64
		rr.mu.Lock()
		if !rr.LastSuccessfulMessage.IsZero() {
			lastSuccess = rr.LastSuccessfulMessage.UnixMilli()
		}
		status := rr.Status
		profile := rr.ProfileInfo
		rr.mu.Unlock()

		relaysOut[id] = relayStatsJSON{
			Status:                status,
			PreferredRelays:       relayPubkeyStrings(peers),
			TotalPeers:            len(peers),
			HealthyPeers:          healthy,
			ProfileInfo:           profile,
			HealthPercentage:      pct,
			LastSuccessfulMessage: lastSuccess,
		}
	}

	return networkStats{
		ActiveRelays:  len(g.relays),
		PeersOnline:   len(g.peers),
		HealthMetrics: g.health.Snapshot(),
		Relays:        relaysOut,
		GatewayUptimeSeconds: time.Since(g.startedAt).Seconds(),
		GatewayTimestamp:     time.Now().UnixMilli(),
	}
}

func relayPubkeyStrings(peers []swarm.PublicKey) []string {
	out := make([]string, len(peers))
	for i, pk := range peers {
		out[i] = pk.String()
	}
	return out
}
