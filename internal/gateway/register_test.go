package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hypertuna/relay-gateway/internal/config"
	"github.com/hypertuna/relay-gateway/internal/health"
	"github.com/hypertuna/relay-gateway/internal/pool"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

func TestHandleRegisterCreatesPeerAndMarksHealthy(t *testing.T) {
	dialer := swarm.NewNullDialer()
	p := pool.New(dialer, testLogger(t), "")
	h := health.New(p, testLogger(t))
	g := New(&config.Config{}, testLogger(t), p, h, nil, nil)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	var pk swarm.PublicKey
	pk[0] = 0x40
	registerAuthFailingPeer(dialer, pk)

	body, _ := json.Marshal(map[string]interface{}{
		"publicKey": pk.String(),
		"mode":      "hyperswarm",
		"relays":    []string{"relay-a"},
	})

	resp, err := http.Post(srv.URL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["status"] != "active" {
		t.Fatalf("unexpected status field: %v", out)
	}
	if out["driveKey"] == "" || out["driveKey"] == nil {
		t.Fatal("expected a non-empty driveKey")
	}

	if !h.IsPeerHealthy(pk) {
		t.Fatal("expected peer to be marked healthy immediately after registering")
	}

	g.mu.RLock()
	rr, ok := g.relays["relay-a"]
	g.mu.RUnlock()
	if !ok {
		t.Fatal("expected relay-a to be created")
	}
	found := false
	for _, candidate := range rr.peerList() {
		if candidate == pk {
			found = true
		}
	}
	if !found {
		t.Fatal("expected peer to be attached to relay-a")
	}

	time.Sleep(3 * time.Second)
}

func TestHandleRegisterRejectsMissingPublicKey(t *testing.T) {
	dialer := swarm.NewNullDialer()
	p := pool.New(dialer, testLogger(t), "")
	h := health.New(p, testLogger(t))
	g := New(&config.Config{}, testLogger(t), p, h, nil, nil)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/register", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
