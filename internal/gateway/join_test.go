package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hypertuna/relay-gateway/internal/config"
	"github.com/hypertuna/relay-gateway/internal/health"
	"github.com/hypertuna/relay-gateway/internal/pool"
	"github.com/hypertuna/relay-gateway/internal/protocol"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

func newJoinTestGateway(t *testing.T) (*Gateway, swarm.PublicKey) {
	t.Helper()
	dialer := swarm.NewNullDialer()
	var pk swarm.PublicKey
	pk[0] = 0x31
	registerJoinPeer(dialer, pk)

	p := pool.New(dialer, testLogger(t), "")
	h := health.New(p, testLogger(t))
	h.MarkHealthyNow(pk)

	g := New(&config.Config{}, testLogger(t), p, h, nil, nil)
	g.peers[pk] = &PeerRecord{PublicKey: pk, Mode: ModeHyperswarm, LastSeen: time.Now()}
	rr := newRelayRecord()
	rr.addPeer(pk)
	g.relays["relay1"] = rr

	return g, pk
}

// registerJoinPeer wires a fake backend peer that answers join-challenge
// and callback verbs the way a real relay peer would.
func registerJoinPeer(dialer *swarm.NullDialer, pk swarm.PublicKey) {
	dialer.Register(pk, func() (io.ReadWriteCloser, error) {
		clientConn, serverConn := net.Pipe()
		go func() {
			ch, _, err := protocol.Open(context.Background(), serverConn,
				protocol.Handshake{Version: protocol.HandshakeVersion, Role: protocol.RoleServer}, time.Second)
			if err != nil {
				return
			}
			ch.HandleFunc("/identify-gateway", func(req protocol.RequestPayload, params, query map[string]string) protocol.ResponsePayload {
				return protocol.ResponsePayload{StatusCode: 200}
			})
			ch.HandleFunc("/post/join/:id", func(req protocol.RequestPayload, params, query map[string]string) protocol.ResponsePayload {
				return protocol.ResponsePayload{StatusCode: 200, Body: []byte(`{"challenge":"prove-it"}`)}
			})
			ch.HandleFunc("/verify-ownership", func(req protocol.RequestPayload, params, query map[string]string) protocol.ResponsePayload {
				return protocol.ResponsePayload{StatusCode: 200, Body: []byte(`{"token":"tok-123"}`)}
			})
			ch.HandleFunc("/finalize-auth", func(req protocol.RequestPayload, params, query map[string]string) protocol.ResponsePayload {
				return protocol.ResponsePayload{StatusCode: 200, Body: []byte(`{"status":"finalized"}`)}
			})
		}()
		return clientConn, nil
	})
}

func TestJoinChallengeAndCallbackFlow(t *testing.T) {
	g, _ := newJoinTestGateway(t)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	joinBody := bytes.NewBufferString(`{"event":{"kind":22242}}`)
	resp, err := http.Post(srv.URL+"/post/join/abc123", "application/json", joinBody)
	if err != nil {
		t.Fatalf("post join: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d, want 200", resp.StatusCode)
	}
	joinRaw, _ := io.ReadAll(resp.Body)
	var joinOut map[string]interface{}
	if err := json.Unmarshal(joinRaw, &joinOut); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	if joinOut["challenge"] != "prove-it" {
		t.Fatalf("unexpected join response: %v", joinOut)
	}

	verifyResp, err := http.Post(srv.URL+"/callback/verify-ownership/abc123", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("post verify-ownership: %v", err)
	}
	defer verifyResp.Body.Close()
	if verifyResp.StatusCode != http.StatusOK {
		t.Fatalf("verify-ownership status = %d, want 200", verifyResp.StatusCode)
	}

	g.joinMu.Lock()
	var tokenSet bool
	for _, js := range g.joins {
		if js.token == "tok-123" {
			tokenSet = true
		}
	}
	g.joinMu.Unlock()
	if !tokenSet {
		t.Fatal("expected join session token to be recorded after verify-ownership")
	}

	finalResp, err := http.Post(srv.URL+"/callback/finalize-auth/abc123", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("post finalize-auth: %v", err)
	}
	defer finalResp.Body.Close()
	if finalResp.StatusCode != http.StatusOK {
		t.Fatalf("finalize-auth status = %d, want 200", finalResp.StatusCode)
	}
}

func TestCallbackUnknownSessionRejected(t *testing.T) {
	g, _ := newJoinTestGateway(t)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/callback/verify-ownership/does-not-exist", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
