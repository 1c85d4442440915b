package health

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/pool"
	"github.com/hypertuna/relay-gateway/internal/protocol"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New("test", logging.ERROR, "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log
}

// healthyPeer registers a stream factory that answers every health check
// with "healthy".
func healthyPeer(dialer *swarm.NullDialer, pk swarm.PublicKey) {
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
		}()
		return clientConn, nil
	})
}

// unhealthyPeer registers a factory whose stream never answers the
// handshake, so every dial eventually errors via handshake timeout.
func unhealthyPeer(dialer *swarm.NullDialer, pk swarm.PublicKey) {
	dialer.Register(pk, func() (io.ReadWriteCloser, error) {
		clientConn, _ := net.Pipe()
		return clientConn, nil
	})
}

func TestCheckPeerHealthMarksHealthy(t *testing.T) {
	dialer := swarm.NewNullDialer()
	var pk swarm.PublicKey
	pk[0] = 0x10
	healthyPeer(dialer, pk)

	p := pool.New(dialer, testLogger(t), "")
	m := New(p, testLogger(t))

	ok := m.CheckPeerHealth(context.Background(), pk)
	if !ok {
		t.Fatal("expected health check to succeed")
	}
	if !m.IsPeerHealthy(pk) {
		t.Fatal("expected peer to be healthy after successful check")
	}
}

func TestCircuitBreakerOpensAfterThreeFailures(t *testing.T) {
	dialer := swarm.NewNullDialer()
	var pk swarm.PublicKey
	pk[0] = 0x11
	unhealthyPeer(dialer, pk)

	p := pool.New(dialer, testLogger(t), "")
	m := New(p, testLogger(t))

	for i := 0; i < circuitBreakerThreshold; i++ {
		if m.CheckPeerHealth(context.Background(), pk) {
			t.Fatalf("check %d unexpectedly succeeded", i)
		}
	}

	if !m.IsCircuitBroken(pk) {
		t.Fatal("expected circuit to be broken after threshold failures")
	}
	if m.IsPeerHealthy(pk) {
		t.Fatal("circuit-broken peer must not be reported healthy")
	}
}

func TestAttemptCircuitResetRequiresMaturity(t *testing.T) {
	dialer := swarm.NewNullDialer()
	var pk swarm.PublicKey
	pk[0] = 0x12
	unhealthyPeer(dialer, pk)

	p := pool.New(dialer, testLogger(t), "")
	m := New(p, testLogger(t))

	for i := 0; i < circuitBreakerThreshold; i++ {
		m.CheckPeerHealth(context.Background(), pk)
	}
	if !m.IsCircuitBroken(pk) {
		t.Fatal("expected circuit broken")
	}

	if m.AttemptCircuitReset(pk) {
		t.Fatal("reset should fail before circuitBreakerTimeout has elapsed")
	}
}

func TestFindHealthyPeerForRelayPrefersAlreadyHealthy(t *testing.T) {
	dialer := swarm.NewNullDialer()
	var healthy, unhealthyPk swarm.PublicKey
	healthy[0] = 0x20
	unhealthyPk[0] = 0x21
	healthyPeer(dialer, healthy)
	unhealthyPeer(dialer, unhealthyPk)

	p := pool.New(dialer, testLogger(t), "")
	m := New(p, testLogger(t))

	m.CheckPeerHealth(context.Background(), healthy)
	m.CheckPeerHealth(context.Background(), unhealthyPk)

	pk, ok := m.FindHealthyPeerForRelay(context.Background(), []swarm.PublicKey{unhealthyPk, healthy}, false)
	if !ok {
		t.Fatal("expected a healthy peer to be found")
	}
	if pk != healthy {
		t.Fatalf("got %s, want the healthy peer", pk)
	}
}
