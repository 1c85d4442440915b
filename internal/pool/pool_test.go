package pool

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hypertuna/relay-gateway/internal/logging"
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

func registerFakePeer(t *testing.T, dialer *swarm.NullDialer, pk swarm.PublicKey) *int32 {
	t.Helper()
	var dials int32
	dialer.Register(pk, func() (io.ReadWriteCloser, error) {
		atomic.AddInt32(&dials, 1)
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
	return &dials
}

func TestPoolGetConnectionSingleFlight(t *testing.T) {
	dialer := swarm.NewNullDialer()
	var pk swarm.PublicKey
	pk[0] = 0x02
	dials := registerFakePeer(t, dialer, pk)

	p := New(dialer, testLogger(t), "")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.GetConnection(context.Background(), pk)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(dials); got != 1 {
		t.Fatalf("dial count = %d, want 1 (single-flight)", got)
	}
}

func TestPoolDestroyClearsConnections(t *testing.T) {
	dialer := swarm.NewNullDialer()
	var pk swarm.PublicKey
	pk[0] = 0x03
	registerFakePeer(t, dialer, pk)

	p := New(dialer, testLogger(t), "")
	if _, err := p.GetConnection(context.Background(), pk); err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if len(p.Snapshot()) != 1 {
		t.Fatalf("expected 1 tracked connection before destroy")
	}

	p.Destroy()
	if len(p.Snapshot()) != 0 {
		t.Fatalf("expected 0 tracked connections after destroy")
	}
}
