package swarm

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICDialer is a concrete Dialer for "quic-direct" mode: a pre-shared
// rendezvous address stands in for real DHT discovery, adapted from
// pkg/transport/quic.go. JoinTopic/JoinPeer are no-ops since there is no
// discovery step to perform; DialPeer opens one bidirectional stream per
// call over a shared (lazily dialed) QUIC connection to that address.
type QUICDialer struct {
	addr       string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	mu   sync.Mutex
	conn quic.Connection
}

// NewQUICDialer creates a dialer that opens streams to addr on demand.
func NewQUICDialer(addr string, tlsConfig *tls.Config) *QUICDialer {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &QUICDialer{
		addr:      addr,
		tlsConfig: tlsConfig,
		quicConfig: &quic.Config{
			MaxIncomingStreams:   1,
			MaxIncomingUniStreams: 0,
			KeepAlivePeriod:      10 * time.Second,
			MaxIdleTimeout:       30 * time.Second,
		},
	}
}

func (d *QUICDialer) JoinTopic(ctx context.Context, topic [32]byte) error { return nil }

func (d *QUICDialer) JoinPeer(ctx context.Context, pk PublicKey) error { return nil }

func (d *QUICDialer) LeavePeer(pk PublicKey) error { return nil }

// DialPeer ignores pk's identity beyond error messages: direct mode has
// exactly one configured rendezvous address, shared by every peer key, and
// opens a fresh bidirectional stream over the (possibly reused) connection
// to it.
func (d *QUICDialer) DialPeer(ctx context.Context, pk PublicKey) (io.ReadWriteCloser, error) {
	conn, err := d.connection(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", pk, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream to peer %s: %w", pk, err)
	}
	return stream, nil
}

func (d *QUICDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn.CloseWithError(0, "dialer closed")
	}
	return nil
}

func (d *QUICDialer) connection(ctx context.Context) (quic.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		select {
		case <-d.conn.Context().Done():
			d.conn = nil
		default:
			return d.conn, nil
		}
	}

	conn, err := quic.DialAddr(ctx, d.addr, d.tlsConfig, d.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", d.addr, err)
	}
	d.conn = conn
	return conn, nil
}
