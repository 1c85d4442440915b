package swarm

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// NullDialer is a discovery-less Dialer stub: streams must be registered
// in advance via Register. It exists for tests and for a gateway run with
// no real swarm layer available (e.g. against pre-established tunnels).
type NullDialer struct {
	mu      sync.Mutex
	topics  map[[32]byte]bool
	joined  map[PublicKey]bool
	streams map[PublicKey]func() (io.ReadWriteCloser, error)
}

// NewNullDialer creates an empty NullDialer.
func NewNullDialer() *NullDialer {
	return &NullDialer{
		topics:  make(map[[32]byte]bool),
		joined:  make(map[PublicKey]bool),
		streams: make(map[PublicKey]func() (io.ReadWriteCloser, error)),
	}
}

// Register installs a stream factory invoked each time DialPeer(pk) is
// called. Tests typically supply a factory that hands out one end of a
// net.Pipe and spins up a fake peer on the other end.
func (d *NullDialer) Register(pk PublicKey, factory func() (io.ReadWriteCloser, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[pk] = factory
}

func (d *NullDialer) JoinTopic(ctx context.Context, topic [32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topics[topic] = true
	return nil
}

func (d *NullDialer) JoinPeer(ctx context.Context, pk PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joined[pk] = true
	return nil
}

func (d *NullDialer) LeavePeer(pk PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.joined, pk)
	return nil
}

func (d *NullDialer) DialPeer(ctx context.Context, pk PublicKey) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	factory, ok := d.streams[pk]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no stream registered for peer %s", pk)
	}
	return factory()
}

func (d *NullDialer) Close() error { return nil }
