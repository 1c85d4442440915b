package protocol

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// RPC timeouts per §5.
const (
	RequestTimeout     = 30 * time.Second
	HealthCheckTimeout = 5 * time.Second
)

// openStreams guards against opening more than one Channel on the same
// underlying stream (§4.1: "duplicate open is a hard error").
var (
	openStreamsMu sync.Mutex
	openStreams   = map[io.ReadWriteCloser]bool{}
)

// Channel is a multiplexed duplex message channel over a byte stream,
// carrying the six message types of §4.1 with request/response
// correlation. One Channel owns exactly one underlying stream.
type Channel struct {
	stream io.ReadWriteCloser
	local  Handshake
	remote Handshake

	writeMu sync.Mutex

	nextID uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan Frame

	routes *routeTable

	onWsFrame   func(RawEvent)
	onTelemetry func(RawEvent)

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Open performs the handshake preamble on stream and, on success, starts
// the channel's reader goroutine. Close or error during handshake fails
// the dial; opening a second channel on the same stream is a hard error.
func Open(ctx context.Context, stream io.ReadWriteCloser, local Handshake, handshakeTimeout time.Duration) (*Channel, Handshake, error) {
	openStreamsMu.Lock()
	if openStreams[stream] {
		openStreamsMu.Unlock()
		return nil, Handshake{}, ErrDuplicateOpen
	}
	openStreams[stream] = true
	openStreamsMu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	remote, err := exchangeHandshake(hctx, stream, local)
	if err != nil {
		openStreamsMu.Lock()
		delete(openStreams, stream)
		openStreamsMu.Unlock()
		return nil, Handshake{}, err
	}

	ch := &Channel{
		stream:  stream,
		local:   local,
		remote:  remote,
		pending: make(map[uint32]chan Frame),
		routes:  newRouteTable(),
		closed:  make(chan struct{}),
	}
	go ch.readLoop()
	return ch, remote, nil
}

func exchangeHandshake(ctx context.Context, stream io.ReadWriteCloser, local Handshake) (Handshake, error) {
	type result struct {
		hs  Handshake
		err error
	}

	writeDone := make(chan error, 1)
	go func() {
		body, err := json.Marshal(local)
		if err != nil {
			writeDone <- err
			return
		}
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
		if _, err := stream.Write(lenBuf); err != nil {
			writeDone <- err
			return
		}
		_, err = stream.Write(body)
		writeDone <- err
	}()

	readDone := make(chan result, 1)
	go func() {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(stream, lenBuf); err != nil {
			readDone <- result{err: err}
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > MaxMessageSize {
			readDone <- result{err: fmt.Errorf("handshake too large: %d bytes", n)}
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(stream, body); err != nil {
			readDone <- result{err: err}
			return
		}
		var hs Handshake
		if err := json.Unmarshal(body, &hs); err != nil {
			readDone <- result{err: fmt.Errorf("decode handshake: %w", err)}
			return
		}
		readDone <- result{hs: hs}
	}()

	var remote Handshake
	var writeErr, readErr error
	select {
	case writeErr = <-writeDone:
	case <-ctx.Done():
		return Handshake{}, ErrHandshakeTimeout
	}

	select {
	case r := <-readDone:
		remote, readErr = r.hs, r.err
	case <-ctx.Done():
		return Handshake{}, ErrHandshakeTimeout
	}

	if writeErr != nil {
		return Handshake{}, fmt.Errorf("write handshake: %w", writeErr)
	}
	if readErr != nil {
		return Handshake{}, fmt.Errorf("read handshake: %w", readErr)
	}
	return remote, nil
}

// HandleFunc registers a receive-side pattern handler (§4.1 path routing).
func (c *Channel) HandleFunc(pattern string, h HandlerFunc) {
	c.routes.Handle(pattern, h)
}

// OnUnmatchedRequest registers the fallback invoked when an inbound
// request matches no registered pattern.
func (c *Channel) OnUnmatchedRequest(fn func(RequestPayload)) {
	c.routes.OnUnmatched(fn)
}

// OnWsFrame registers the handler for inbound fire-and-forget WsFrame events.
func (c *Channel) OnWsFrame(fn func(RawEvent)) { c.onWsFrame = fn }

// OnTelemetry registers the handler for inbound fire-and-forget Telemetry events.
func (c *Channel) OnTelemetry(fn func(RawEvent)) { c.onTelemetry = fn }

// RemoteHandshake returns the handshake object the peer presented on open.
func (c *Channel) RemoteHandshake() Handshake { return c.remote }

func (c *Channel) allocID() uint32 {
	return atomic.AddUint32(&c.nextID, 1)
}

func (c *Channel) register(id uint32) chan Frame {
	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Channel) unregister(id uint32) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Channel) writeFrame(t MsgType, payload interface{}) error {
	data, err := EncodeFrame(t, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	_, err = c.stream.Write(data)
	return err
}

// SendRequest issues a Request/Response roundtrip (§4.1, message types 0/1).
func (c *Channel) SendRequest(ctx context.Context, method, path string, headers map[string]string, body []byte) (ResponsePayload, error) {
	id := c.allocID()
	respCh := c.register(id)
	defer c.unregister(id)

	req := RequestPayload{ID: id, Method: method, Path: path, Headers: headers, Body: body}
	if err := c.writeFrame(MsgRequest, req); err != nil {
		return ResponsePayload{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	select {
	case frame := <-respCh:
		var resp ResponsePayload
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			return ResponsePayload{}, fmt.Errorf("decode response: %w", err)
		}
		return resp, nil
	case <-timeoutCtx.Done():
		return ResponsePayload{}, ErrRequestTimeout
	case <-c.closed:
		return ResponsePayload{}, ErrChannelClosed
	}
}

// SendHealthCheck issues a HealthCheck/HealthResponse roundtrip (message types 3/4).
func (c *Channel) SendHealthCheck(ctx context.Context) (HealthResponsePayload, error) {
	id := c.allocID()
	respCh := c.register(id)
	defer c.unregister(id)

	hc := HealthCheckPayload{ID: id, Timestamp: timestampMillis(ctx)}
	if err := c.writeFrame(MsgHealthCheck, hc); err != nil {
		return HealthResponsePayload{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	select {
	case frame := <-respCh:
		var resp HealthResponsePayload
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			return HealthResponsePayload{}, fmt.Errorf("decode health response: %w", err)
		}
		return resp, nil
	case <-timeoutCtx.Done():
		return HealthResponsePayload{}, ErrRequestTimeout
	case <-c.closed:
		return HealthResponsePayload{}, ErrChannelClosed
	}
}

// SendWsFrame emits a fire-and-forget WsFrame event (message type 2).
func (c *Channel) SendWsFrame(payload RawEvent) error {
	return c.writeFrame(MsgWsFrame, payload)
}

// SendTelemetry emits a fire-and-forget Telemetry event (message type 5).
func (c *Channel) SendTelemetry(payload RawEvent) error {
	return c.writeFrame(MsgTelemetry, payload)
}

// Close closes the underlying stream and fails all pending RPCs with
// ErrChannelClosed. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.stream.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		openStreamsMu.Lock()
		delete(openStreams, c.stream)
		openStreamsMu.Unlock()
	})
	return c.closeErr
}

// Done returns a channel closed when this Channel has been closed.
func (c *Channel) Done() <-chan struct{} { return c.closed }

func (c *Channel) readLoop() {
	defer c.Close()
	for {
		frame, err := ReadFrame(c.stream)
		if err != nil {
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Channel) handleFrame(frame Frame) {
	switch frame.Header.Type {
	case MsgResponse, MsgHealthResponse:
		id, ok := peekID(frame.Payload)
		if !ok {
			return
		}
		c.pendingMu.Lock()
		ch, found := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if found {
			ch <- frame
		}
		// unknown ids are silently ignored per §4.1

	case MsgRequest:
		c.handleRequest(frame)

	case MsgHealthCheck:
		c.handleHealthCheck(frame)

	case MsgWsFrame:
		if c.onWsFrame != nil {
			c.onWsFrame(RawEvent(frame.Payload))
		}

	case MsgTelemetry:
		if c.onTelemetry != nil {
			c.onTelemetry(RawEvent(frame.Payload))
		}
	}
}

func (c *Channel) handleRequest(frame Frame) {
	var req RequestPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return
	}

	resp := c.safeDispatch(req)
	resp.ID = req.ID
	c.writeFrame(MsgResponse, resp)
}

// safeDispatch turns a handler panic into a synthetic 500, per §4.1
// "Exceptions thrown inside a handler become a synthetic 500 response".
func (c *Channel) safeDispatch(req RequestPayload) (resp ResponsePayload) {
	defer func() {
		if r := recover(); r != nil {
			resp = ResponsePayload{
				StatusCode: 500,
				Headers:    map[string]string{"content-type": "application/json"},
				Body:       []byte(fmt.Sprintf(`{"error":%q}`, fmt.Sprintf("%v", r))),
			}
		}
	}()
	out, matched := c.routes.dispatch(req)
	if !matched {
		return ResponsePayload{StatusCode: 404, Body: []byte(`{"error":"no matching route"}`)}
	}
	return out
}

func (c *Channel) handleHealthCheck(frame Frame) {
	var hc HealthCheckPayload
	if err := json.Unmarshal(frame.Payload, &hc); err != nil {
		return
	}
	resp := HealthResponsePayload{ID: hc.ID, Status: "healthy", Timestamp: hc.Timestamp}
	c.writeFrame(MsgHealthResponse, resp)
}

// peekID extracts just the "id" field without fully decoding the payload,
// used to route Response/HealthResponse frames to their pending request.
func peekID(payload []byte) (uint32, bool) {
	var partial struct {
		ID uint32 `json:"id"`
	}
	if err := json.Unmarshal(payload, &partial); err != nil {
		return 0, false
	}
	return partial.ID, true
}

func timestampMillis(ctx context.Context) int64 {
	if v := ctx.Value(clockKey{}); v != nil {
		if fn, ok := v.(func() int64); ok {
			return fn()
		}
	}
	return nowMillis()
}

type clockKey struct{}
