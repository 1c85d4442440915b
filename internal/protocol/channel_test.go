package protocol

import (
	"context"
	"net"
	"testing"
	"time"
)

func openPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type openResult struct {
		ch  *Channel
		err error
	}
	clientCh := make(chan openResult, 1)
	serverCh := make(chan openResult, 1)

	go func() {
		ch, _, err := Open(context.Background(), clientConn, Handshake{Version: HandshakeVersion, IsGateway: true, Role: RoleGateway}, time.Second)
		clientCh <- openResult{ch, err}
	}()
	go func() {
		ch, _, err := Open(context.Background(), serverConn, Handshake{Version: HandshakeVersion, Role: RoleServer}, time.Second)
		serverCh <- openResult{ch, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	if cr.err != nil {
		t.Fatalf("client open: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server open: %v", sr.err)
	}
	return cr.ch, sr.ch
}

func TestChannelRequestResponseRoundtrip(t *testing.T) {
	client, server := openPair(t)
	defer client.Close()
	defer server.Close()

	server.HandleFunc("/echo/:word", func(req RequestPayload, params, query map[string]string) ResponsePayload {
		return ResponsePayload{StatusCode: 200, Body: []byte(params["word"])}
	})

	resp, err := client.SendRequest(context.Background(), "GET", "/echo/hello", nil, nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("body = %q, want hello", resp.Body)
	}
}

func TestChannelHandlerPanicBecomes500(t *testing.T) {
	client, server := openPair(t)
	defer client.Close()
	defer server.Close()

	server.HandleFunc("/boom", func(req RequestPayload, params, query map[string]string) ResponsePayload {
		panic("kaboom")
	})

	resp, err := client.SendRequest(context.Background(), "GET", "/boom", nil, nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestChannelHealthCheck(t *testing.T) {
	client, server := openPair(t)
	defer client.Close()
	defer server.Close()

	resp, err := client.SendHealthCheck(context.Background())
	if err != nil {
		t.Fatalf("SendHealthCheck: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", resp.Status)
	}
}

func TestChannelWsFrameFireAndForget(t *testing.T) {
	client, server := openPair(t)
	defer client.Close()
	defer server.Close()

	received := make(chan RawEvent, 1)
	server.OnWsFrame(func(ev RawEvent) { received <- ev })

	if err := client.SendWsFrame(RawEvent(`["EVENT","sub1",{}]`)); err != nil {
		t.Fatalf("SendWsFrame: %v", err)
	}

	select {
	case ev := <-received:
		if string(ev) != `["EVENT","sub1",{}]` {
			t.Errorf("got %s", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ws frame")
	}
}

func TestChannelCloseFailsPendingRPCs(t *testing.T) {
	client, server := openPair(t)
	defer server.Close()

	// Handler never returns, so the client's request is left pending
	// until the channel itself is closed.
	server.HandleFunc("/never-answered", func(req RequestPayload, params, query map[string]string) ResponsePayload {
		select {}
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), "GET", "/never-answered", nil, nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case err := <-errCh:
		if err != ErrChannelClosed {
			t.Fatalf("err = %v, want ErrChannelClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending RPC to fail")
	}
}

func TestOpenRejectsDuplicateChannelOnSameStream(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		Open(context.Background(), serverConn, Handshake{}, time.Second)
	}()

	ch, _, err := Open(context.Background(), clientConn, Handshake{}, time.Second)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer ch.Close()

	if _, _, err := Open(context.Background(), clientConn, Handshake{}, time.Second); err != ErrDuplicateOpen {
		t.Fatalf("second open err = %v, want ErrDuplicateOpen", err)
	}
}
