// Package rpcclient implements the five client-side RPC verbs of
// spec.md §4.6, each a single roundtrip over a peer.Connection's
// channel. The request/response struct shapes follow pkg/client/auth.go's
// style of small JSON-tagged payload structs per verb.
package rpcclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hypertuna/relay-gateway/internal/peer"
	"github.com/hypertuna/relay-gateway/internal/protocol"
)

const authTokenHeader = "x-auth-token"

// ForwardHTTP issues the client's HTTP request verbatim to the peer and
// returns its response verbatim.
func ForwardHTTP(ctx context.Context, conn *peer.Connection, method, path string, headers map[string]string, body []byte) (protocol.ResponsePayload, error) {
	return conn.SendRequest(ctx, method, path, headers, body)
}

// RelayFrame sends one WS frame to relayId over the connectionKey
// session and returns each newline-delimited JSON line from the
// response body, per §4.6 "forward relay message".
func RelayFrame(ctx context.Context, conn *peer.Connection, relayID, connectionKey, authToken string, frame []byte) ([]json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"message":       json.RawMessage(frame),
		"connectionKey": connectionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("encode relay frame: %w", err)
	}

	headers := authHeaders(authToken)
	resp, err := conn.SendRequest(ctx, "POST", "/post/relay/"+relayID, headers, payload)
	if err != nil {
		return nil, fmt.Errorf("forward relay message: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("peer returned status %d for relay message", resp.StatusCode)
	}
	return splitJSONLines(resp.Body)
}

// PollEvents requests pending events for connectionKey bound to relayID,
// per §4.6 "poll events".
func PollEvents(ctx context.Context, conn *peer.Connection, relayID, connectionKey, authToken string) ([]json.RawMessage, error) {
	headers := authHeaders(authToken)
	path := fmt.Sprintf("/get/relay/%s/%s", relayID, connectionKey)
	resp, err := conn.SendRequest(ctx, "GET", path, headers, nil)
	if err != nil {
		return nil, fmt.Errorf("poll events: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("peer returned status %d for poll events", resp.StatusCode)
	}
	var events []json.RawMessage
	if len(resp.Body) == 0 {
		return events, nil
	}
	if err := json.Unmarshal(resp.Body, &events); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return events, nil
}

// ForwardJoin proxies a join-challenge event, augmenting it with the
// gateway's own callback URLs, per §4.6 "forward join".
func ForwardJoin(ctx context.Context, conn *peer.Connection, identifier string, event json.RawMessage, callbackURLs map[string]string) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"event":        event,
		"callbackUrls": callbackURLs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode join request: %w", err)
	}
	resp, err := conn.SendRequest(ctx, "POST", "/post/join/"+identifier, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("forward join: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("peer returned status %d for join", resp.StatusCode)
	}
	return json.RawMessage(resp.Body), nil
}

// ForwardCallback proxies an auth-flow callback body to one of the two
// peer-side verbs (verify-ownership or finalize-auth).
func ForwardCallback(ctx context.Context, conn *peer.Connection, verb string, body []byte) (json.RawMessage, error) {
	if verb != "verify-ownership" && verb != "finalize-auth" {
		return nil, fmt.Errorf("unknown callback verb %q", verb)
	}
	resp, err := conn.SendRequest(ctx, "POST", "/"+verb, nil, body)
	if err != nil {
		return nil, fmt.Errorf("forward callback %s: %w", verb, err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("peer returned status %d for %s", resp.StatusCode, verb)
	}
	return json.RawMessage(resp.Body), nil
}

// FileResponse is the drive-file passthrough result of §4.6 "file":
// status, headers, and body are streamed back to the client verbatim.
type FileResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// File requests a drive file by relay id and file name.
func File(ctx context.Context, conn *peer.Connection, relayID, file string) (FileResponse, error) {
	resp, err := conn.SendRequest(ctx, "GET", "/drive/"+relayID+"/"+file, nil, nil)
	if err != nil {
		return FileResponse{}, fmt.Errorf("fetch drive file: %w", err)
	}
	return FileResponse{StatusCode: resp.StatusCode, Headers: resp.Headers, Body: resp.Body}, nil
}

func authHeaders(authToken string) map[string]string {
	if authToken == "" {
		return nil
	}
	return map[string]string{authTokenHeader: authToken}
}

// splitJSONLines parses a newline-delimited JSON body into individual
// raw messages, skipping blank lines.
func splitJSONLines(body []byte) ([]json.RawMessage, error) {
	var lines []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonlines body: %w", err)
	}
	return lines, nil
}

// IsAuthFailureLine reports whether a relay-message response line
// matches the ["OK", _id, false, msg] shape with an authentication
// failure message, per §4.5's WS-bridge auth detection.
func IsAuthFailureLine(line json.RawMessage) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal(line, &arr); err != nil || len(arr) < 4 {
		return false
	}
	var kind string
	if err := json.Unmarshal(arr[0], &kind); err != nil || kind != "OK" {
		return false
	}
	var ok bool
	if err := json.Unmarshal(arr[2], &ok); err != nil || ok {
		return false
	}
	var msg string
	if err := json.Unmarshal(arr[3], &msg); err != nil {
		return false
	}
	return strings.Contains(msg, "Authentication required") || strings.Contains(msg, "Invalid authentication")
}
