// Package protocol implements the framed relay protocol: a length-prefixed,
// multi-message-type channel layered on a byte stream, with request/response
// correlation, fire-and-forget events, and a handshake preamble. See §4.1.
package protocol

import (
	"encoding/json"
	"errors"
)

// ProtocolID is the fixed logical protocol name of this channel. It is
// not sent in the Handshake, and Open's duplicate-open guard is keyed by
// stream rather than by this name.
const ProtocolID = "hypertuna-relay-gateway/2.0"

// HandshakeVersion is the wire version exchanged during channel open.
const HandshakeVersion = "2.0"

// Role identifies which side of the handshake a peer is playing.
type Role string

const (
	RoleGateway        Role = "gateway"
	RoleGatewayReplica Role = "gateway-replica"
	RoleServer         Role = "server"
	RoleClient         Role = "client"
)

// Capability names advertised in the handshake.
const (
	CapHTTP      = "http"
	CapWebsocket = "websocket"
	CapHealth    = "health"
	CapTelemetry = "telemetry"
)

// Handshake is the JSON object exchanged by both sides on channel open,
// before any typed message flows.
type Handshake struct {
	Version      string   `json:"version"`
	IsServer     bool     `json:"isServer"`
	IsGateway    bool     `json:"isGateway"`
	Role         Role     `json:"role"`
	Capabilities []string `json:"capabilities"`
}

// GatewayHandshake builds the handshake object this gateway presents to a
// backend peer when dialing out (§4.2 step 4).
func GatewayHandshake() Handshake {
	return Handshake{
		Version:      HandshakeVersion,
		IsServer:     false,
		IsGateway:    true,
		Role:         RoleGateway,
		Capabilities: []string{CapHTTP, CapWebsocket, CapHealth, CapTelemetry},
	}
}

// MsgType enumerates the six stable message types of §4.1, in order.
type MsgType byte

const (
	MsgRequest        MsgType = 0
	MsgResponse       MsgType = 1
	MsgWsFrame        MsgType = 2
	MsgHealthCheck    MsgType = 3
	MsgHealthResponse MsgType = 4
	MsgTelemetry      MsgType = 5
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "Request"
	case MsgResponse:
		return "Response"
	case MsgWsFrame:
		return "WsFrame"
	case MsgHealthCheck:
		return "HealthCheck"
	case MsgHealthResponse:
		return "HealthResponse"
	case MsgTelemetry:
		return "Telemetry"
	default:
		return "Unknown"
	}
}

func validMsgType(t MsgType) bool {
	return t <= MsgTelemetry
}

// Header is the fixed 8-byte frame header: version(1) type(1) flags(2) length(4).
type Header struct {
	Version byte
	Type    MsgType
	Flags   uint16
	Length  uint32
}

// HeaderSize is the on-wire size of Header in bytes.
const HeaderSize = 8

// WireVersion is the binary framing version (distinct from HandshakeVersion,
// which is the handshake JSON's own "version" field).
const WireVersion byte = 0x02

// MaxMessageSize bounds a single frame's payload, guarding against a
// corrupt or hostile length field.
const MaxMessageSize = 16 * 1024 * 1024

// RequestPayload is message type 0.
type RequestPayload struct {
	ID      uint32            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// ResponsePayload is message type 1, sent in reply to a Request.
type ResponsePayload struct {
	ID         uint32            `json:"id"`
	StatusCode uint16            `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// HealthCheckPayload is message type 3.
type HealthCheckPayload struct {
	ID        uint32 `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// HealthResponsePayload is message type 4, sent in reply to a HealthCheck.
type HealthResponsePayload struct {
	ID        uint32            `json:"id"`
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// Errors surfaced by the protocol package.
var (
	ErrChannelClosed    = errors.New("channel closed")
	ErrDuplicateOpen    = errors.New("duplicate protocol channel open on stream")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrUnknownMsgType   = errors.New("unknown message type")
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// WsFrame and Telemetry payloads are implementation-free JSON; callers get
// the raw bytes via json.RawMessage.
type RawEvent = json.RawMessage
