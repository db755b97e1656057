// Package hubproto defines the JSON frame protocol exchanged between the hub
// and its push and reverse clients over a WebSocket connection.
package hubproto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Frame types.
const (
	TypeWelcome      = "welcome"
	TypeHello        = "hello"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeNotify       = "notify"
	TypeTCPConnect   = "tcp.connect"
	TypeTCPSend      = "tcp.send"
	TypeTCPClose     = "tcp.close"
	TypeTCPConnected = "tcp.connected"
	TypeTCPData      = "tcp.data"
	TypeTCPError     = "tcp.error"
	TypeTCPClosed    = "tcp.closed"
)

// WebSocket close codes sent by the hub.
const (
	CloseBadRequest         = 4000
	CloseInvalidCredentials = 4001
	CloseConnectionLimit    = 4002
	CloseRateLimited        = 4029
)

// Connection modes.
const (
	ModePush    = "push"
	ModeReverse = "reverse"
)

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is the single message shape on the wire. Routed frames carry an
// opaque payload (or data) the hub never inspects beyond correlation ids.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Host      string          `json:"host,omitempty"`
	Target    string          `json:"target,omitempty"`
	Port      int             `json:"port,omitempty"`
	TimeoutMS int             `json:"timeoutMs,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Error     string          `json:"error,omitempty"`
	TS        int64           `json:"ts,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	PeerLabel string          `json:"peerLabel,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Kind groups frame types by how the hub handles them.
type Kind int

const (
	KindInvalid Kind = iota
	KindHandshake
	KindHeartbeat
	KindNotify
	KindTCPConnect
	KindTCPSend
	KindTCPClose
	KindTCPEvent
	KindRouted
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindHeartbeat:
		return "heartbeat"
	case KindNotify:
		return "notify"
	case KindTCPConnect:
		return "tcp-connect"
	case KindTCPSend:
		return "tcp-send"
	case KindTCPClose:
		return "tcp-close"
	case KindTCPEvent:
		return "tcp-event"
	case KindRouted:
		return "routed"
	default:
		return "invalid"
	}
}

// Kind classifies f. Any non-empty type the hub does not own is routed.
func (f Frame) Kind() Kind {
	switch strings.TrimSpace(f.Type) {
	case "":
		return KindInvalid
	case TypeWelcome, TypeHello:
		return KindHandshake
	case TypePing, TypePong:
		return KindHeartbeat
	case TypeNotify:
		return KindNotify
	case TypeTCPConnect:
		return KindTCPConnect
	case TypeTCPSend:
		return KindTCPSend
	case TypeTCPClose:
		return KindTCPClose
	case TypeTCPConnected, TypeTCPData, TypeTCPError, TypeTCPClosed:
		return KindTCPEvent
	default:
		return KindRouted
	}
}

// Control reports whether f should jump ahead of bulk writes.
func (f Frame) Control() bool {
	switch f.Kind() {
	case KindHandshake, KindHeartbeat:
		return true
	}
	return f.Type == TypeTCPError || f.Type == TypeTCPClosed
}

// CorrelationID returns the request id of f, read from the top level or
// from payload.requestId.
func (f Frame) CorrelationID() string {
	if id := strings.TrimSpace(f.RequestID); id != "" {
		return id
	}
	if len(f.Payload) == 0 || f.Payload[0] != '{' {
		return ""
	}
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return ""
	}
	return strings.TrimSpace(p.RequestID)
}

// TCPBytes decodes the base64 string carried in Data.
func (f Frame) TCPBytes() ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return nil, err
	}
	return DecodeBody(s)
}

// TCPData wraps raw bytes as the Data of a tcp.send or tcp.data frame.
func TCPData(b []byte) json.RawMessage {
	raw, _ := json.Marshal(EncodeBody(b))
	return raw
}

// Ping returns a heartbeat frame stamped with the current time.
func Ping() Frame {
	return Frame{Type: TypePing, TS: time.Now().UnixMilli()}
}

// Pong answers ping, echoing its timestamp.
func Pong(ping Frame) Frame {
	ts := ping.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return Frame{Type: TypePong, TS: ts}
}

// Decode parses a text message into a Frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Kind() == KindInvalid {
		return Frame{}, ErrInvalidFrame
	}
	return f, nil
}

// Encode serializes f for a text message.
func Encode(f Frame) ([]byte, error) {
	if f.Kind() == KindInvalid {
		return nil, ErrInvalidFrame
	}
	return json.Marshal(f)
}

// EncodeBody base64-encodes a byte slice for JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64-encoded body string.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
