package rpc

import "encoding/json"

const (
	// ProtocolVersion is the control-plane protocol spoken by this build.
	ProtocolVersion = 1

	// MaxPayloadBytes bounds a single frame in either direction.
	MaxPayloadBytes = 1 << 20
)

// Frame is one websocket control-plane message. Requests carry Method and
// Params; responses carry OK with Payload or Error; events carry Event and
// Seq.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// FrameError is the error body of a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectParams are the params of the connect handshake.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
}

type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// Hello is the payload of a successful connect.
type Hello struct {
	Type     string `json:"type"`
	Protocol int    `json:"protocol"`
	Server   struct {
		ID      string `json:"id"`
		Version string `json:"version,omitempty"`
	} `json:"server"`
	Features struct {
		Methods []string `json:"methods"`
		Events  []string `json:"events"`
	} `json:"features"`
	Policy struct {
		MaxPayloadBytes int   `json:"maxPayloadBytes"`
		TickIntervalMs  int64 `json:"tickIntervalMs"`
	} `json:"policy"`
}

// RequiredKeys lists the payload keys a decoder must see.
func (h *Hello) RequiredKeys() []string { return []string{"type", "protocol"} }
