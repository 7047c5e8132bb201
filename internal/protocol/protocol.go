// Package protocol defines the real-time channel wire contract shared by the
// server, dashboards and tunnel agents. Event names are part of the public
// contract and must not change.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	// client -> server
	EventJoinDashboard  = "join-dashboard"
	EventRegisterTunnel = "register-tunnel"

	// server -> client
	EventNewRequest    = "new-request"
	EventTunnelRequest = "tunnel-request"
	EventConnected     = "connected"
	EventJoined        = "joined"
	EventError         = "error"

	// agent -> server -> dashboard room
	EventTunnelResponse = "tunnel-response"
)

const (
	RoleDashboard = "dashboard"
	RoleTunnel    = "tunnel"
)

type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes v as the message payload.
func NewMessage(event string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Message{Event: event, Data: data}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// EndpointID extracts the endpoint id from a join-dashboard or register-tunnel
// payload. Both a bare string and {"endpointId": "..."} are accepted.
func (m Message) EndpointID() (string, error) {
	var id string
	if err := json.Unmarshal(m.Data, &id); err == nil && id != "" {
		return id, nil
	}
	var obj struct {
		EndpointID string `json:"endpointId"`
	}
	if err := json.Unmarshal(m.Data, &obj); err == nil && obj.EndpointID != "" {
		return obj.EndpointID, nil
	}
	return "", fmt.Errorf("%s: missing endpoint id", m.Event)
}

type Connected struct {
	ConnectionID string `json:"connectionId"`
}

type Joined struct {
	EndpointID string `json:"endpointId"`
	Role       string `json:"role"`
}

type Error struct {
	Message string `json:"message"`
}

// TunnelResponse reports the outcome of one local forward back to the dashboards.
type TunnelResponse struct {
	RequestID  string `json:"requestId"`
	EndpointID string `json:"endpointId,omitempty"`
	Status     int    `json:"status,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}
