package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/hooktunnel/internal/fanout"
	"github.com/PipeOpsHQ/hooktunnel/internal/protocol"
	"github.com/PipeOpsHQ/hooktunnel/internal/registry"
	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// WebSocket serves the real-time channel used by dashboards and tunnel agents.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	client := h.Bus.Connect()
	defer h.Bus.Disconnect(client)

	logger := h.logger.With("connection_id", client.ID())
	logger.Debug("websocket connected", "remote", r.RemoteAddr)

	h.sendEvent(client, protocol.EventConnected, protocol.Connected{ConnectionID: client.ID()})

	go h.writePump(conn, client)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.WithoutCancel(r.Context())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read error", "error", err)
			}
			break
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(client, "malformed message")
			continue
		}
		h.handleMessage(ctx, client, msg)
	}
	logger.Debug("websocket disconnected")
}

// writePump is the only writer on conn. It exits when the client is
// disconnected, a write fails or the handler closes its streams.
func (h *Handler) writePump(conn *websocket.Conn, client *fanout.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.streamsDone:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, client *fanout.Client, msg protocol.Message) {
	switch msg.Event {
	case protocol.EventJoinDashboard:
		h.join(ctx, client, msg, protocol.RoleDashboard)
	case protocol.EventRegisterTunnel:
		h.join(ctx, client, msg, protocol.RoleTunnel)
	case protocol.EventTunnelResponse:
		endpointID, role, ok := client.Room()
		if !ok || role != protocol.RoleTunnel {
			h.sendError(client, "tunnel-response requires a registered tunnel")
			return
		}
		var resp protocol.TunnelResponse
		if err := msg.Decode(&resp); err != nil {
			h.sendError(client, "malformed tunnel-response")
			return
		}
		h.Bus.PublishTunnelResponse(endpointID, resp)
	default:
		h.sendError(client, "unknown event: "+msg.Event)
	}
}

func (h *Handler) join(ctx context.Context, client *fanout.Client, msg protocol.Message, role string) {
	id, err := msg.EndpointID()
	if err != nil {
		h.sendError(client, err.Error())
		return
	}
	ep, err := h.lookupEndpoint(ctx, id)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			h.logger.Error("join lookup", "endpoint_id", id, "error", err)
		}
		h.sendError(client, "endpoint not found")
		return
	}
	if err := h.Bus.Join(client, ep.ID, role); err != nil {
		return
	}
	h.logger.Debug("client joined", "connection_id", client.ID(), "endpoint_id", ep.ID, "role", role)
	h.sendEvent(client, protocol.EventJoined, protocol.Joined{EndpointID: ep.ID, Role: role})
}

// lookupEndpoint accepts an endpoint id or its public slug.
func (h *Handler) lookupEndpoint(ctx context.Context, ref string) (*store.Endpoint, error) {
	ep, err := h.Registry.Get(ctx, ref)
	if errors.Is(err, registry.ErrNotFound) {
		return h.Registry.Resolve(ctx, ref)
	}
	return ep, err
}

func (h *Handler) sendEvent(client *fanout.Client, event string, payload any) {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		h.logger.Error("encode event", "event", event, "error", err)
		return
	}
	if err := client.Send(msg); err != nil {
		h.logger.Debug("send event", "event", event, "connection_id", client.ID(), "error", err)
	}
}

func (h *Handler) sendError(client *fanout.Client, message string) {
	h.sendEvent(client, protocol.EventError, protocol.Error{Message: message})
}
