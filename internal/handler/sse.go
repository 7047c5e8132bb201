package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/PipeOpsHQ/hooktunnel/internal/protocol"
)

// SSE streams an endpoint's dashboard room over server-sent events for
// clients that cannot hold a WebSocket.
func (h *Handler) SSE(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpointFromPath(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	client := h.Bus.Connect()
	defer h.Bus.Disconnect(client)
	if err := h.Bus.Join(client, ep.ID, protocol.RoleDashboard); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to join endpoint")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	joined, err := protocol.NewMessage(protocol.EventJoined, protocol.Joined{EndpointID: ep.ID, Role: protocol.RoleDashboard})
	if err == nil {
		writeSSE(w, joined)
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			writeSSE(w, msg)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-h.streamsDone:
			return
		}
	}
}

// writeSSE emits one event. Payloads are compact JSON, so a single data line suffices.
func writeSSE(w http.ResponseWriter, msg protocol.Message) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
}
