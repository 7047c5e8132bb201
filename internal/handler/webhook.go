package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/PipeOpsHQ/hooktunnel/internal/capture"
	"github.com/PipeOpsHQ/hooktunnel/internal/registry"
	"github.com/PipeOpsHQ/hooktunnel/internal/respond"
)

// CaptureWebhook ingests any method on /webhook/{slug} and /webhook/{slug}/*.
func (h *Handler) CaptureWebhook(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.Registry.Now()
	slug := chi.URLParam(r, "slug")

	ep, err := h.Registry.Resolve(r.Context(), slug)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "resolve endpoint", "slug", slug, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve endpoint")
		return
	}
	defer r.Body.Close()

	res, err := h.Pipeline.Capture(r.Context(), ep, capture.Inbound{
		Method:        r.Method,
		Path:          r.URL.Path,
		SubPath:       escapedSubPath(r, slug),
		Header:        r.Header,
		Query:         r.URL.Query(),
		Body:          r.Body,
		ContentLength: r.ContentLength,
		RemoteAddr:    r.RemoteAddr,
		ReceivedAt:    receivedAt,
	})
	if err != nil {
		h.writeCaptureError(w, r, ep.ID, err)
		return
	}

	resp, err := respond.Synthesize(ep)
	if err != nil {
		h.logger.WarnContext(r.Context(), "response config invalid, using default", "endpoint_id", ep.ID, "error", err)
	}
	if err := resp.Write(w); err != nil {
		h.logger.DebugContext(r.Context(), "write webhook response", "endpoint_id", ep.ID, "error", err)
	}

	// The caller may already be gone; the record still gets its timing.
	h.Pipeline.Finalize(context.WithoutCancel(r.Context()), res.Request, res.ReceivedAt)
}

// escapedSubPath returns the path after /webhook/{slug} as it appeared on the
// wire, so encoded reserved characters such as %3F survive forwarding.
func escapedSubPath(r *http.Request, slug string) string {
	if rest, ok := strings.CutPrefix(r.URL.EscapedPath(), "/webhook/"+slug); ok {
		return rest
	}
	return "/" + chi.URLParam(r, "*")
}

func (h *Handler) writeCaptureError(w http.ResponseWriter, r *http.Request, endpointID string, err error) {
	var rej *capture.RejectionError
	switch {
	case errors.As(err, &rej):
		writeError(w, rej.Decision.StatusCode(), rejectionMessage(rej.Decision))
	case errors.Is(err, capture.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
	default:
		h.logger.ErrorContext(r.Context(), "capture request", "endpoint_id", endpointID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to capture request")
	}
}

func rejectionMessage(d registry.Decision) string {
	switch d {
	case registry.RejectExpired:
		return "endpoint expired"
	case registry.RejectQuotaExceeded:
		return "request limit reached"
	default:
		// Inactive endpoints look exactly like unknown ones.
		return "endpoint not found"
	}
}
