package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PipeOpsHQ/hooktunnel/internal/registry"
	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

// Management payloads are small; anything larger is a client bug.
const maxConfigBytes = 1 << 20

type createEndpointRequest struct {
	OwnerID          string          `json:"ownerId"`
	ExpiresInSeconds *int64          `json:"expiresInSeconds"`
	MaxRequests      *int            `json:"maxRequests"`
	ResponseStatus   *int            `json:"responseStatus"`
	ResponseHeaders  json.RawMessage `json:"responseHeaders"`
	ResponseBody     *string         `json:"responseBody"`
}

type updateResponseRequest struct {
	ResponseStatus  *int            `json:"responseStatus"`
	ResponseHeaders json.RawMessage `json:"responseHeaders"`
	ResponseBody    *string         `json:"responseBody"`
}

func (h *Handler) readConfigBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	return body, true
}

func (h *Handler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readConfigBody(w, r)
	if !ok {
		return
	}
	var req createEndpointRequest
	if err := h.validator.decodeConfig(h.validator.create, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	headers, err := compactHeaders(req.ResponseHeaders)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid responseHeaders")
		return
	}

	opts := registry.CreateOptions{
		OwnerID:         req.OwnerID,
		MaxRequests:     req.MaxRequests,
		ResponseStatus:  req.ResponseStatus,
		ResponseHeaders: headers,
		ResponseBody:    req.ResponseBody,
	}
	if req.ExpiresInSeconds != nil {
		d := time.Duration(*req.ExpiresInSeconds) * time.Second
		opts.ExpiresIn = &d
	}

	ep, err := h.Registry.Create(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "create endpoint", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrSlugGenerationExhausted) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "failed to create endpoint")
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

// endpointFromPath loads the endpoint named by the URL and writes the error response on failure.
func (h *Handler) endpointFromPath(w http.ResponseWriter, r *http.Request) (*store.Endpoint, bool) {
	id := chi.URLParam(r, "endpointID")
	ep, err := h.Registry.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return nil, false
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get endpoint", "endpoint_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load endpoint")
		return nil, false
	}
	return ep, true
}

func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpointFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit := h.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.historyLimit)
	}

	ep, ok := h.endpointFromPath(w, r)
	if !ok {
		return
	}
	requests, err := h.Store.ListRequests(r.Context(), ep.ID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list requests", "endpoint_id", ep.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (h *Handler) ClearRequests(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpointFromPath(w, r)
	if !ok {
		return
	}
	n, err := h.Store.DeleteRequests(r.Context(), ep.ID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "clear requests", "endpoint_id", ep.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear requests")
		return
	}
	h.logger.InfoContext(r.Context(), "request history cleared", "endpoint_id", ep.ID, "deleted", n)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) UpdateResponse(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readConfigBody(w, r)
	if !ok {
		return
	}
	var req updateResponseRequest
	if err := h.validator.decodeConfig(h.validator.response, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	headers, err := compactHeaders(req.ResponseHeaders)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid responseHeaders")
		return
	}

	id := chi.URLParam(r, "endpointID")
	ep, err := h.Registry.UpdateResponseConfig(r.Context(), id, store.ResponseUpdate{
		Status:  req.ResponseStatus,
		Headers: headers,
		Body:    req.ResponseBody,
	})
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "update response config", "endpoint_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update response config")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}
