package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/hooktunnel/internal/capture"
	"github.com/PipeOpsHQ/hooktunnel/internal/fanout"
	"github.com/PipeOpsHQ/hooktunnel/internal/observability"
	"github.com/PipeOpsHQ/hooktunnel/internal/registry"
	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

const DefaultHistoryLimit = 100

type Options struct {
	HistoryLimit int
	Logger       *slog.Logger
}

type Handler struct {
	Store    store.Store
	Registry *registry.Registry
	Pipeline *capture.Pipeline
	Bus      *fanout.Bus

	historyLimit int
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	validator    *configValidator
	keepalive    time.Duration

	streamsDone chan struct{}
	closeOnce   sync.Once
}

func NewHandler(s store.Store, reg *registry.Registry, pipeline *capture.Pipeline, bus *fanout.Bus, opts Options) *Handler {
	h := &Handler{
		Store:        s,
		Registry:     reg,
		Pipeline:     pipeline,
		Bus:          bus,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards and agents connect from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validator:   mustConfigValidator(),
		keepalive:   15 * time.Second,
		streamsDone: make(chan struct{}),
	}
	if h.historyLimit <= 0 {
		h.historyLimit = DefaultHistoryLimit
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// CloseStreams ends every open SSE and WebSocket stream. The server registers
// it with http.Server.RegisterOnShutdown so long-lived streams do not hold
// up a graceful shutdown.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

// Routes returns the full HTTP surface with the standard middleware chain.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(observability.RequestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	r.HandleFunc("/webhook/{slug}", h.CaptureWebhook)
	r.HandleFunc("/webhook/{slug}/*", h.CaptureWebhook)

	r.Get("/ws", h.WebSocket)

	r.Route("/api/endpoints", func(r chi.Router) {
		r.Post("/", h.CreateEndpoint)
		r.Route("/{endpointID}", func(r chi.Router) {
			r.Get("/", h.GetEndpoint)
			r.Get("/requests", h.ListRequests)
			r.Delete("/requests", h.ClearRequests)
			r.Patch("/response", h.UpdateResponse)
			r.Get("/events", h.SSE)
		})
	})
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
