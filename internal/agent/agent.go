// Package agent implements the tunnel client: it registers for an endpoint's
// tunnel room and replays every captured request against a local port.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/tidwall/pretty"

	"github.com/PipeOpsHQ/hooktunnel/internal/protocol"
	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

const (
	DefaultServerURL = "http://localhost:8080"

	defaultMinBackoff = time.Second
	defaultMaxBackoff = 10 * time.Second
	forwardTimeout    = 30 * time.Second
	maxFrameSize      = 32 << 20
	previewLen        = 80
)

// ErrRegistrationRejected means the server refused the tunnel registration.
// Reconnecting will not help.
var ErrRegistrationRejected = errors.New("agent: registration rejected")

type Config struct {
	EndpointID string
	LocalPort  int
	ServerURL  string

	// Out receives one human-readable line per event. Defaults to stdout.
	Out        io.Writer
	Logger     *slog.Logger
	HTTPClient *http.Client

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Agent struct {
	cfg   Config
	wsURL string

	outMu   sync.Mutex
	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn
}

func New(cfg Config) (*Agent, error) {
	if cfg.EndpointID == "" {
		return nil, errors.New("agent: endpoint id is required")
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return nil, fmt.Errorf("agent: invalid local port %d", cfg.LocalPort)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	wsURL, err := WebSocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: forwardTimeout}
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	return &Agent{cfg: cfg, wsURL: wsURL}, nil
}

// WebSocketURL maps a server base URL to its real-time channel URL.
func WebSocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("agent: parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("agent: unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("agent: server url %q has no host", server)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

// ForwardURL is the local target for a captured request. The sub-path after
// the endpoint slug keeps its wire encoding and the query string is preserved.
func ForwardURL(port int, rec *store.Request) string {
	sub := rec.SubPath
	if sub == "" {
		sub = "/"
	}
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:     sub,
		RawQuery: url.Values(rec.QueryParams).Encode(),
	}
	if decoded, err := url.PathUnescape(sub); err == nil {
		u.Path = decoded
		u.RawPath = sub
	}
	return u.String()
}

// Run keeps a tunnel session alive until ctx is cancelled. Lost connections
// are retried with exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		established, err := a.connectOnce(ctx)
		if errors.Is(err, ErrRegistrationRejected) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if established {
			backoff = a.cfg.MinBackoff
		}
		a.printf("✗ disconnected: %v (retrying in %s)", err, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, a.cfg.MaxBackoff)
	}
}

// connectOnce runs one session. established reports whether the server confirmed the registration.
func (a *Agent) connectOnce(ctx context.Context) (established bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("connect server: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	a.setConn(conn)

	done := make(chan struct{})
	defer func() {
		close(done)
		a.clearConn(conn)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := a.send(protocol.EventRegisterTunnel, a.cfg.EndpointID); err != nil {
		return false, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return established, fmt.Errorf("read server message: %w", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.cfg.Logger.Warn("malformed server message", "error", err)
			continue
		}

		switch msg.Event {
		case protocol.EventConnected:
			a.cfg.Logger.Debug("connected", "server", a.wsURL)
		case protocol.EventJoined:
			established = true
			a.printf("✓ tunnel registered for endpoint %s, forwarding to http://127.0.0.1:%d", a.cfg.EndpointID, a.cfg.LocalPort)
		case protocol.EventTunnelRequest:
			var rec store.Request
			if err := msg.Decode(&rec); err != nil {
				a.cfg.Logger.Warn("malformed tunnel request", "error", err)
				continue
			}
			go a.handleRequest(ctx, &rec)
		case protocol.EventError:
			var e protocol.Error
			_ = msg.Decode(&e)
			if !established {
				return false, fmt.Errorf("%w: %s", ErrRegistrationRejected, e.Message)
			}
			a.printf("server error: %s", e.Message)
		default:
			a.cfg.Logger.Debug("ignoring event", "event", msg.Event)
		}
	}
}

func (a *Agent) handleRequest(ctx context.Context, rec *store.Request) {
	start := time.Now()
	status, err := a.forward(ctx, rec)
	elapsed := time.Since(start)

	resp := protocol.TunnelResponse{
		RequestID:  rec.ID,
		Status:     status,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
		a.printf("✗ %s %s failed after %s: %v", rec.Method, rec.SubPath, elapsed.Round(time.Millisecond), err)
	} else {
		line := fmt.Sprintf("→ %s %s %d %s %s", rec.Method, rec.SubPath, status, elapsed.Round(time.Millisecond), humanize.Bytes(uint64(rec.BodySize)))
		if p := bodyPreview(rec); p != "" {
			line += " " + p
		}
		a.printf("%s", line)
	}

	if err := a.send(protocol.EventTunnelResponse, resp); err != nil {
		a.cfg.Logger.Debug("report tunnel response", "request_id", rec.ID, "error", err)
	}
}

// forward replays rec against the local port once. There is no retry.
func (a *Agent) forward(ctx context.Context, rec *store.Request) (int, error) {
	body, err := rec.RawBody()
	if err != nil {
		return 0, fmt.Errorf("decode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, rec.Method, ForwardURL(a.cfg.LocalPort, rec), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build local request: %w", err)
	}
	for k, vs := range rec.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	stripHopHeaders(req.Header)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func stripHopHeaders(h http.Header) {
	for _, key := range []string{
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
		"Host",
		"Content-Length",
	} {
		h.Del(key)
	}
}

// bodyPreview renders JSON bodies on one line, truncated.
func bodyPreview(rec *store.Request) string {
	if rec.BodyEncoding != "" || rec.Body == "" || !json.Valid([]byte(rec.Body)) {
		return ""
	}
	p := strings.TrimSpace(string(pretty.Ugly([]byte(rec.Body))))
	if len(p) > previewLen {
		p = p[:previewLen] + "…"
	}
	return p
}

func (a *Agent) send(event string, payload any) error {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		return err
	}
	conn := a.getConn()
	if conn == nil {
		return errors.New("tunnel is offline")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

func (a *Agent) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.cfg.Out, "%s "+format+"\n", append([]any{time.Now().Format("15:04:05")}, args...)...)
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	a.conn = conn
}

func (a *Agent) clearConn(conn *websocket.Conn) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == conn {
		a.conn = nil
	}
}

func (a *Agent) getConn() *websocket.Conn {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return a.conn
}
