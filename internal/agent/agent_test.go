package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/hooktunnel/internal/capture"
	"github.com/PipeOpsHQ/hooktunnel/internal/fanout"
	"github.com/PipeOpsHQ/hooktunnel/internal/handler"
	"github.com/PipeOpsHQ/hooktunnel/internal/protocol"
	"github.com/PipeOpsHQ/hooktunnel/internal/registry"
	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

func TestWebSocketURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{in: "https://hooks.example.com/", want: "wss://hooks.example.com/ws"},
		{in: "wss://hooks.example.com/base/ws", want: "wss://hooks.example.com/base/ws"},
		{in: "ftp://example.com", wantErr: true},
		{in: "localhost:8080", wantErr: true},
	}
	for _, tc := range cases {
		got, err := WebSocketURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("WebSocketURL(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("WebSocketURL(%q)=%q err=%v want=%q", tc.in, got, err, tc.want)
		}
	}
}

func TestForwardURLKeepsSubPathAndQuery(t *testing.T) {
	rec := &store.Request{SubPath: "/github/push", QueryParams: map[string][]string{"b": {"2"}, "a": {"1", "3"}}}
	if got, want := ForwardURL(3000, rec), "http://127.0.0.1:3000/github/push?a=1&a=3&b=2"; got != want {
		t.Fatalf("ForwardURL=%q want=%q", got, want)
	}
	if got, want := ForwardURL(3000, &store.Request{}), "http://127.0.0.1:3000/"; got != want {
		t.Fatalf("ForwardURL=%q want=%q", got, want)
	}
	encoded := &store.Request{SubPath: "/files/a%3Fb%23c", QueryParams: map[string][]string{"x": {"1"}}}
	if got, want := ForwardURL(3000, encoded), "http://127.0.0.1:3000/files/a%3Fb%23c?x=1"; got != want {
		t.Fatalf("ForwardURL=%q want=%q", got, want)
	}
}

func TestForwardKeepsEncodedSubPath(t *testing.T) {
	type seen struct{ path, rawPath, query string }
	got := make(chan seen, 1)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{r.URL.Path, r.URL.EscapedPath(), r.URL.RawQuery}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer local.Close()
	port, _ := strconv.Atoi(local.URL[strings.LastIndex(local.URL, ":")+1:])

	a, err := New(Config{EndpointID: "ep", LocalPort: port, Out: io.Discard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &store.Request{
		Method:      http.MethodPost,
		SubPath:     "/files/a%3Fb%23c",
		QueryParams: map[string][]string{"x": {"1"}},
	}
	status, err := a.forward(context.Background(), rec)
	if err != nil || status != http.StatusNoContent {
		t.Fatalf("forward status=%d err=%v", status, err)
	}
	want := seen{"/files/a?b#c", "/files/a%3Fb%23c", "x=1"}
	if r := <-got; r != want {
		t.Fatalf("local target saw %+v want %+v", r, want)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{LocalPort: 3000}); err == nil {
		t.Fatal("expected error for missing endpoint id")
	}
	if _, err := New(Config{EndpointID: "ep", LocalPort: 70000}); err == nil {
		t.Fatal("expected error for invalid port")
	}
	a, err := New(Config{EndpointID: "ep", LocalPort: 3000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.wsURL != "ws://localhost:8080/ws" || a.cfg.MaxBackoff != 10*time.Second {
		t.Fatalf("defaults not applied: url=%q backoff=%s", a.wsURL, a.cfg.MaxBackoff)
	}
}

func TestStripHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Content-Length":    {"10"},
		"X-Signature":       {"a", "b"},
	}
	stripHopHeaders(h)
	if len(h) != 1 || len(h["X-Signature"]) != 2 {
		t.Fatalf("headers after strip: %v", h)
	}
}

func TestBodyPreview(t *testing.T) {
	rec := &store.Request{Body: "{\n  \"a\": 1,\n  \"b\": [1, 2]\n}"}
	if got := bodyPreview(rec); got != `{"a":1,"b":[1,2]}` {
		t.Fatalf("preview=%q", got)
	}
	if got := bodyPreview(&store.Request{Body: "plain text"}); got != "" {
		t.Fatalf("non-JSON preview=%q", got)
	}
}

type received struct {
	method, path, query, sig, body string
}

// safeBuffer collects agent output from concurrent goroutines.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAgentForwardsCapturedRequests(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	got := make(chan received, 1)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{r.Method, r.URL.Path, r.URL.RawQuery, strings.Join(r.Header.Values("X-Signature"), ","), string(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer local.Close()
	port, _ := strconv.Atoi(local.URL[strings.LastIndex(local.URL, ":")+1:])

	s := store.NewMemoryStore()
	bus := fanout.NewBus(fanout.WithLogger(logger))
	reg := registry.New(s, registry.WithLogger(logger))
	pipe := capture.New(s, bus, capture.WithLogger(logger))
	srv := httptest.NewServer(handler.NewHandler(s, reg, pipe, bus, handler.Options{Logger: logger}).Routes())
	defer srv.Close()

	ep, err := reg.Create(context.Background(), registry.CreateOptions{})
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	dash := bus.Connect()
	if err := bus.Join(dash, ep.ID, protocol.RoleDashboard); err != nil {
		t.Fatalf("join dashboard: %v", err)
	}

	out := &safeBuffer{}
	a, err := New(Config{EndpointID: ep.ID, LocalPort: port, ServerURL: srv.URL, Out: out, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()

	waitFor(t, func() bool { return bus.RoomSize(ep.ID, protocol.RoleTunnel) == 1 })

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook/"+ep.Slug+"/github/push?ref=main", strings.NewReader(`{"a":1}`))
	req.Header.Add("X-Signature", "one")
	req.Header.Add("X-Signature", "two")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()

	select {
	case r := <-got:
		want := received{http.MethodPost, "/github/push", "ref=main", "one,two", `{"a":1}`}
		if r != want {
			t.Fatalf("local target got %+v want %+v", r, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("local target never received the request")
	}

	// The dashboard sees the capture, then the forward outcome.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-dash.Messages():
			if m.Event != protocol.EventTunnelResponse {
				continue
			}
			var tr protocol.TunnelResponse
			if err := json.Unmarshal(m.Data, &tr); err != nil || tr.Status != http.StatusAccepted || tr.Error != "" {
				t.Fatalf("tunnel response=%+v err=%v", tr, err)
			}
			if !strings.Contains(out.String(), "tunnel registered") || !strings.Contains(out.String(), "POST /github/push 202") {
				t.Fatalf("agent output:\n%s", out.String())
			}
			return
		case <-deadline:
			t.Fatal("dashboard never received tunnel-response")
		}
	}
}

func TestAgentReconnectsAndReregisters(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var (
		mu            sync.Mutex
		registrations []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var m protocol.Message
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		id, _ := m.EndpointID()
		mu.Lock()
		registrations = append(registrations, m.Event+":"+id)
		first := len(registrations) == 1
		mu.Unlock()
		joined, _ := protocol.NewMessage(protocol.EventJoined, protocol.Joined{EndpointID: id, Role: protocol.RoleTunnel})
		_ = conn.WriteJSON(joined)
		if first {
			// Drop the first session to force a reconnect.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	a, err := New(Config{
		EndpointID: "ep-1",
		LocalPort:  1,
		ServerURL:  srv.URL,
		Out:        io.Discard,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(registrations) >= 2
	})
	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, r := range registrations {
		if r != protocol.EventRegisterTunnel+":ep-1" {
			t.Fatalf("unexpected registration %q", r)
		}
	}
}

func TestAgentStopsWhenRegistrationRejected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var m protocol.Message
		_ = conn.ReadJSON(&m)
		msg, _ := protocol.NewMessage(protocol.EventError, protocol.Error{Message: "endpoint not found"})
		_ = conn.WriteJSON(msg)
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	a, err := New(Config{EndpointID: "missing", LocalPort: 1, ServerURL: srv.URL, Out: io.Discard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, ErrRegistrationRejected) {
		t.Fatalf("Run=%v want ErrRegistrationRejected", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
