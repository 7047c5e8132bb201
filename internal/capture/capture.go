// Package capture turns an inbound webhook call into a persisted request record
// and hands it to the fan-out bus once it is durable.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/PipeOpsHQ/hooktunnel/internal/fanout"
	"github.com/PipeOpsHQ/hooktunnel/internal/registry"
	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

const DefaultMaxBodyBytes int64 = 10 << 20

// ErrPayloadTooLarge is returned when the raw body exceeds the configured ceiling.
var ErrPayloadTooLarge = errors.New("capture: payload too large")

// RejectionError carries an admission decision that refused the request.
type RejectionError struct {
	Decision registry.Decision
}

func (e *RejectionError) Error() string {
	return "capture: rejected: " + e.Decision.String()
}

// Inbound is the transport-neutral view of one webhook call.
type Inbound struct {
	Method        string
	Path          string
	SubPath       string
	Header        http.Header
	Query         map[string][]string
	Body          io.Reader
	ContentLength int64
	RemoteAddr    string
	ReceivedAt    time.Time
}

// Publisher receives records after they are persisted.
type Publisher interface {
	Publish(endpointID string, req *store.Request) fanout.PublishStats
}

var _ Publisher = (*fanout.Bus)(nil)

type Result struct {
	Request    *store.Request
	ReceivedAt time.Time
}

type Pipeline struct {
	store        store.Store
	publisher    Publisher
	maxBodyBytes int64
	now          func() time.Time
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*endpointLock
}

// endpointLock serializes admission and persistence for one endpoint. It is
// dropped from the table once no caller holds a reference.
type endpointLock struct {
	mu       sync.Mutex
	refs     int
	lastSeen time.Time
}

type Option func(*Pipeline)

func WithMaxBodyBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBodyBytes = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(s store.Store, pub Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        s,
		publisher:    pub,
		maxBodyBytes: DefaultMaxBodyBytes,
		now:          time.Now,
		logger:       slog.Default(),
		locks:        make(map[string]*endpointLock),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) MaxBodyBytes() int64 { return p.maxBodyBytes }

// Capture admits, persists and publishes one inbound request for ep. The
// record is visible to subscribers only after the store accepted it.
func (p *Pipeline) Capture(ctx context.Context, ep *store.Endpoint, in Inbound) (*Result, error) {
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}

	// Inactive and expired endpoints are refused before the body is read.
	if d := registry.Admit(ep, 0, receivedAt); d != registry.Accept {
		return nil, &RejectionError{Decision: d}
	}

	body, err := p.readBody(in)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			p.logger.Warn("payload rejected",
				"endpoint_id", ep.ID,
				"limit", humanize.IBytes(uint64(p.maxBodyBytes)),
				"content_length", in.ContentLength)
		}
		return nil, err
	}

	rec := &store.Request{
		ID:          uuid.New().String(),
		EndpointID:  ep.ID,
		Method:      in.Method,
		Path:        in.Path,
		SubPath:     normalizeSubPath(in.SubPath),
		QueryParams: copyValues(in.Query),
		Headers:     copyValues(in.Header),
		BodySize:    len(body),
		ContentType: in.Header.Get("Content-Type"),
		IPAddress:   clientIP(in.Header, in.RemoteAddr),
		UserAgent:   in.Header.Get("User-Agent"),
	}
	rec.Body, rec.BodyEncoding = encodeBody(body)

	stats, err := p.commit(ctx, ep, rec)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("request captured",
		"endpoint_id", ep.ID,
		"request_id", rec.ID,
		"method", rec.Method,
		"size", humanize.Bytes(uint64(rec.BodySize)),
		"dashboards", stats.Dashboards,
		"tunnels", stats.Tunnels)

	return &Result{Request: rec, ReceivedAt: receivedAt}, nil
}

// commit admits, persists and publishes rec under the endpoint's lock, so
// subscribers see records in persistence order.
func (p *Pipeline) commit(ctx context.Context, ep *store.Endpoint, rec *store.Request) (fanout.PublishStats, error) {
	l := p.acquire(ep.ID)
	defer p.release(ep.ID, l)

	count, err := p.store.CountRequests(ctx, ep.ID)
	if err != nil {
		return fanout.PublishStats{}, fmt.Errorf("count requests: %w", err)
	}
	now := p.now()
	if d := registry.Admit(ep, count, now); d != registry.Accept {
		return fanout.PublishStats{}, &RejectionError{Decision: d}
	}

	ts := now.UTC()
	if ts.Before(l.lastSeen) {
		ts = l.lastSeen
	}
	rec.Timestamp = ts

	if err := p.store.CreateRequest(ctx, rec); err != nil {
		return fanout.PublishStats{}, fmt.Errorf("persist request: %w", err)
	}
	l.lastSeen = ts
	return p.publisher.Publish(ep.ID, rec), nil
}

// acquire returns the locked per-endpoint entry.
func (p *Pipeline) acquire(endpointID string) *endpointLock {
	p.mu.Lock()
	l, ok := p.locks[endpointID]
	if !ok {
		l = &endpointLock{}
		p.locks[endpointID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return l
}

func (p *Pipeline) release(endpointID string, l *endpointLock) {
	l.mu.Unlock()

	p.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, endpointID)
	}
	p.mu.Unlock()
}

// Finalize records how long the caller waited for its response. It runs once per record.
func (p *Pipeline) Finalize(ctx context.Context, rec *store.Request, receivedAt time.Time) {
	ms := p.now().Sub(receivedAt).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if err := p.store.FinalizeRequest(ctx, rec.ID, ms); err != nil {
		p.logger.Warn("finalize request", "request_id", rec.ID, "error", err)
		return
	}
	rec.ProcessingTimeMs = ms
}

func (p *Pipeline) readBody(in Inbound) ([]byte, error) {
	if in.ContentLength > p.maxBodyBytes {
		return nil, ErrPayloadTooLarge
	}
	if in.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(in.Body, p.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > p.maxBodyBytes {
		return nil, ErrPayloadTooLarge
	}
	return body, nil
}

// encodeBody keeps UTF-8 payloads readable and base64-encodes anything else.
func encodeBody(b []byte) (string, string) {
	if utf8.Valid(b) {
		return string(b), ""
	}
	return base64.StdEncoding.EncodeToString(b), store.BodyEncodingBase64
}

func copyValues(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for k, vs := range src {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func normalizeSubPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func clientIP(h http.Header, remoteAddr string) string {
	if fwd := h.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
