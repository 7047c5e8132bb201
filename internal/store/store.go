package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown endpoints and requests.
	ErrNotFound = errors.New("store: not found")

	// ErrSlugTaken is returned by CreateEndpoint when the slug already exists.
	ErrSlugTaken = errors.New("store: slug already taken")
)

type Endpoint struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	OwnerID         string          `json:"ownerId,omitempty"`
	IsActive        bool            `json:"isActive"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	MaxRequests     int             `json:"maxRequests"`
	ResponseStatus  int             `json:"responseStatus"`
	ResponseHeaders json.RawMessage `json:"responseHeaders,omitempty"` // ordered JSON object
	ResponseBody    string          `json:"responseBody"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy so callers can hand endpoints across goroutines.
func (e *Endpoint) Clone() *Endpoint {
	if e == nil {
		return nil
	}
	out := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	if e.ResponseHeaders != nil {
		out.ResponseHeaders = append(json.RawMessage(nil), e.ResponseHeaders...)
	}
	return &out
}

// ResponseUpdate is a partial response configuration. Nil fields are left untouched.
type ResponseUpdate struct {
	Status  *int
	Headers json.RawMessage
	Body    *string
}

// Apply merges the update into e and reports whether anything changed.
func (u ResponseUpdate) Apply(e *Endpoint) bool {
	changed := false
	if u.Status != nil && *u.Status != e.ResponseStatus {
		e.ResponseStatus = *u.Status
		changed = true
	}
	if u.Headers != nil && string(u.Headers) != string(e.ResponseHeaders) {
		e.ResponseHeaders = append(json.RawMessage(nil), u.Headers...)
		changed = true
	}
	if u.Body != nil && *u.Body != e.ResponseBody {
		e.ResponseBody = *u.Body
		changed = true
	}
	return changed
}

const BodyEncodingBase64 = "base64"

type Request struct {
	ID               string              `json:"id"`
	EndpointID       string              `json:"endpointId"`
	Method           string              `json:"method"`
	Path             string              `json:"path"`
	SubPath          string              `json:"subPath"`
	QueryParams      map[string][]string `json:"queryParams"`
	Headers          map[string][]string `json:"headers"`
	Body             string              `json:"body"`
	BodyEncoding     string              `json:"bodyEncoding,omitempty"`
	BodySize         int                 `json:"bodySize"`
	ContentType      string              `json:"contentType"`
	IPAddress        string              `json:"ipAddress"`
	UserAgent        string              `json:"userAgent"`
	Timestamp        time.Time           `json:"timestamp"`
	ProcessingTimeMs int64               `json:"processingTimeMs"`
}

// RawBody returns the captured body bytes, undoing the base64 transport encoding.
func (r *Request) RawBody() ([]byte, error) {
	if r.BodyEncoding == BodyEncodingBase64 {
		return base64.StdEncoding.DecodeString(r.Body)
	}
	return []byte(r.Body), nil
}

type Store interface {
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	GetEndpointBySlug(ctx context.Context, slug string) (*Endpoint, error)
	UpdateEndpointResponse(ctx context.Context, id string, u ResponseUpdate) (*Endpoint, error)

	CreateRequest(ctx context.Context, r *Request) error
	FinalizeRequest(ctx context.Context, id string, processingTimeMs int64) error
	ListRequests(ctx context.Context, endpointID string, limit int) ([]*Request, error)
	CountRequests(ctx context.Context, endpointID string) (int, error)
	DeleteRequests(ctx context.Context, endpointID string) (int64, error)

	// PurgeExpired clears the request history of endpoints that expired before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
