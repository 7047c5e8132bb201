// Package registry owns endpoint creation, slug resolution and admission control.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

var (
	// ErrNotFound is returned for unknown slugs and ids. It does not reveal
	// whether a slug ever existed.
	ErrNotFound = store.ErrNotFound

	// ErrSlugGenerationExhausted means every generated slug collided. Retrying the whole create is safe.
	ErrSlugGenerationExhausted = errors.New("registry: slug generation exhausted")
)

const (
	DefaultMaxRequests = 1000
	defaultAttempts    = 5
	slugLength         = 8
	slugAlphabet       = "abcdefghijklmnopqrstuvwxyz0123456789"
)

type Decision int

const (
	Accept Decision = iota
	RejectInactive
	RejectExpired
	RejectQuotaExceeded
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RejectInactive:
		return "inactive"
	case RejectExpired:
		return "expired"
	case RejectQuotaExceeded:
		return "quota_exceeded"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// StatusCode maps a rejection to the HTTP status returned to the webhook caller.
func (d Decision) StatusCode() int {
	switch d {
	case RejectInactive:
		return http.StatusNotFound
	case RejectExpired:
		return http.StatusGone
	case RejectQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// Admit decides whether ep may accept another request. Checks run in a fixed
// order (inactive, expired, quota) and the first failure wins.
func Admit(ep *store.Endpoint, currentCount int, now time.Time) Decision {
	switch {
	case !ep.IsActive:
		return RejectInactive
	case ep.ExpiresAt != nil && !now.Before(*ep.ExpiresAt):
		return RejectExpired
	case ep.MaxRequests > 0 && currentCount >= ep.MaxRequests:
		return RejectQuotaExceeded
	default:
		return Accept
	}
}

type CreateOptions struct {
	OwnerID         string
	ExpiresIn       *time.Duration
	MaxRequests     *int
	ResponseStatus  *int
	ResponseHeaders json.RawMessage
	ResponseBody    *string
}

type Registry struct {
	store  store.Store
	cache  Cache
	logger *slog.Logger

	now         func() time.Time
	newSlug     func() (string, error)
	maxAttempts int

	defaultMaxRequests int
	defaultTTL         time.Duration
}

type Option func(*Registry)

func WithCache(c Cache) Option {
	return func(r *Registry) {
		if c != nil {
			r.cache = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithSlugGenerator(gen func() (string, error)) Option {
	return func(r *Registry) { r.newSlug = gen }
}

// WithDefaults sets the quota applied to new endpoints and the lifetime of
// anonymous endpoints. A zero ttl disables expiry.
func WithDefaults(maxRequests int, ttl time.Duration) Option {
	return func(r *Registry) {
		r.defaultMaxRequests = maxRequests
		r.defaultTTL = ttl
	}
}

func New(s store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:              s,
		cache:              NoopCache{},
		logger:             slog.Default(),
		now:                time.Now,
		newSlug:            RandomSlug,
		maxAttempts:        defaultAttempts,
		defaultMaxRequests: DefaultMaxRequests,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Now() time.Time {
	return r.now()
}

// Create registers a new endpoint under a fresh slug.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*store.Endpoint, error) {
	now := r.now().UTC()
	ep := &store.Endpoint{
		ID:              uuid.New().String(),
		OwnerID:         opts.OwnerID,
		IsActive:        true,
		MaxRequests:     r.defaultMaxRequests,
		ResponseStatus:  http.StatusOK,
		ResponseHeaders: json.RawMessage(`{}`),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if opts.MaxRequests != nil {
		ep.MaxRequests = *opts.MaxRequests
	}
	if opts.ResponseStatus != nil {
		ep.ResponseStatus = *opts.ResponseStatus
	}
	if opts.ResponseHeaders != nil {
		ep.ResponseHeaders = opts.ResponseHeaders
	}
	if opts.ResponseBody != nil {
		ep.ResponseBody = *opts.ResponseBody
	}
	switch {
	case opts.ExpiresIn != nil && *opts.ExpiresIn > 0:
		exp := now.Add(*opts.ExpiresIn)
		ep.ExpiresAt = &exp
	case opts.ExpiresIn == nil && opts.OwnerID == "" && r.defaultTTL > 0:
		exp := now.Add(r.defaultTTL)
		ep.ExpiresAt = &exp
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		slug, err := r.newSlug()
		if err != nil {
			return nil, fmt.Errorf("generate slug: %w", err)
		}
		ep.Slug = slug

		err = r.store.CreateEndpoint(ctx, ep)
		if err == nil {
			r.logger.Info("endpoint created", "endpoint_id", ep.ID, "slug", ep.Slug, "owner_id", ep.OwnerID)
			return ep, nil
		}
		if !errors.Is(err, store.ErrSlugTaken) {
			return nil, err
		}
		r.logger.Debug("slug collision, retrying", "slug", slug, "attempt", attempt)
	}
	return nil, ErrSlugGenerationExhausted
}

// Resolve looks up the endpoint behind a public slug.
func (r *Registry) Resolve(ctx context.Context, slug string) (*store.Endpoint, error) {
	if ep, ok, err := r.cache.Get(ctx, slug); err != nil {
		r.logger.Warn("endpoint cache read failed", "slug", slug, "error", err)
	} else if ok {
		return ep, nil
	}

	ep, err := r.store.GetEndpointBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, ep); err != nil {
		r.logger.Warn("endpoint cache write failed", "slug", slug, "error", err)
	}
	return ep, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*store.Endpoint, error) {
	return r.store.GetEndpoint(ctx, id)
}

// UpdateResponseConfig merges the provided fields into the endpoint's response configuration.
func (r *Registry) UpdateResponseConfig(ctx context.Context, id string, u store.ResponseUpdate) (*store.Endpoint, error) {
	ep, err := r.store.UpdateEndpointResponse(ctx, id, u)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Invalidate(ctx, ep); err != nil {
		r.logger.Warn("endpoint cache invalidation failed", "slug", ep.Slug, "error", err)
	}
	return ep, nil
}

// RandomSlug returns a short URL-safe identifier drawn from crypto/rand.
func RandomSlug() (string, error) {
	buf := make([]byte, slugLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	// 252 is the largest multiple of 36 below 256; rejecting above it keeps the draw uniform.
	out := make([]byte, 0, slugLength)
	for len(out) < slugLength {
		for _, b := range buf {
			if b >= 252 {
				continue
			}
			out = append(out, slugAlphabet[int(b)%len(slugAlphabet)])
			if len(out) == slugLength {
				break
			}
		}
		if len(out) < slugLength {
			if _, err := rand.Read(buf); err != nil {
				return "", err
			}
		}
	}
	return string(out), nil
}
