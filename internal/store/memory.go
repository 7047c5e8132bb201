package store

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process. Used for ephemeral deployments and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint  // keyed by id
	slugs     map[string]string     // slug -> id
	requests  map[string][]*Request // endpoint id -> requests in insertion order
	finalized map[string]bool       // request id -> processing time recorded
	byID      map[string]*Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[string]*Endpoint),
		slugs:     make(map[string]string),
		requests:  make(map[string][]*Request),
		finalized: make(map[string]bool),
		byID:      make(map[string]*Request),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateEndpoint(_ context.Context, e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.slugs[e.Slug]; ok {
		return ErrSlugTaken
	}
	s.endpoints[e.ID] = e.Clone()
	s.slugs[e.Slug] = e.ID
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) GetEndpointBySlug(_ context.Context, slug string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.slugs[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return s.endpoints[id].Clone(), nil
}

func (s *MemoryStore) UpdateEndpointResponse(_ context.Context, id string, u ResponseUpdate) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Apply(e) {
		e.UpdatedAt = time.Now().UTC()
	}
	return e.Clone(), nil
}

func (s *MemoryStore) CreateRequest(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[r.EndpointID]; !ok {
		return ErrNotFound
	}
	stored := cloneRequest(r)
	s.requests[r.EndpointID] = append(s.requests[r.EndpointID], stored)
	s.byID[r.ID] = stored
	return nil
}

func (s *MemoryStore) FinalizeRequest(_ context.Context, id string, processingTimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if s.finalized[id] {
		return nil
	}
	r.ProcessingTimeMs = processingTimeMs
	s.finalized[id] = true
	return nil
}

func (s *MemoryStore) ListRequests(_ context.Context, endpointID string, limit int) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.requests[endpointID]
	out := make([]*Request, 0, max(0, min(limit, len(all))))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneRequest(all[i]))
	}
	return out, nil
}

func (s *MemoryStore) CountRequests(_ context.Context, endpointID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests[endpointID]), nil
}

func (s *MemoryStore) DeleteRequests(_ context.Context, endpointID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropRequests(endpointID), nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.endpoints {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(cutoff) {
			n += s.dropRequests(id)
		}
	}
	return n, nil
}

// dropRequests must be called with mu held.
func (s *MemoryStore) dropRequests(endpointID string) int64 {
	reqs := s.requests[endpointID]
	for _, r := range reqs {
		delete(s.byID, r.ID)
		delete(s.finalized, r.ID)
	}
	delete(s.requests, endpointID)
	return int64(len(reqs))
}

func cloneRequest(r *Request) *Request {
	out := *r
	out.QueryParams = cloneValues(r.QueryParams)
	out.Headers = cloneValues(r.Headers)
	return &out
}

func cloneValues(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
