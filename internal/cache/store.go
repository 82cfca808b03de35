package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HttpResponse is the stored representation of a cached provider response:
// enough to replay it to a future client without re-dispatching.
type HttpResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body"`
}

// entry is the on-wire pair a Store persists under one key.
type entry struct {
	Response HttpResponse `json:"response"`
	Policy   CachePolicy  `json:"policy"`
}

// Store is the response cache's contract: Local and Remote backends share
// it so the router and dispatcher never need to know which is active.
type Store interface {
	Get(ctx context.Context, key string) (HttpResponse, CachePolicy, bool)
	Put(ctx context.Context, key string, resp HttpResponse, policy CachePolicy) error
}

// byteStore is satisfied by both MemoryCache and ExactCache; Store wraps
// whichever is configured and adds the (response, policy) JSON envelope and
// freshness check on top of the plain byte cache.
type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// jsonStore adapts a byteStore into a Store.
type jsonStore struct {
	backing byteStore
}

// NewLocalStore builds a Store backed by a bounded in-process MemoryCache.
func NewLocalStore(cache *MemoryCache) Store {
	return &jsonStore{backing: cache}
}

// NewRemoteStore builds a Store backed by Redis via ExactCache.
func NewRemoteStore(cache *ExactCache) Store {
	return &jsonStore{backing: cache}
}

func (s *jsonStore) Get(ctx context.Context, key string) (HttpResponse, CachePolicy, bool) {
	raw, ok := s.backing.Get(ctx, key)
	if !ok {
		return HttpResponse{}, CachePolicy{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return HttpResponse{}, CachePolicy{}, false
	}
	if !e.Policy.Fresh(time.Now()) {
		return HttpResponse{}, CachePolicy{}, false
	}
	return e.Response, e.Policy, true
}

func (s *jsonStore) Put(ctx context.Context, key string, resp HttpResponse, policy CachePolicy) error {
	if !policy.Storable() {
		return nil
	}
	policy.StoredAt = time.Now()
	raw, err := json.Marshal(entry{Response: resp, Policy: policy})
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	ttl := policy.MaxAge
	if policy.HasMaxStale {
		ttl += policy.MaxStale
	}
	return s.backing.Set(ctx, key, raw, ttl)
}
