// Package dedup tracks recently processed inbound event ids.
//
// Chat platforms redeliver events on slow acks, so the webhook handler must
// drop ids it has already seen. A fixed-capacity LRU bounds memory while
// evicting only the oldest ids, avoiding the reprocessing window a
// clear-everything-on-threshold set would open.
package dedup

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the default number of remembered event ids.
const DefaultCapacity = 1000

// Set is a bounded set of seen event ids. Safe for concurrent use.
type Set struct {
	cache *lru.Cache[string, struct{}]
}

// New creates a Set remembering up to capacity ids (DefaultCapacity if <= 0).
func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// lru.New only fails on a non-positive size, which is excluded above.
	cache, _ := lru.New[string, struct{}](capacity)
	return &Set{cache: cache}
}

// Seen records id and reports whether it was already present.
func (s *Set) Seen(id string) bool {
	if _, ok := s.cache.Get(id); ok {
		return true
	}
	s.cache.Add(id, struct{}{})
	return false
}

// Len returns the number of remembered ids.
func (s *Set) Len() int { return s.cache.Len() }
