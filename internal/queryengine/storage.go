// Package queryengine implements the filter/sort/query-changes core
// shared by every data type's /query and /queryChanges verb (spec §4.6,
// §4.7). It is generic over the row type each domain package supplies.
package queryengine

import "sync"

// Storage is the per-query scratch area ("comparator storage") that
// memoizes expensive derived data — thread keyword aggregation, full
// mailbox path names, external search hit sets — across every
// comparison and match of one query, so the cost is paid once
// regardless of row count (spec §3, §4.6).
//
// A Storage is created fresh per query/queryChanges call and discarded
// afterward; it is never shared across calls.
type Storage struct {
	mu     sync.Mutex
	lazy   map[string]any
	errors map[string]error
}

// NewStorage creates an empty comparator storage.
func NewStorage() *Storage {
	return &Storage{lazy: make(map[string]any), errors: make(map[string]error)}
}

// GetOrCompute returns the cached value for key, computing and caching
// it via compute on first access. If compute returns an error, the error
// is cached too so repeated lookups don't recompute a known failure.
func (s *Storage) GetOrCompute(key string, compute func() (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.lazy[key]; ok {
		return v, s.errors[key]
	}
	v, err := compute()
	s.lazy[key] = v
	s.errors[key] = err
	return v, err
}
