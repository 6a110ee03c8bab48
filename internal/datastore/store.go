package datastore

import (
	"fmt"
	"sort"
	"sync"

	"metricfed/internal/dimset"
)

// Entry is one (key, value) pair as yielded by enumeration.
type Entry[V any] struct {
	Key   dimset.DimensionKey
	Value V
}

// KeyedDataStore holds counter or histogram samples keyed by a dimension
// tuple. Writes are buffered; Merge folds the buffer into the live region,
// collapsing duplicate keys with V.Merge. Enumeration only ever sees the
// live region; concurrent mutation during enumeration is the caller's to
// avoid.
type KeyedDataStore[V Mergeable[V]] struct {
	mu   sync.Mutex
	dims *dimset.DimensionSet

	pending []pendingWrite[V]
	live    map[string]V
	order   []dimset.DimensionKey // live key insertion order, for stable enumeration
}

type pendingWrite[V any] struct {
	key   dimset.DimensionKey
	value V
}

// New creates an empty store over the given dimension set.
func New[V Mergeable[V]](dims *dimset.DimensionSet) *KeyedDataStore[V] {
	return &KeyedDataStore[V]{
		dims: dims,
		live: make(map[string]V),
	}
}

// Dimensions returns the owning dimension set.
func (s *KeyedDataStore[V]) Dimensions() *dimset.DimensionSet {
	return s.dims
}

// AddValue appends a sample to the write buffer. O(1) amortised. The
// specification must have a value for every dimension in the owning set —
// AddValue is for storing complete data points, not partial query filters.
func (s *KeyedDataStore[V]) AddValue(spec dimset.DimensionSpecification, v V) error {
	key, err := s.dims.Key(spec)
	if err != nil {
		return fmt.Errorf("datastore: %w", err)
	}
	s.mu.Lock()
	s.pending = append(s.pending, pendingWrite[V]{key: key, value: v})
	s.mu.Unlock()
	return nil
}

// AddKey is like AddValue but takes an already-projected key — used by the
// persisted reader, which decodes dimension-ordered keys directly off disk
// without re-deriving them from a specification map.
func (s *KeyedDataStore[V]) AddKey(key dimset.DimensionKey, v V) error {
	if len(key) != s.dims.Len() {
		return fmt.Errorf("datastore: key arity %d does not match dimension set arity %d", len(key), s.dims.Len())
	}
	s.mu.Lock()
	s.pending = append(s.pending, pendingWrite[V]{key: key, value: v})
	s.mu.Unlock()
	return nil
}

// Merge folds the pending write buffer into the live region, combining
// duplicate keys with V.Merge. Idempotent on an empty buffer.
func (s *KeyedDataStore[V]) Merge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.pending {
		ks := w.key.String()
		if existing, ok := s.live[ks]; ok {
			s.live[ks] = existing.Merge(w.value)
		} else {
			s.live[ks] = w.value
			s.order = append(s.order, w.key)
		}
	}
	s.pending = s.pending[:0]
}

// Count returns the number of distinct live keys after the most recent
// merge.
func (s *KeyedDataStore[V]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Enumerate yields every live (key, value) pair in a stable order (live-key
// insertion order, which is deterministic given a deterministic sequence of
// AddValue/AddKey + Merge calls).
func (s *KeyedDataStore[V]) Enumerate() []Entry[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry[V], 0, len(s.order))
	for _, k := range s.order {
		out = append(out, Entry[V]{Key: k, Value: s.live[k.String()]})
	}
	return out
}

// Snapshot is Enumerate with keys sorted lexicographically by their string
// rendering — used by the demo fixture server when it loads its data, so
// the samples /query returns come in a predictable order regardless of
// write history.
func (s *KeyedDataStore[V]) Snapshot() []Entry[V] {
	out := s.Enumerate()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Dispose releases the store's backing buffers. KeyedDataStore holds no
// pooled resources of its own (internal/persist owns the pooled scratch
// buffers used while reading/writing); Dispose exists so callers have one
// consistent shutdown hook regardless of value kind.
func (s *KeyedDataStore[V]) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.live = nil
	s.order = nil
}
