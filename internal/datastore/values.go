// Package datastore holds counter samples keyed by a dimension tuple.
//
// This is the in-memory half of the persistence story (internal/persist is
// the on-disk half). Writes are two-phase: new values land in a pending
// buffer first, and only become visible — mergeable, countable, enumerable
// — once Merge folds them into the live region. Nothing here ever touches
// disk; this package only owns memory.
package datastore

// Mergeable is the capability every storable value kind must provide: two
// values of the same dimension key combine into one via Merge. HitCount and
// Histogram both satisfy this, which is what lets KeyedDataStore be generic
// over either one.
type Mergeable[V any] interface {
	Merge(other V) V
}

// HitCount is a simple monotonic counter sample.
type HitCount struct {
	Count uint64
}

// Add folds n into the count, saturating at the uint64 max instead of
// wrapping on overflow.
func (h HitCount) Add(n uint64) HitCount {
	sum := h.Count + n
	if sum < h.Count { // overflow
		sum = ^uint64(0)
	}
	return HitCount{Count: sum}
}

// Merge combines two hit counts by saturating addition.
func (h HitCount) Merge(other HitCount) HitCount {
	return h.Add(other.Count)
}

// Histogram is a bucketed sample; bucket identity is an opaque string key
// (callers decide what a bucket means — percentile boundary, latency band,
// error code, etc).
type Histogram struct {
	Buckets map[string]uint64
}

// NewHistogram returns an empty histogram ready for merging.
func NewHistogram() Histogram {
	return Histogram{Buckets: make(map[string]uint64)}
}

// AddBucket increments one bucket's count, saturating on overflow.
func (h Histogram) AddBucket(bucket string, n uint64) Histogram {
	if h.Buckets == nil {
		h.Buckets = make(map[string]uint64)
	}
	sum := h.Buckets[bucket] + n
	if sum < h.Buckets[bucket] {
		sum = ^uint64(0)
	}
	h.Buckets[bucket] = sum
	return h
}

// Merge sums matching buckets and carries over buckets present in only one
// side — an absent bucket is treated as zero.
func (h Histogram) Merge(other Histogram) Histogram {
	out := Histogram{Buckets: make(map[string]uint64, len(h.Buckets)+len(other.Buckets))}
	for k, v := range h.Buckets {
		out.Buckets[k] = v
	}
	for k, v := range other.Buckets {
		sum := out.Buckets[k] + v
		if sum < out.Buckets[k] {
			sum = ^uint64(0)
		}
		out.Buckets[k] = sum
	}
	return out
}
