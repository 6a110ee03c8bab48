package queryclient

import (
	"sort"
	"strings"
)

// sampleKey renders a sample's (start, end, dimension assignment) triple
// as a stable string so merge can collapse samples from different leaders
// that describe the same bucket.
func sampleKey(s DataSample) string {
	var sb strings.Builder
	sb.WriteString(s.Start.UTC().Format(timeKeyLayout))
	sb.WriteByte('\x1f')
	sb.WriteString(s.End.UTC().Format(timeKeyLayout))

	names := make([]string, 0, len(s.Dimensions))
	for k := range s.Dimensions {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		sb.WriteByte('\x1f')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(s.Dimensions[k])
	}
	return sb.String()
}

const timeKeyLayout = "20060102T150405.999999999Z"

// saturatingAdd adds b onto a without wrapping past the uint64 max, the
// same overflow discipline internal/datastore's HitCount/Histogram use.
func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// mergeSample combines two samples known to share the same key: hit
// counts add, histogram buckets sum per bucket, and a bucket present on
// only one side is carried over as-is (an absent bucket is treated as
// zero).
func mergeSample(a, b DataSample) DataSample {
	out := a
	out.HitCount = saturatingAdd(a.HitCount, b.HitCount)

	if len(a.Buckets) == 0 && len(b.Buckets) == 0 {
		return out
	}
	merged := make(map[string]uint64, len(a.Buckets)+len(b.Buckets))
	for k, v := range a.Buckets {
		merged[k] = v
	}
	for k, v := range b.Buckets {
		merged[k] = saturatingAdd(merged[k], v)
	}
	out.Buckets = merged
	return out
}

// MergeSamples folds b into a, keyed by (start, end, dimensions): matching
// keys merge via mergeSample, keys present on only one side pass through
// unchanged. The result is commutative and associative, so arrival order
// across leaders never affects the final sample vector. Exported because
// internal/batch reuses the exact same rule to combine overlapping
// sub-responses across batch passes.
func MergeSamples(a, b []DataSample) []DataSample {
	if len(a) == 0 {
		return append([]DataSample(nil), b...)
	}
	if len(b) == 0 {
		return append([]DataSample(nil), a...)
	}

	index := make(map[string]int, len(a))
	out := make([]DataSample, len(a))
	copy(out, a)
	for i, s := range out {
		index[sampleKey(s)] = i
	}

	for _, s := range b {
		key := sampleKey(s)
		if i, ok := index[key]; ok {
			out[i] = mergeSample(out[i], s)
		} else {
			index[key] = len(out)
			out = append(out, s)
		}
	}
	return out
}

// mergeCounterInfo folds newCounters into existing by name, the last
// response to describe a given counter wins its declared shape — counter
// shape doesn't accumulate the way sample values do, it's either reported
// or it isn't.
func mergeCounterInfo(existing []CounterInfo, newCounters []CounterInfo) []CounterInfo {
	index := make(map[string]int, len(existing))
	for i, c := range existing {
		index[c.Name] = i
	}
	for _, c := range newCounters {
		if i, ok := index[c.Name]; ok {
			existing[i] = c
		} else {
			index[c.Name] = len(existing)
			existing = append(existing, c)
		}
	}
	return existing
}
