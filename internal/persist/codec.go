package persist

import (
	"sort"

	"metricfed/internal/datastore"
)

// Codec knows how to encode and decode one value kind's type-specific body
// encoding. Writer and Reader are generic over V via a Codec[V], so the
// framing logic (magic, header, CRC, truncation handling) is written
// exactly once and shared by both HitCount and Histogram records.
type Codec[V any] interface {
	DataType() DataType
	Encode(w *crcWriter, v V) error
	Decode(r *crcReader) (V, error)
}

// HitCountCodec encodes datastore.HitCount as a single little-endian
// uint64.
type HitCountCodec struct{}

func (HitCountCodec) DataType() DataType { return DataTypeHitCount }

func (HitCountCodec) Encode(w *crcWriter, v datastore.HitCount) error {
	return w.putUint64(v.Count)
}

func (HitCountCodec) Decode(r *crcReader) (datastore.HitCount, error) {
	n, err := r.uint64()
	if err != nil {
		return datastore.HitCount{}, err
	}
	return datastore.HitCount{Count: n}, nil
}

// HistogramCodec encodes datastore.Histogram as a bucket count followed by
// that many (length-prefixed bucket name, uint64 count) pairs, written in
// sorted bucket-name order so two writes of the same logical histogram
// produce byte-identical output (map iteration order is not otherwise
// deterministic).
type HistogramCodec struct{}

func (HistogramCodec) DataType() DataType { return DataTypeHistogram }

func (HistogramCodec) Encode(w *crcWriter, v datastore.Histogram) error {
	names := make([]string, 0, len(v.Buckets))
	for name := range v.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := w.putUint32(uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := w.putLPString(name); err != nil {
			return err
		}
		if err := w.putUint64(v.Buckets[name]); err != nil {
			return err
		}
	}
	return nil
}

func (HistogramCodec) Decode(r *crcReader) (datastore.Histogram, error) {
	count, err := r.uint32()
	if err != nil {
		return datastore.Histogram{}, err
	}
	h := datastore.NewHistogram()
	for i := uint32(0); i < count; i++ {
		name, err := r.lpString()
		if err != nil {
			return datastore.Histogram{}, err
		}
		n, err := r.uint64()
		if err != nil {
			return datastore.Histogram{}, err
		}
		h.Buckets[name] = n
	}
	return h, nil
}
