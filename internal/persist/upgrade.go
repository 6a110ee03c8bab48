package persist

import (
	"io"

	"metricfed/internal/datastore"
	"metricfed/internal/dimset"
)

// UpgradeFile rewrites every record in src, re-encoding each at
// CurrentProtocolVersion, and writes the result to dst. A legacy record's
// implicit single "default" dimension becomes an explicit one-entry
// dimension list; a record already at the current version round-trips
// unchanged except for the dimension section becoming explicit on disk
// (it already was).
//
// UpgradeFile dispatches on each record's DataType so it never needs the
// caller to know in advance what kinds of records a file holds.
func UpgradeFile(src io.Reader, dst io.Writer) error {
	r := NewReader(src)
	w := NewWriter(dst)

	for {
		ok, err := r.ReadDataHeader()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		header := r.Header()
		switch header.DataType {
		case DataTypeHitCount:
			if err := upgradeRecord(r, w, header, HitCountCodec{}); err != nil {
				return err
			}
		case DataTypeHistogram:
			if err := upgradeRecord(r, w, header, HistogramCodec{}); err != nil {
				return err
			}
		default:
			return newError(Corrupt, nil)
		}
	}
}

func upgradeRecord[V datastore.Mergeable[V]](r *Reader, w *Writer, header PersistedHeader, codec Codec[V]) error {
	names := header.DimensionNames
	if header.ProtocolVersion == LegacyProtocolVersion {
		names = []string{legacyDimensionName}
	}
	dims, err := dimset.New(names...)
	if err != nil {
		return err
	}

	store := datastore.New[V](dims)
	entries, err := ReadData[V](r, codec)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := store.AddKey(e.Key, e.Value); err != nil {
			return err
		}
	}
	store.Merge()

	return WriteData[V](w, header.Name, header.Start, header.End, uint32(store.Count()), header.Sources, dims, store, codec)
}
