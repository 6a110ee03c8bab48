package persist

import (
	"io"
	"time"

	"metricfed/internal/datastore"
	"metricfed/internal/dimset"
)

// Writer emits persisted-data records to an underlying io.Writer. A Writer
// always writes at CurrentProtocolVersion — legacy versions are read-only.
type Writer struct {
	out io.Writer
}

// NewWriter wraps an io.Writer (typically a file) for record writes.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// WriteData emits exactly one record for the live contents of store. The
// caller must have already called store.Merge(); declaredCount must equal
// store.Count(), or WriteData aborts with ErrDeclaredCountMismatch instead
// of writing a record whose header lies about its own body.
func WriteData[V datastore.Mergeable[V]](
	w *Writer,
	name string,
	start, end time.Time,
	declaredCount uint32,
	sources []PersistedDataSource,
	dims *dimset.DimensionSet,
	store *datastore.KeyedDataStore[V],
	codec Codec[V],
) error {
	entries := store.Enumerate()
	if int(declaredCount) != len(entries) {
		return ErrDeclaredCountMismatch
	}

	headerBuf := acquireBuffer()
	defer releaseBuffer(headerBuf)

	hb := newCRCWriter(headerBuf) // crc discarded; just reusing the put* helpers
	if err := encodeHeader(hb, name, start, end, codec.DataType(), declaredCount, dims.Names(), sources); err != nil {
		return err
	}

	if err := writeRawUint32(w.out, MagicNumber); err != nil {
		return err
	}
	if err := writeRawUint16(w.out, CurrentProtocolVersion); err != nil {
		return err
	}
	if err := writeRawUint32(w.out, uint32(headerBuf.Len())); err != nil {
		return err
	}

	body := newCRCWriter(w.out)
	if _, err := body.Write(headerBuf.Bytes()); err != nil {
		return err
	}

	for _, e := range entries {
		for _, v := range e.Key {
			if err := body.putLPString(v); err != nil {
				return err
			}
		}
		if err := codec.Encode(body, e.Value); err != nil {
			return err
		}
	}

	return writeRawUint32(w.out, body.crc.Sum32())
}

func encodeHeader(
	hb *crcWriter,
	name string,
	start, end time.Time,
	dataType DataType,
	dataCount uint32,
	dimensionNames []string,
	sources []PersistedDataSource,
) error {
	if err := hb.putLPString(name); err != nil {
		return err
	}
	if err := hb.putInt64(start.UnixNano()); err != nil {
		return err
	}
	if err := hb.putInt64(end.UnixNano()); err != nil {
		return err
	}
	if err := hb.putUint8(uint8(dataType)); err != nil {
		return err
	}
	if err := hb.putUint32(dataCount); err != nil {
		return err
	}
	if err := hb.putUint16(uint16(len(dimensionNames))); err != nil {
		return err
	}
	for _, n := range dimensionNames {
		if err := hb.putLPString(n); err != nil {
			return err
		}
	}
	if err := hb.putUint32(uint32(len(sources))); err != nil {
		return err
	}
	for _, s := range sources {
		if err := hb.putLPString(s.Name); err != nil {
			return err
		}
		if err := hb.putUint8(uint8(s.Status)); err != nil {
			return err
		}
	}
	return nil
}
