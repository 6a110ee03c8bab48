package persist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"metricfed/internal/datastore"
	"metricfed/internal/dimset"
)

// Reader decodes persisted-data records from an underlying io.Reader,
// record by record. Call ReadDataHeader to advance to the next record (or
// discover a clean end of stream), then VisitData, ReadData, or LoadData
// to consume that record's body.
type Reader struct {
	in     io.Reader
	header PersistedHeader
	body   *crcReader
}

// NewReader wraps an io.Reader (typically a file) for record reads.
func NewReader(in io.Reader) *Reader {
	return &Reader{in: in}
}

// Header returns the most recently read record's header.
func (r *Reader) Header() PersistedHeader { return r.header }

// IsLatestProtocol reports whether the most recently read header was
// written at CurrentProtocolVersion.
func (r *Reader) IsLatestProtocol() bool { return r.header.IsLatestProtocol() }

// ReadDataHeader advances to the next record and decodes its header. It
// returns (false, nil) on a clean end of stream — no more records, not an
// error. Any other failure to read a complete record is a *Error with Kind
// Truncated, BadMagic, UnsupportedVersion, or Corrupt.
func (r *Reader) ReadDataHeader() (bool, error) {
	var magicBuf [4]byte
	n, err := io.ReadFull(r.in, magicBuf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return false, nil
		}
		return false, newError(Truncated, err)
	}
	if binary.LittleEndian.Uint32(magicBuf[:]) != MagicNumber {
		return false, newError(BadMagic, nil)
	}

	var verBuf [2]byte
	if _, err := io.ReadFull(r.in, verBuf[:]); err != nil {
		return false, newError(Truncated, err)
	}
	version := binary.LittleEndian.Uint16(verBuf[:])
	if version != CurrentProtocolVersion && version != LegacyProtocolVersion {
		return false, newError(UnsupportedVersion, nil)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.in, lenBuf[:]); err != nil {
		return false, newError(Truncated, err)
	}
	headerLength := binary.LittleEndian.Uint32(lenBuf[:])

	headerBuf := acquireBuffer()
	defer releaseBuffer(headerBuf)
	if _, err := io.CopyN(headerBuf, r.in, int64(headerLength)); err != nil {
		return false, newError(Truncated, err)
	}

	headerReader := newCRCReader(bytes.NewReader(headerBuf.Bytes()))
	header, err := decodeHeader(headerReader, version)
	if err != nil {
		return false, err
	}
	header.ProtocolVersion = version
	r.header = header
	r.body = newCRCReaderContinuing(headerReader.crc, r.in)
	return true, nil
}

// decodeHeader parses a header's fields out of hr. The dimension section
// (count + names) is only present at CurrentProtocolVersion; a
// LegacyProtocolVersion record implies a single "default" dimension and
// carries no such section on disk.
func decodeHeader(hr *crcReader, version uint16) (PersistedHeader, error) {
	var h PersistedHeader

	name, err := hr.lpString()
	if err != nil {
		return h, err
	}
	h.Name = name

	startNanos, err := hr.int64()
	if err != nil {
		return h, err
	}
	h.Start = time.Unix(0, startNanos).UTC()

	endNanos, err := hr.int64()
	if err != nil {
		return h, err
	}
	h.End = time.Unix(0, endNanos).UTC()

	dataType, err := hr.uint8()
	if err != nil {
		return h, err
	}
	h.DataType = DataType(dataType)

	dataCount, err := hr.uint32()
	if err != nil {
		return h, err
	}
	h.DataCount = dataCount

	if version == CurrentProtocolVersion {
		dimCount, err := hr.uint16()
		if err != nil {
			return h, err
		}
		names := make([]string, dimCount)
		for i := range names {
			n, err := hr.lpString()
			if err != nil {
				return h, err
			}
			names[i] = n
		}
		h.DimensionNames = names
	}

	sourceCount, err := hr.uint32()
	if err != nil {
		return h, err
	}
	sources := make([]PersistedDataSource, sourceCount)
	for i := range sources {
		sourceName, err := hr.lpString()
		if err != nil {
			return h, err
		}
		status, err := hr.uint8()
		if err != nil {
			return h, err
		}
		sources[i] = PersistedDataSource{Name: sourceName, Status: SourceStatus(status)}
	}
	h.Sources = sources

	return h, nil
}

// keyArity is the number of length-prefixed strings that make up one
// record's on-disk key: the written dimension count, or 1 for a legacy
// record's implicit single dimension.
func (h PersistedHeader) keyArity() int {
	if h.ProtocolVersion == LegacyProtocolVersion {
		return 1
	}
	return len(h.DimensionNames)
}

// VisitData streams the body of the record whose header was just read by
// ReadDataHeader: each (key, value) pair is decoded with codec and handed
// to visit without the table ever being materialized in full. After the
// last entry the trailing CRC32 is verified against the header+body bytes
// actually read; a mismatch is always reported as Corrupt, even if every
// field parsed structurally. An error from visit stops the stream and is
// returned unchanged.
func VisitData[V any](r *Reader, codec Codec[V], visit func(dimset.DimensionKey, V) error) error {
	if r.body == nil {
		return fmt.Errorf("persist: VisitData called before a successful ReadDataHeader")
	}

	keyArity := r.header.keyArity()
	for i := uint32(0); i < r.header.DataCount; i++ {
		key := make(dimset.DimensionKey, keyArity)
		for j := 0; j < keyArity; j++ {
			s, err := r.body.lpString()
			if err != nil {
				return err
			}
			key[j] = s
		}
		v, err := codec.Decode(r.body)
		if err != nil {
			return err
		}
		if err := visit(key, v); err != nil {
			return err
		}
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r.in, crcBuf[:]); err != nil {
		return newError(Truncated, err)
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	if want != r.body.crc.Sum32() {
		return newError(Corrupt, nil)
	}

	r.body = nil
	return nil
}

// ReadData is VisitData with the whole table materialized into a slice,
// for callers that want every entry at once.
func ReadData[V any](r *Reader, codec Codec[V]) ([]datastore.Entry[V], error) {
	entries := make([]datastore.Entry[V], 0, r.header.DataCount)
	err := VisitData(r, codec, func(key dimset.DimensionKey, v V) error {
		entries = append(entries, datastore.Entry[V]{Key: key, Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadData reads the body of the record whose header was just read and
// loads it into a freshly constructed KeyedDataStore, using the header's
// own dimension names (or the implicit legacy "default" dimension).
func LoadData[V datastore.Mergeable[V]](r *Reader, codec Codec[V]) (*datastore.KeyedDataStore[V], error) {
	entries, err := ReadData[V](r, codec)
	if err != nil {
		return nil, err
	}

	names := r.header.DimensionNames
	if r.header.ProtocolVersion == LegacyProtocolVersion {
		names = []string{legacyDimensionName}
	}
	dims, err := dimset.New(names...)
	if err != nil {
		return nil, err
	}

	store := datastore.New[V](dims)
	for _, e := range entries {
		if err := store.AddKey(e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	store.Merge()
	return store, nil
}
