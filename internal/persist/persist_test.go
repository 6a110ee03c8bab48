package persist

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"metricfed/internal/datastore"
	"metricfed/internal/dimset"
)

func buildHitCountStore(t *testing.T) (*dimset.DimensionSet, *datastore.KeyedDataStore[datastore.HitCount]) {
	t.Helper()
	dims, err := dimset.New("region", "endpoint")
	if err != nil {
		t.Fatalf("dimset.New: %v", err)
	}
	store := datastore.New[datastore.HitCount](dims)
	specs := []dimset.DimensionSpecification{
		{"region": "us", "endpoint": "/login"},
		{"region": "us", "endpoint": "/logout"},
		{"region": "eu", "endpoint": "/login"},
	}
	for i, s := range specs {
		if err := store.AddValue(s, datastore.HitCount{Count: uint64(i + 1)}); err != nil {
			t.Fatalf("AddValue: %v", err)
		}
	}
	store.Merge()
	return dims, store
}

func TestWriteReadRoundTripHitCount(t *testing.T) {
	dims, store := buildHitCountStore(t)

	var buf bytes.Buffer
	start := time.Unix(1000, 0).UTC()
	end := time.Unix(2000, 0).UTC()
	sources := []PersistedDataSource{{Name: "host-a", Status: SourceAvailable}}

	w := NewWriter(&buf)
	if err := WriteData[datastore.HitCount](w, "logins", start, end, uint32(store.Count()), sources, dims, store, HitCountCodec{}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	ok, err := r.ReadDataHeader()
	if err != nil || !ok {
		t.Fatalf("ReadDataHeader: ok=%v err=%v", ok, err)
	}
	h := r.Header()
	if h.Name != "logins" || !h.IsLatestProtocol() {
		h2 := h
		t.Fatalf("unexpected header: %+v", h2)
	}
	if !h.Start.Equal(start) || !h.End.Equal(end) {
		t.Fatalf("time range mismatch: got [%v,%v]", h.Start, h.End)
	}
	if got := h.DimensionNames; len(got) != 2 || got[0] != "endpoint" || got[1] != "region" {
		t.Fatalf("dimension names not canonical: %v", got)
	}

	got, err := ReadData[datastore.HitCount](r, HitCountCodec{})
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}

	ok, err = r.ReadDataHeader()
	if err != nil {
		t.Fatalf("trailing ReadDataHeader: %v", err)
	}
	if ok {
		t.Fatalf("expected clean end of stream")
	}
}

func TestLoadDataReproducesOriginalStore(t *testing.T) {
	dims, store := buildHitCountStore(t)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := WriteData[datastore.HitCount](w, "logins", time.Now(), time.Now(), uint32(store.Count()), nil, dims, store, HitCountCodec{}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	ok, err := r.ReadDataHeader()
	if err != nil || !ok {
		t.Fatalf("ReadDataHeader: ok=%v err=%v", ok, err)
	}
	loaded, err := LoadData[datastore.HitCount](r, HitCountCodec{})
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}

	want := store.Snapshot()
	got := loaded.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("entry count mismatch: want %d got %d", len(want), len(got))
	}
	for i := range want {
		if want[i].Key.String() != got[i].Key.String() || want[i].Value != got[i].Value {
			t.Fatalf("entry %d mismatch: want %+v got %+v", i, want[i], got[i])
		}
	}
}

func TestVisitDataStreamsEveryEntryAndStopsOnVisitorError(t *testing.T) {
	dims, store := buildHitCountStore(t)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := WriteData[datastore.HitCount](w, "logins", time.Now(), time.Now(), uint32(store.Count()), nil, dims, store, HitCountCodec{}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	if ok, err := r.ReadDataHeader(); err != nil || !ok {
		t.Fatalf("ReadDataHeader: ok=%v err=%v", ok, err)
	}
	visited := 0
	err := VisitData[datastore.HitCount](r, HitCountCodec{}, func(key dimset.DimensionKey, v datastore.HitCount) error {
		if len(key) != dims.Len() {
			t.Fatalf("visited key arity %d, want %d", len(key), dims.Len())
		}
		visited++
		return nil
	})
	if err != nil {
		t.Fatalf("VisitData: %v", err)
	}
	if visited != 3 {
		t.Fatalf("visited %d entries, want 3", visited)
	}

	r = NewReader(bytes.NewReader(buf.Bytes()))
	if ok, err := r.ReadDataHeader(); err != nil || !ok {
		t.Fatalf("ReadDataHeader: ok=%v err=%v", ok, err)
	}
	stop := errors.New("stop")
	seen := 0
	err = VisitData[datastore.HitCount](r, HitCountCodec{}, func(dimset.DimensionKey, datastore.HitCount) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected the visitor's own error back, got %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected the stream to stop after the first entry, visited %d", seen)
	}
}

func TestHistogramRoundTripIsDeterministic(t *testing.T) {
	dims, err := dimset.New("region")
	if err != nil {
		t.Fatalf("dimset.New: %v", err)
	}
	store := datastore.New[datastore.Histogram](dims)
	h := datastore.NewHistogram()
	h = h.AddBucket("p99", 4)
	h = h.AddBucket("p50", 10)
	h = h.AddBucket("p90", 7)
	if err := store.AddValue(dimset.DimensionSpecification{"region": "us"}, h); err != nil {
		t.Fatalf("AddValue: %v", err)
	}
	store.Merge()

	start, end := time.Now(), time.Now()
	encodeOnce := func() []byte {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		if err := WriteData[datastore.Histogram](w, "latency", start, end, uint32(store.Count()), nil, dims, store, HistogramCodec{}); err != nil {
			t.Fatalf("WriteData: %v", err)
		}
		return buf.Bytes()
	}

	a := encodeOnce()
	b := encodeOnce()
	if !bytes.Equal(a, b) {
		t.Fatalf("histogram encoding is not deterministic across repeated writes")
	}
}

func TestWriteDataRejectsDeclaredCountMismatch(t *testing.T) {
	dims, store := buildHitCountStore(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := WriteData[datastore.HitCount](w, "logins", time.Now(), time.Now(), uint32(store.Count()+1), nil, dims, store, HitCountCodec{})
	if !errors.Is(err, ErrDeclaredCountMismatch) {
		t.Fatalf("expected ErrDeclaredCountMismatch, got %v", err)
	}
}

func TestReadDataHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.Repeat([]byte{0xff}, 16)
	r := NewReader(bytes.NewReader(buf))
	_, err := r.ReadDataHeader()
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != BadMagic {
		t.Fatalf("expected BadMagic, got %v", err)
	}
}

func TestReadDataHeaderRejectsUnsupportedVersion(t *testing.T) {
	_, store := buildHitCountStore(t)
	dims, _ := dimset.New("region", "endpoint")
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := WriteData[datastore.HitCount](w, "logins", time.Now(), time.Now(), uint32(store.Count()), nil, dims, store, HitCountCodec{}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	raw := buf.Bytes()
	// byte offset 4-5 is the little-endian protocol version
	raw[4] = 0xee
	raw[5] = 0xee

	r := NewReader(bytes.NewReader(raw))
	_, err := r.ReadDataHeader()
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != UnsupportedVersion {
		t.Fatalf("expected UnsupportedVersion, got %v", err)
	}
}

func TestReadDataDetectsCorruptTrailer(t *testing.T) {
	dims, store := buildHitCountStore(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := WriteData[datastore.HitCount](w, "logins", time.Now(), time.Now(), uint32(store.Count()), nil, dims, store, HitCountCodec{}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff // flip a bit in the CRC trailer

	r := NewReader(bytes.NewReader(raw))
	ok, err := r.ReadDataHeader()
	if err != nil || !ok {
		t.Fatalf("ReadDataHeader: ok=%v err=%v", ok, err)
	}
	_, err = ReadData[datastore.HitCount](r, HitCountCodec{})
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != Corrupt {
		t.Fatalf("expected Corrupt, got %v", err)
	}
}

// A record truncated at any prefix length shorter than the full record
// either reports a clean end of stream (only possible at length 0, the
// exact record boundary) or a Truncated error — never a panic, never a
// silently short/corrupt decode.
func TestTruncationIsAlwaysReportedAsTruncated(t *testing.T) {
	dims, store := buildHitCountStore(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := WriteData[datastore.HitCount](w, "logins", time.Now(), time.Now(), uint32(store.Count()), nil, dims, store, HitCountCodec{}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	full := buf.Bytes()

	for n := 0; n < len(full); n++ {
		prefix := full[:n]
		r := NewReader(bytes.NewReader(prefix))

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					t.Fatalf("prefix length %d panicked: %v", n, rec)
				}
			}()
			ok, err := r.ReadDataHeader()
			if n == 0 {
				if err != nil || ok {
					t.Fatalf("prefix length 0: expected clean eof, got ok=%v err=%v", ok, err)
				}
				return
			}
			if err != nil {
				var perr *Error
				if !errors.As(err, &perr) || perr.Kind != Truncated {
					t.Fatalf("prefix length %d: expected Truncated, got %v", n, err)
				}
				return
			}
			if !ok {
				t.Fatalf("prefix length %d: ReadDataHeader reported false with no error", n)
			}
			_, err = ReadData[datastore.HitCount](r, HitCountCodec{})
			if err == nil {
				return // n happened to land exactly on the end of a complete record
			}
			var perr *Error
			if !errors.As(err, &perr) || perr.Kind != Truncated {
				t.Fatalf("prefix length %d: expected Truncated from ReadData, got %v", n, err)
			}
		}()
	}
}

func TestLegacyRecordDecodesWithImplicitDefaultDimension(t *testing.T) {
	raw := encodeLegacyHitCountRecord(t, "legacy-counter", map[string]uint64{
		"a": 1,
		"b": 2,
	})

	r := NewReader(bytes.NewReader(raw))
	ok, err := r.ReadDataHeader()
	if err != nil || !ok {
		t.Fatalf("ReadDataHeader: ok=%v err=%v", ok, err)
	}
	h := r.Header()
	if h.IsLatestProtocol() {
		t.Fatalf("expected legacy header, got latest protocol")
	}
	if len(h.DimensionNames) != 0 {
		t.Fatalf("legacy header should carry no explicit dimension names, got %v", h.DimensionNames)
	}

	store, err := LoadData[datastore.HitCount](r, HitCountCodec{})
	if err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	if store.Dimensions().Len() != 1 || store.Dimensions().Names()[0] != legacyDimensionName {
		t.Fatalf("expected single implicit %q dimension, got %v", legacyDimensionName, store.Dimensions().Names())
	}
	if store.Count() != 2 {
		t.Fatalf("expected 2 entries, got %d", store.Count())
	}
}

func TestUpgradeFileRewritesLegacyToCurrentProtocol(t *testing.T) {
	raw := encodeLegacyHitCountRecord(t, "legacy-counter", map[string]uint64{"a": 1, "b": 2})

	var upgraded bytes.Buffer
	if err := UpgradeFile(bytes.NewReader(raw), &upgraded); err != nil {
		t.Fatalf("UpgradeFile: %v", err)
	}

	r := NewReader(bytes.NewReader(upgraded.Bytes()))
	ok, err := r.ReadDataHeader()
	if err != nil || !ok {
		t.Fatalf("ReadDataHeader after upgrade: ok=%v err=%v", ok, err)
	}
	if !r.IsLatestProtocol() {
		t.Fatalf("expected upgraded record to be at current protocol")
	}
	if got := r.Header().DimensionNames; len(got) != 1 || got[0] != legacyDimensionName {
		t.Fatalf("expected explicit %q dimension after upgrade, got %v", legacyDimensionName, got)
	}

	store, err := LoadData[datastore.HitCount](r, HitCountCodec{})
	if err != nil {
		t.Fatalf("LoadData after upgrade: %v", err)
	}
	if store.Count() != 2 {
		t.Fatalf("expected 2 entries after upgrade, got %d", store.Count())
	}
}

// encodeLegacyHitCountRecord hand-assembles a LegacyProtocolVersion record
// directly, since Writer only ever emits CurrentProtocolVersion — exactly
// the situation a real v1 file on disk would be in.
func encodeLegacyHitCountRecord(t *testing.T, name string, values map[string]uint64) []byte {
	t.Helper()

	headerBuf := acquireBuffer()
	defer releaseBuffer(headerBuf)
	hb := newCRCWriter(headerBuf)

	mustWrite(t, hb.putLPString(name))
	mustWrite(t, hb.putInt64(time.Unix(1, 0).UnixNano()))
	mustWrite(t, hb.putInt64(time.Unix(2, 0).UnixNano()))
	mustWrite(t, hb.putUint8(uint8(DataTypeHitCount)))
	mustWrite(t, hb.putUint32(uint32(len(values))))
	// no dimension_count / dimension_names section in v1
	mustWrite(t, hb.putUint32(0)) // zero sources

	var out bytes.Buffer
	mustWrite(t, writeRawUint32(&out, MagicNumber))
	mustWrite(t, writeRawUint16(&out, LegacyProtocolVersion))
	mustWrite(t, writeRawUint32(&out, uint32(headerBuf.Len())))

	body := newCRCWriter(&out)
	if _, err := body.Write(headerBuf.Bytes()); err != nil {
		t.Fatalf("write header bytes: %v", err)
	}
	for key, count := range values {
		mustWrite(t, body.putLPString(key))
		mustWrite(t, body.putUint64(count))
	}
	mustWrite(t, writeRawUint32(&out, body.crc.Sum32()))
	return out.Bytes()
}

func mustWrite(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
}
