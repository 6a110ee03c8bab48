package persist

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync"
)

// bufferPool is the recyclable scratch-buffer pool shared across codec
// operations. Every acquire is matched by a release on every exit path,
// including errors — see writer.go/reader.go.
var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func acquireBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func releaseBuffer(buf *bytes.Buffer) {
	bufferPool.Put(buf)
}

// writeRawUint32/writeRawUint16 write an integer directly to w, uncounted
// by any CRC — used for the MAGIC/PROTOCOL_VERSION/HEADER_LENGTH preamble
// and the trailing CRC32 itself, none of which are covered by the record's
// own checksum.
func writeRawUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeRawUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// crcWriter wraps an io.Writer, hashing every byte written through it.
type crcWriter struct {
	w   io.Writer
	crc hash32
}

type hash32 interface {
	io.Writer
	Sum32() uint32
}

func newCRCWriter(w io.Writer) *crcWriter {
	return &crcWriter{w: w, crc: crc32.NewIEEE()}
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.crc.Write(p[:n])
	}
	return n, err
}

func (c *crcWriter) putUint16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := c.Write(b[:])
	return err
}

func (c *crcWriter) putUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := c.Write(b[:])
	return err
}

func (c *crcWriter) putUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := c.Write(b[:])
	return err
}

func (c *crcWriter) putInt64(v int64) error {
	return c.putUint64(uint64(v))
}

func (c *crcWriter) putUint8(v uint8) error {
	_, err := c.Write([]byte{v})
	return err
}

func (c *crcWriter) putLPString(s string) error {
	if err := c.putUint32(uint32(len(s))); err != nil {
		return err
	}
	_, err := c.Write([]byte(s))
	return err
}

// crcReader wraps an io.Reader, hashing every byte read through it and
// translating short reads into Truncated errors instead of letting a bare
// io.ErrUnexpectedEOF leak to the caller.
type crcReader struct {
	r   io.Reader
	crc hash32
}

func newCRCReader(r io.Reader) *crcReader {
	return &crcReader{r: r, crc: crc32.NewIEEE()}
}

// newCRCReaderContinuing wraps r, accumulating onto an already-started hash
// rather than a fresh one — used to carry the running CRC from the header
// section into the body section, since both are covered by one trailer
// checksum.
func newCRCReaderContinuing(crc hash32, r io.Reader) *crcReader {
	return &crcReader{r: r, crc: crc}
}

// readFull reads exactly len(buf) bytes. atBoundary, when true, means a
// zero-byte clean EOF here is not an error (the caller is trying to read
// the next record's magic number and the stream simply had no more
// records); any other short read is always Truncated.
func (c *crcReader) readFull(buf []byte, atBoundary bool) error {
	n, err := io.ReadFull(c.r, buf)
	if n > 0 {
		c.crc.Write(buf[:n])
	}
	if err == nil {
		return nil
	}
	if atBoundary && n == 0 && err == io.EOF {
		return io.EOF
	}
	return newError(Truncated, err)
}

func (c *crcReader) uint16() (uint16, error) {
	var b [2]byte
	if err := c.readFull(b[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (c *crcReader) uint32() (uint32, error) {
	var b [4]byte
	if err := c.readFull(b[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *crcReader) uint64() (uint64, error) {
	var b [8]byte
	if err := c.readFull(b[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (c *crcReader) int64() (int64, error) {
	v, err := c.uint64()
	return int64(v), err
}

func (c *crcReader) uint8() (uint8, error) {
	var b [1]byte
	if err := c.readFull(b[:], false); err != nil {
		return 0, err
	}
	return b[0], nil
}

// lpString reads a length-prefixed UTF-8 string. A corrupt/huge length
// prefix (e.g. from reading garbage as a header) is bounded by maxLPString
// so a bad file can't make the reader try to allocate gigabytes.
const maxLPString = 1 << 24 // 16 MiB

func (c *crcReader) lpString() (string, error) {
	n, err := c.uint32()
	if err != nil {
		return "", err
	}
	if n > maxLPString {
		return "", newError(Corrupt, nil)
	}
	buf := make([]byte, n)
	if err := c.readFull(buf, false); err != nil {
		return "", err
	}
	return string(buf), nil
}
