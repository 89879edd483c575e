package framing

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// HeaderCodec holds the one zlib compressor and one zlib decompressor a
// Connection needs for the lifetime of the socket: SPDY's header
// compression is stateful across every frame that carries a header
// block, so the dictionary window must never be reset mid-connection.
// Grounded on mkch-burrow's spdy/framing/fields Decoder/Encoder
// SetZlibDict plumbing and on Jxck-go-spdy's Framer.headerCompressor/
// headerDecompressor fields, generalized into its own type since this
// package no longer drives I/O directly — Framer and Parser do.
type HeaderCodec struct {
	version ProtocolVersion

	compressBuf  bytes.Buffer
	compressor   *zlib.Writer
	decompressor io.ReadCloser
	// decompressIn feeds compressed bytes to decompressor; Write
	// appends, the zlib reader pulls from it as it decodes.
	decompressIn *bytes.Buffer
}

// NewHeaderCodec creates a codec for one connection at the given
// protocol version. Both SPDY/2 and SPDY/3 share the same dictionary.
func NewHeaderCodec(version ProtocolVersion) (*HeaderCodec, error) {
	c := &HeaderCodec{version: version, decompressIn: &bytes.Buffer{}}
	w, err := zlib.NewWriterLevelDict(&c.compressBuf, zlib.BestCompression, headerDictionary)
	if err != nil {
		return nil, errors.Wrap(err, "framing: create header compressor")
	}
	c.compressor = w
	return c, nil
}

// CompressHeaders serializes h as a SPDY header block and runs it
// through the connection's zlib stream, returning the compressed bytes
// to embed in a control frame. The returned slice is only valid until
// the next call to CompressHeaders.
func (c *HeaderCodec) CompressHeaders(h http.Header) ([]byte, error) {
	c.compressBuf.Reset()
	raw := encodeHeaderBlock(h, c.version)
	if _, err := c.compressor.Write(raw); err != nil {
		return nil, errors.Wrap(err, "framing: compress header block")
	}
	if err := c.compressor.Flush(); err != nil {
		return nil, errors.Wrap(err, "framing: flush header compressor")
	}
	out := make([]byte, c.compressBuf.Len())
	copy(out, c.compressBuf.Bytes())
	return out, nil
}

// DecompressHeaders feeds compressed bytes read off the wire through
// the connection's zlib stream and parses the resulting header block.
func (c *HeaderCodec) DecompressHeaders(compressed []byte) (http.Header, error) {
	c.decompressIn.Write(compressed)
	if c.decompressor == nil {
		r, err := zlib.NewReaderDict(c.decompressIn, headerDictionary)
		if err != nil {
			return nil, errors.Wrap(err, "framing: create header decompressor")
		}
		c.decompressor = r
	}
	return decodeHeaderBlock(c.decompressor, c.version)
}

// encodeHeaderBlock writes the uncompressed SPDY name/value block for
// h: a count, then each name and NUL-joined value list, length-prefixed
// per the version's field width (16-bit for V2, 32-bit for V3). Names
// are lower-cased and sorted, matching every example implementation's
// canonical ordering.
func encodeHeaderBlock(h http.Header, version ProtocolVersion) []byte {
	byName := make(map[string][]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		byName[lower] = append(byName[lower], values...)
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	writeCount(&buf, version, uint32(len(names)))
	for _, name := range names {
		writeLenString(&buf, version, name)
		writeLenString(&buf, version, strings.Join(byName[name], "\x00"))
	}
	return buf.Bytes()
}

// decodeHeaderBlock is the inverse of encodeHeaderBlock, reading from a
// decompressing stream rather than a fixed buffer so the parser can
// hand it exactly the bytes available so far is not required: callers
// must already have the whole uncompressed block's source ready
// (DecompressHeaders always does, since zlib.Flush on the writer side
// produces a complete syncable block per frame).
func decodeHeaderBlock(r io.Reader, version ProtocolVersion) (http.Header, error) {
	count, err := readCount(r, version)
	if err != nil {
		return nil, errors.Wrap(err, "framing: read header count")
	}
	h := make(http.Header, int(count))
	for i := uint32(0); i < count; i++ {
		name, err := readLenString(r, version)
		if err != nil {
			return nil, errors.Wrap(err, "framing: read header name")
		}
		value, err := readLenString(r, version)
		if err != nil {
			return nil, errors.Wrap(err, "framing: read header value")
		}
		name = strings.ToLower(name)
		for _, v := range strings.Split(value, "\x00") {
			h.Add(name, v)
		}
	}
	return h, nil
}

func writeCount(buf *bytes.Buffer, version ProtocolVersion, n uint32) {
	if version == Version2 {
		binary.Write(buf, binary.BigEndian, uint16(n))
	} else {
		binary.Write(buf, binary.BigEndian, n)
	}
}

func writeLenString(buf *bytes.Buffer, version ProtocolVersion, s string) {
	if version == Version2 {
		binary.Write(buf, binary.BigEndian, uint16(len(s)))
	} else {
		binary.Write(buf, binary.BigEndian, uint32(len(s)))
	}
	buf.WriteString(s)
}

func readCount(r io.Reader, version ProtocolVersion) (uint32, error) {
	if version == Version2 {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return 0, err
		}
		return uint32(n), nil
	}
	var n uint32
	err := binary.Read(r, binary.BigEndian, &n)
	return n, err
}

func readLenString(r io.Reader, version ProtocolVersion) (string, error) {
	var length uint32
	if version == Version2 {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return "", err
		}
		length = uint32(n)
	} else {
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return "", err
		}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
