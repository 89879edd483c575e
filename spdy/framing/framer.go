package framing

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Framer builds outbound frames into a reusable scratch buffer. Grounded
// on Jxck-go-spdy/write.go's per-frame-type write methods, reworked from
// an io.Writer sink into a Clear/Output scratch buffer so the caller (the
// write-scheduler in package spdy) decides when bytes actually reach the
// socket: Clear resets the buffer and Output returns the bytes
// accumulated since the last clear.
type Framer struct {
	version ProtocolVersion
	codec   *HeaderCodec
	buf     bytes.Buffer
}

// NewFramer creates a Framer sharing codec with the Parser on the same
// Connection — SPDY's header compression is one stateful stream per
// direction, not per frame.
func NewFramer(version ProtocolVersion, codec *HeaderCodec) *Framer {
	return &Framer{version: version, codec: codec}
}

// Clear discards any bytes built since the last Clear.
func (f *Framer) Clear() {
	f.buf.Reset()
}

// Output returns the bytes built since the last Clear. The slice is
// only valid until the next call to Clear.
func (f *Framer) Output() []byte {
	return f.buf.Bytes()
}

func (f *Framer) writeControlHeader(frameType uint16, flags byte, length int) error {
	if length < 0 || uint32(length) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:2], 0x8000|uint16(f.version))
	binary.BigEndian.PutUint16(hdr[2:4], frameType)
	hdr[4] = flags
	putUint24(hdr[5:8], uint32(length))
	_, err := f.buf.Write(hdr[:])
	return err
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// WriteSynStream appends a SYN_STREAM frame opening streamID. url is
// split into the version-appropriate pseudo-headers;
// headers supplies the rest verbatim.
func (f *Framer) WriteSynStream(streamID uint32, method, rawURL string, headers http.Header) error {
	if streamID == 0 || streamID > MaxStreamID {
		return ErrInvalidStreamID
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "framing: parse request url")
	}

	h := make(http.Header, len(headers)+5)
	for name, values := range headers {
		h[name] = values
	}
	setRequestPseudoHeaders(h, f.version, method, u)

	compressed, err := f.codec.CompressHeaders(h)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], streamID&0x7FFFFFFF)
	body.Write(idBuf[:])
	body.Write(make([]byte, 4)) // associated-to-stream-id = 0
	if f.version == Version2 {
		body.Write([]byte{0, 0}) // priority + unused, V2 layout
	} else {
		body.WriteByte(0) // priority (top 3 bits) + unused
		body.WriteByte(0) // slot, V3 only field, unused here
	}
	body.Write(compressed)

	if err := f.writeControlHeader(TypeSynStream, 0, body.Len()); err != nil {
		return err
	}
	_, err = f.buf.Write(body.Bytes())
	return err
}

// WriteData appends a DATA frame for streamID carrying payload, with
// the FIN flag set when fin is true. No flow-control accounting happens
// here; the caller has already decided this write is within window.
func (f *Framer) WriteData(streamID uint32, fin bool, payload []byte) error {
	if streamID == 0 || streamID > MaxStreamID {
		return ErrInvalidStreamID
	}
	if uint32(len(payload)) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], streamID&0x7FFFFFFF)
	if fin {
		hdr[4] = FlagFin
	}
	putUint24(hdr[5:8], uint32(len(payload)))
	if _, err := f.buf.Write(hdr[:]); err != nil {
		return err
	}
	_, err := f.buf.Write(payload)
	return err
}

// WriteRstStream appends a RST_STREAM frame aborting streamID with
// statusCode.
func (f *Framer) WriteRstStream(streamID uint32, statusCode uint32) error {
	if streamID == 0 || streamID > MaxStreamID {
		return ErrInvalidStreamID
	}
	if err := f.writeControlHeader(TypeRstStream, 0, 8); err != nil {
		return err
	}
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], streamID&0x7FFFFFFF)
	binary.BigEndian.PutUint32(body[4:8], statusCode)
	_, err := f.buf.Write(body[:])
	return err
}

// WriteWindowUpdate appends a WINDOW_UPDATE frame granting delta more
// bytes of credit on streamID. V3 only; callers never invoke this for a
// V2 connection.
func (f *Framer) WriteWindowUpdate(streamID uint32, delta uint32) error {
	if streamID == 0 || streamID > MaxStreamID {
		return ErrInvalidStreamID
	}
	if delta < 1 || delta > MaxDeltaWindowSize {
		return ErrInvalidDeltaWindowSize
	}
	if err := f.writeControlHeader(TypeWindowUpdate, 0, 8); err != nil {
		return err
	}
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], streamID&0x7FFFFFFF)
	binary.BigEndian.PutUint32(body[4:8], delta&0x7FFFFFFF)
	_, err := f.buf.Write(body[:])
	return err
}

// WriteSettings appends a SETTINGS frame advertising a single
// INITIAL_WINDOW_SIZE entry of initialWindow. Used only once, on
// connect, for V3.
func (f *Framer) WriteSettings(initialWindow uint32) error {
	if err := f.writeControlHeader(TypeSettings, 0, 12); err != nil {
		return err
	}
	var body [12]byte
	binary.BigEndian.PutUint32(body[0:4], 1) // one entry
	binary.BigEndian.PutUint32(body[4:8], SettingsInitialWindowSize)
	binary.BigEndian.PutUint32(body[8:12], initialWindow)
	_, err := f.buf.Write(body[:])
	return err
}

// setRequestPseudoHeaders writes the method/url/version/scheme/host
// fields into h under the version-appropriate names. Grounded on the
// teacher's util_v2.go/util_v3.go httpRequestV2/V3, read in reverse:
// there they parse these names out of an inbound SYN_STREAM into an
// *http.Request; here we go the other way, building a SYN_STREAM's
// headers from an outbound method/url pair.
func setRequestPseudoHeaders(h http.Header, version ProtocolVersion, method string, u *url.URL) {
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := u.Host
	path := u.RequestURI()

	if version == Version2 {
		h.Set("method", method)
		h.Set("url", u.String())
		h.Set("version", "HTTP/1.1")
		h.Set("scheme", scheme)
		h.Set("host", host)
	} else {
		h.Set(":method", method)
		h.Set(":scheme", scheme)
		h.Set(":host", host)
		h.Set(":path", path)
		h.Set(":version", "HTTP/1.1")
	}
}
