package spdy

import (
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/mkch/spdyclient/spdy/framing"
	"github.com/stretchr/testify/require"
)

const (
	eventuallyTimeout = 2 * time.Second
	eventuallyTick    = 5 * time.Millisecond
)

// fakeServer writes raw SPDY frames directly onto the server end of a
// net.Pipe, standing in for the peer the real Connection talks to.
type fakeServer struct {
	t       *testing.T
	conn    net.Conn
	codec   *framing.HeaderCodec
	version framing.ProtocolVersion
}

func newFakeServer(t *testing.T, version framing.ProtocolVersion, conn net.Conn) *fakeServer {
	codec, err := framing.NewHeaderCodec(version)
	require.NoError(t, err)
	return &fakeServer{t: t, conn: conn, codec: codec, version: version}
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func (s *fakeServer) writeControlFrame(frameType uint16, flags byte, body []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:2], 0x8000|uint16(s.version))
	binary.BigEndian.PutUint16(hdr[2:4], frameType)
	hdr[4] = flags
	putUint24(hdr[5:8], uint32(len(body)))
	_, err := s.conn.Write(hdr[:])
	require.NoError(s.t, err)
	if len(body) > 0 {
		_, err = s.conn.Write(body)
		require.NoError(s.t, err)
	}
}

func (s *fakeServer) writeSynReply(streamID uint32, fin bool, headers http.Header) {
	compressed, err := s.codec.CompressHeaders(headers)
	require.NoError(s.t, err)

	var body []byte
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], streamID&0x7FFFFFFF)
	body = append(body, idBuf[:]...)
	if s.version == framing.Version2 {
		body = append(body, 0, 0)
	}
	body = append(body, compressed...)

	var flags byte
	if fin {
		flags = framing.FlagFin
	}
	s.writeControlFrame(framing.TypeSynReply, flags, body)
}

func (s *fakeServer) writeData(streamID uint32, fin bool, payload []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], streamID&0x7FFFFFFF)
	if fin {
		hdr[4] = framing.FlagFin
	}
	putUint24(hdr[5:8], uint32(len(payload)))
	_, err := s.conn.Write(hdr[:])
	require.NoError(s.t, err)
	if len(payload) > 0 {
		_, err = s.conn.Write(payload)
		require.NoError(s.t, err)
	}
}

func (s *fakeServer) writeRstStream(streamID uint32, status uint32) {
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], streamID&0x7FFFFFFF)
	binary.BigEndian.PutUint32(body[4:8], status)
	s.writeControlFrame(framing.TypeRstStream, 0, body[:])
}

func (s *fakeServer) writeWindowUpdate(streamID uint32, delta uint32) {
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], streamID&0x7FFFFFFF)
	binary.BigEndian.PutUint32(body[4:8], delta&0x7FFFFFFF)
	s.writeControlFrame(framing.TypeWindowUpdate, 0, body[:])
}

func (s *fakeServer) writeSettingsInitialWindow(value uint32) {
	var body [12]byte
	binary.BigEndian.PutUint32(body[0:4], 1)
	binary.BigEndian.PutUint32(body[4:8], framing.SettingsInitialWindowSize)
	binary.BigEndian.PutUint32(body[8:12], value)
	s.writeControlFrame(framing.TypeSettings, 0, body[:])
}

// rawFrame is a frame read directly off the wire, decoded just enough
// for assertions without going through Parser's event model (the
// client-side Parser never produces events for frames the client
// sends, such as SYN_STREAM).
type rawFrame struct {
	control   bool
	frameType uint16
	streamID  uint32
	flags     byte
	body      []byte
}

func readRawFrame(t *testing.T, r io.Reader) rawFrame {
	var hdr [8]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	word0 := binary.BigEndian.Uint32(hdr[0:4])
	flags := hdr[4]
	length := uint32(hdr[5])<<16 | uint32(hdr[6])<<8 | uint32(hdr[7])
	var body []byte
	if length > 0 {
		body = make([]byte, length)
		_, err = io.ReadFull(r, body)
		require.NoError(t, err)
	}
	if word0&0x80000000 != 0 {
		return rawFrame{control: true, frameType: uint16(word0 & 0xFFFF), flags: flags, body: body}
	}
	return rawFrame{control: false, streamID: word0 & 0x7FFFFFFF, flags: flags, body: body}
}

// recordedEvent is one delegate callback captured for deterministic,
// ordered assertions from the test goroutine.
type recordedEvent struct {
	kind    string
	headers http.Header
	data    []byte
	err     error
}

type testDelegate struct {
	ch chan recordedEvent
}

func newTestDelegate() *testDelegate {
	return &testDelegate{ch: make(chan recordedEvent, 32)}
}

func (d *testDelegate) OnResponse(h http.Header) { d.ch <- recordedEvent{kind: "response", headers: h} }
func (d *testDelegate) OnData(p []byte) {
	d.ch <- recordedEvent{kind: "data", data: append([]byte(nil), p...)}
}
func (d *testDelegate) OnError(err error) { d.ch <- recordedEvent{kind: "error", err: err} }
func (d *testDelegate) OnEnd()            { d.ch <- recordedEvent{kind: "end"} }

func (d *testDelegate) next(t *testing.T) recordedEvent {
	select {
	case ev := <-d.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delegate callback")
		return recordedEvent{}
	}
}

type testConnDelegate struct {
	ch chan error
}

func newTestConnDelegate() *testConnDelegate {
	return &testConnDelegate{ch: make(chan error, 4)}
}

func (d *testConnDelegate) OnConnectionError(err error) { d.ch <- err }

func (d *testConnDelegate) next(t *testing.T) error {
	select {
	case err := <-d.ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection delegate callback")
		return nil
	}
}

// windowOutOf safely reads r's outbound window on the connection's
// command goroutine, avoiding a data race with the engine.
func windowOutOf(c *Connection, r *Request) int64 {
	ch := make(chan int64, 1)
	c.enqueue(func() { ch <- r.windowOut.size })
	return <-ch
}
