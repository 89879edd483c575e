package spdy

import (
	"encoding/binary"
	"net"
	"net/http"
	"testing"

	"github.com/mkch/spdyclient/spdy/framing"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, version framing.ProtocolVersion) (*Connection, *fakeServer) {
	clientConn, serverConn := net.Pipe()
	c, err := newConnection(version, clientConn)
	require.NoError(t, err)
	server := newFakeServer(t, version, serverConn)
	if version == framing.Version3 {
		settings := readRawFrame(t, serverConn)
		require.True(t, settings.control)
		require.Equal(t, framing.TypeSettings, settings.frameType)
	}
	return c, server
}

// An inline response: SYN_STREAM out, then a SYN_REPLY and a
// fin'd DATA frame arrive before the application writes anything.
func TestScenario_InlineResponse(t *testing.T) {
	c, server := newTestConnection(t, framing.Version3)

	req := NewRequest("GET", "https://h/x", http.Header{})
	delegate := newTestDelegate()
	req.SetDelegate(delegate)
	require.NoError(t, c.Send(req))

	syn := readRawFrame(t, server.conn)
	require.True(t, syn.control)
	require.Equal(t, framing.TypeSynStream, syn.frameType)
	require.EqualValues(t, 1, binary.BigEndian.Uint32(syn.body[0:4])&0x7FFFFFFF)
	require.Zero(t, syn.flags&framing.FlagFin)

	server.writeSynReply(1, false, http.Header{":status": {"200"}})
	server.writeData(1, true, []byte("hi"))

	ev := delegate.next(t)
	require.Equal(t, "response", ev.kind)
	require.Equal(t, "200", ev.headers.Get(":status"))

	ev = delegate.next(t)
	require.Equal(t, "data", ev.kind)
	require.Equal(t, []byte("hi"), ev.data)

	ev = delegate.next(t)
	require.Equal(t, "end", ev.kind)
}

// Flow control across two large writes and a partial WINDOW_UPDATE:
// the second write straddles the window boundary and only completes
// once credit comes back.
func TestScenario_FlowControl(t *testing.T) {
	c, server := newTestConnection(t, framing.Version3)

	req := NewRequest("POST", "https://h/upload", http.Header{})
	req.SetDelegate(newTestDelegate())
	require.NoError(t, c.Send(req))
	_ = readRawFrame(t, server.conn) // SYN_STREAM

	first := make([]byte, 40000)
	req.Write(first)
	d1 := readRawFrame(t, server.conn)
	require.False(t, d1.control)
	require.Equal(t, uint32(1), d1.streamID)
	require.Len(t, d1.body, 40000)

	second := make([]byte, 40000)
	req.Write(second)
	d2 := readRawFrame(t, server.conn)
	require.Len(t, d2.body, 25536)

	require.EqualValues(t, 0, windowOutOf(c, req))

	server.writeWindowUpdate(1, 20000)
	d3 := readRawFrame(t, server.conn)
	require.Len(t, d3.body, 14464)

	require.EqualValues(t, 5536, windowOutOf(c, req))
}

// A write queued behind a zero window, followed by a deferred End()
// that only fires once the queue drains.
func TestScenario_PendingEnd(t *testing.T) {
	c, server := newTestConnection(t, framing.Version3)

	server.writeSettingsInitialWindow(0)

	req := NewRequest("POST", "https://h/upload", http.Header{})
	req.SetDelegate(newTestDelegate())
	require.NoError(t, c.Send(req))
	_ = readRawFrame(t, server.conn) // SYN_STREAM

	req.Write(make([]byte, 10000))
	req.End()

	server.writeWindowUpdate(1, 10000)

	d := readRawFrame(t, server.conn)
	require.False(t, d.control)
	require.Len(t, d.body, 10000)
	require.Zero(t, d.flags&framing.FlagFin)

	fin := readRawFrame(t, server.conn)
	require.False(t, fin.control)
	require.Empty(t, fin.body)
	require.NotZero(t, fin.flags&framing.FlagFin)
}

// RST_STREAM from the peer ends the stream without a reply RST.
func TestScenario_RstFromPeer(t *testing.T) {
	c, server := newTestConnection(t, framing.Version3)

	req := NewRequest("GET", "https://h/x", http.Header{})
	delegate := newTestDelegate()
	req.SetDelegate(delegate)
	require.NoError(t, c.Send(req))
	_ = readRawFrame(t, server.conn)

	server.writeRstStream(1, framing.StatusCancel)

	ev := delegate.next(t)
	require.Equal(t, "error", ev.kind)
	rstErr, ok := ev.err.(*RstStream)
	require.True(t, ok)
	require.Equal(t, uint32(framing.StatusCancel), rstErr.StatusCode)

	ev = delegate.next(t)
	require.Equal(t, "end", ev.kind)

	n, err := req.Write([]byte("late"))
	require.NoError(t, err)
	require.Zero(t, n)
}

// A second SYN_REPLY on one stream is a protocol violation for that
// stream.
func TestScenario_DoubleResponse(t *testing.T) {
	c, server := newTestConnection(t, framing.Version3)

	req := NewRequest("GET", "https://h/x", http.Header{})
	delegate := newTestDelegate()
	req.SetDelegate(delegate)
	require.NoError(t, c.Send(req))
	_ = readRawFrame(t, server.conn)

	server.writeSynReply(1, false, http.Header{":status": {"200"}})
	ev := delegate.next(t)
	require.Equal(t, "response", ev.kind)

	server.writeSynReply(1, false, http.Header{":status": {"200"}})

	rst := readRawFrame(t, server.conn)
	require.True(t, rst.control)
	require.Equal(t, framing.TypeRstStream, rst.frameType)
	require.Equal(t, uint32(framing.StatusProtocolError), binary.BigEndian.Uint32(rst.body[4:8]))

	ev = delegate.next(t)
	require.Equal(t, "error", ev.kind)
	_, ok := ev.err.(DoubleResponse)
	require.True(t, ok)

	ev = delegate.next(t)
	require.Equal(t, "end", ev.kind)
}

// A SETTINGS delta applies to an existing stream and seeds every
// subsequently created one.
func TestScenario_SettingsDelta(t *testing.T) {
	c, server := newTestConnection(t, framing.Version3)

	s1 := NewRequest("GET", "https://h/1", http.Header{})
	s1.SetDelegate(newTestDelegate())
	require.NoError(t, c.Send(s1))
	_ = readRawFrame(t, server.conn)
	require.EqualValues(t, 65536, windowOutOf(c, s1))

	server.writeSettingsInitialWindow(32768)
	require.Eventually(t, func() bool {
		return windowOutOf(c, s1) == 32768
	}, eventuallyTimeout, eventuallyTick)

	s2 := NewRequest("GET", "https://h/2", http.Header{})
	s2.SetDelegate(newTestDelegate())
	require.NoError(t, c.Send(s2))
	_ = readRawFrame(t, server.conn)
	require.EqualValues(t, 32768, windowOutOf(c, s2))
}
