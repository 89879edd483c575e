// Package spdy implements a client-side multiplexer for the SPDY/2 and
// SPDY/3 protocols: one Connection owns one transport and many
// concurrent Requests, each a logical stream with its own flow-control
// window and half-close state.
//
// A read goroutine turns transport bytes into framing.Events (it alone
// drives the parser and the header codec's decompression half), a single
// command goroutine (the "connection executor") is the only place that
// ever mutates the stream table, the per-stream windows, or the framer
// and the codec's compression half, and a writequeue.Queue owns the
// write half of the transport. Grounded on mkch-burrow's conn.go
// readLoop/writeLoop/serveLoop split and on CSRedRat-spdy's
// clientConnection.readFrames/send goroutine pair.
package spdy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/mkch/spdyclient/spdy/framing"
	"github.com/mkch/spdyclient/spdy/internal/writequeue"
	"github.com/rs/zerolog"
	"golang.org/x/net/trace"
)

// ConnectionDelegate receives connection-level lifecycle events.
type ConnectionDelegate interface {
	OnConnectionError(err error)
}

// Connection is one client-side SPDY multiplexer over one net.Conn.
type Connection struct {
	version framing.ProtocolVersion
	conn    net.Conn

	codec  *framing.HeaderCodec
	framer *framing.Framer
	parser *framing.Parser
	wq     *writequeue.Queue

	cmdCh    chan func()
	shutdown chan struct{}
	closeOnce sync.Once

	streams           *streamTable
	initialPeerWindow uint32

	delegateMu sync.Mutex
	delegate   ConnectionDelegate
	connCb     *callbackQueue

	log zerolog.Logger
}

// Dial opens a TCP (optionally TLS) connection to addr and starts the
// multiplexer. If tlsConfig is non-nil the connection is upgraded with
// tls.Client before the multiplexer begins reading. For V3, a
// SETTINGS(initial_window=65536) frame is emitted as the connection's
// first outbound frame.
func Dial(ctx context.Context, version framing.ProtocolVersion, addr string, tlsConfig *tls.Config) (*Connection, error) {
	if version != framing.Version2 && version != framing.Version3 {
		return nil, framing.ErrUnsupportedVersion
	}

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapTransport(err)
	}

	var conn net.Conn = raw
	if tlsConfig != nil {
		tconn := tls.Client(raw, tlsConfig)
		if err := tconn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, wrapTransport(err)
		}
		conn = tconn
	}

	return newConnection(version, conn)
}

// newConnection wires up a Connection over an already-open transport and
// starts its goroutines. Split out of Dial so tests can drive the engine
// over a net.Pipe instead of a real socket.
func newConnection(version framing.ProtocolVersion, conn net.Conn) (*Connection, error) {
	codec, err := framing.NewHeaderCodec(version)
	if err != nil {
		conn.Close()
		return nil, wrapHeaderCodec(err)
	}

	c := &Connection{
		version:           version,
		conn:              conn,
		codec:             codec,
		framer:            framing.NewFramer(version, codec),
		parser:            framing.NewParser(version, codec),
		wq:                writequeue.New(conn),
		cmdCh:             make(chan func(), 64),
		shutdown:          make(chan struct{}),
		streams:           newStreamTable(),
		initialPeerWindow: framing.DefaultInitialWindow,
		connCb:            newCallbackQueue(),
		log:               zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("component", "spdy").Logger(),
	}

	go c.commandLoop()
	go c.readLoop()
	go c.watchWriteErrors()

	c.enqueue(func() { c.engineConnect() })
	return c, nil
}

// SetDelegate installs d as the receiver of connection-level events.
func (c *Connection) SetDelegate(d ConnectionDelegate) {
	c.delegateMu.Lock()
	c.delegate = d
	c.delegateMu.Unlock()
}

func (c *Connection) getDelegate() ConnectionDelegate {
	c.delegateMu.Lock()
	defer c.delegateMu.Unlock()
	return c.delegate
}

// Send binds r to this connection, assigns it a stream id, and emits
// SYN_STREAM. It reports AlreadySent synchronously; everything else
// happens on the connection's command goroutine.
func (c *Connection) Send(r *Request) error {
	if r.boundConnection() != nil {
		return &AlreadySent{}
	}
	c.enqueue(func() { c.engineSend(r) })
	return nil
}

func (c *Connection) enqueue(fn func()) {
	select {
	case c.cmdCh <- fn:
	case <-c.shutdown:
	}
}

func (c *Connection) commandLoop() {
	for {
		select {
		case fn := <-c.cmdCh:
			fn()
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) watchWriteErrors() {
	select {
	case err, ok := <-c.wq.Errors():
		if !ok {
			return
		}
		c.enqueue(func() { c.fatal(wrapTransport(err)) })
	case <-c.shutdown:
	}
}

// readLoop is the only goroutine that calls net.Conn.Read. Every parsed
// Event is handed to the command goroutine as a closure; the loop never
// touches engine state itself.
func (c *Connection) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			events, perr := c.parser.Feed(buf[:n])
			if perr != nil {
				ferr := wrapProtocol(perr)
				if !errors.Is(perr, framing.ErrParse) {
					ferr = wrapHeaderCodec(perr)
				}
				c.enqueue(func() { c.fatal(ferr) })
				return
			}
			for _, ev := range events {
				ev := cloneEventPayload(ev)
				c.enqueue(func() { c.dispatch(ev) })
			}
		}
		if err != nil {
			if err == io.EOF {
				c.enqueue(func() { c.fatal(ConnectionEnd{}) })
			} else {
				select {
				case <-c.shutdown:
				default:
					c.enqueue(func() { c.fatal(wrapTransport(err)) })
				}
			}
			return
		}
	}
}

// cloneEventPayload copies a DataEvent's payload out of the read
// buffer, which readLoop reuses on the next iteration before the
// command goroutine is guaranteed to have run.
func cloneEventPayload(ev framing.Event) framing.Event {
	if de, ok := ev.(framing.DataEvent); ok {
		cp := make([]byte, len(de.Payload))
		copy(cp, de.Payload)
		de.Payload = cp
		return de
	}
	return ev
}

// writeOut flushes the framer's scratch buffer to the write queue and
// clears it for the next frame.
func (c *Connection) writeOut() {
	out := c.framer.Output()
	buf := make([]byte, len(out))
	copy(buf, out)
	c.framer.Clear()
	c.wq.Push(buf)
}

// --- exposed engine operations ---

func (c *Connection) engineConnect() {
	if c.version != framing.Version3 {
		return
	}
	c.framer.Clear()
	if err := c.framer.WriteSettings(framing.DefaultInitialWindow); err != nil {
		c.fatal(wrapProtocol(err))
		return
	}
	c.writeOut()
}

func (c *Connection) engineSend(r *Request) {
	if r.boundConnection() != nil {
		return
	}
	id, err := c.streams.allocate()
	if err != nil {
		c.fatal(wrapProtocol(err))
		return
	}
	r.bind(c, id)
	r.windowOut = newWindow(c.initialPeerWindow)
	r.windowIn = int64(framing.DefaultInitialWindow)
	r.tr = trace.New("spdy.request", r.Method+" "+r.URL)
	c.streams.insert(id, r)

	c.framer.Clear()
	if err := c.framer.WriteSynStream(id, r.Method, r.URL, r.Headers); err != nil {
		c.fatal(wrapProtocol(err))
		return
	}
	c.writeOut()
	r.tr.LazyPrintf("SYN_STREAM stream=%d", id)

	// A request whose method carries no body will never see write_data
	// or end() from the application; our half is already done the
	// moment SYN_STREAM goes out, even though the frame itself always
	// carries fin=0 (the body, if any, is a separate DATA stream).
	// Without this, such a stream would never satisfy the
	// closed_by_us && closed_by_them teardown rule and would leak.
	if methodHasNoRequestBody(r.Method) {
		r.closedByUs = true
	}
}

// methodHasNoRequestBody reports whether method is conventionally sent
// without a request body, per net/http's own NoBody handling for these
// methods.
func methodHasNoRequestBody(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "DELETE", "OPTIONS", "TRACE":
		return true
	default:
		return false
	}
}

func (c *Connection) engineWriteData(r *Request, payload []byte) {
	if _, live := c.streams.get(r.streamID); !live || r.closedByUs {
		return
	}
	if c.version == framing.Version2 {
		c.emitData(r, payload, false)
		return
	}
	r.dataQueue = append(r.dataQueue, payload)
	c.drainQueue(r)
}

// emitData writes one DATA frame. Setting fin marks closed_by_us and
// attempts teardown, satisfying invariant 4 (no DATA after closed_by_us).
func (c *Connection) emitData(r *Request, payload []byte, fin bool) {
	c.framer.Clear()
	if err := c.framer.WriteData(r.streamID, fin, payload); err != nil {
		c.fatal(wrapProtocol(err))
		return
	}
	c.writeOut()
	if fin {
		r.closedByUs = true
		c.teardown(r)
	}
}

// drainQueue drains dataQueue in FIFO order until it empties or the
// outbound window returns to zero, preserving order by keeping a
// partially-sent item's remainder at the front of the queue.
func (c *Connection) drainQueue(r *Request) {
	for len(r.dataQueue) > 0 && r.windowOut.size > 0 {
		item := r.dataQueue[0]
		avail := r.windowOut.size
		if avail >= int64(len(item)) {
			r.dataQueue = r.dataQueue[1:]
			r.windowOut.use(uint32(len(item)))
			c.emitData(r, item, false)
		} else {
			toSend := item[:avail]
			r.dataQueue[0] = item[avail:]
			r.windowOut.use(uint32(avail))
			c.emitData(r, toSend, false)
		}
	}
	c.maybeFireEnd(r)
}

// maybeFireEnd re-invokes engineEnd once a deferred half-close's queue
// has fully drained.
func (c *Connection) maybeFireEnd(r *Request) {
	if r.pendingClosedByUs && len(r.dataQueue) == 0 {
		r.pendingClosedByUs = false
		c.engineEnd(r)
	}
}

func (c *Connection) engineEnd(r *Request) {
	if r.closedByUs || r.pendingClosedByUs {
		return
	}
	if len(r.dataQueue) > 0 {
		r.pendingClosedByUs = true
		return
	}
	c.emitData(r, nil, true)
}

func (c *Connection) engineClose(r *Request) {
	if _, live := c.streams.get(r.streamID); !live {
		return
	}
	if !r.closedByUs {
		c.framer.Clear()
		if err := c.framer.WriteRstStream(r.streamID, framing.StatusCancel); err != nil {
			c.fatal(wrapProtocol(err))
			return
		}
		c.writeOut()
	}
	c.reportStreamError(r, Cancelled{})
	r.closedByUs = true
	r.closedByThem = true
	c.teardown(r)
}

// --- inbound dispatch ---

func (c *Connection) dispatch(ev framing.Event) {
	switch e := ev.(type) {
	case framing.SynReplyEvent:
		c.handleSynReply(e)
	case framing.DataEvent:
		c.handleData(e)
	case framing.RstStreamEvent:
		c.handleRstStream(e)
	case framing.WindowUpdateEvent:
		c.handleWindowUpdate(e)
	case framing.SettingsEvent:
		c.handleSettings(e)
	}
}

func (c *Connection) handleSynReply(e framing.SynReplyEvent) {
	r, ok := c.streams.get(e.StreamID)
	if !ok {
		c.unknownStream(e.StreamID)
		return
	}
	if r.seenResponse {
		c.framer.Clear()
		c.framer.WriteRstStream(e.StreamID, framing.StatusProtocolError)
		c.writeOut()
		c.reportStreamError(r, DoubleResponse{})
		r.closedByUs = true
		r.closedByThem = true
		c.teardown(r)
		return
	}
	r.seenResponse = true
	headers := e.Headers
	if delegate := r.getDelegate(); delegate != nil {
		r.cb.push(func() { delegate.OnResponse(headers) })
	}
	if r.tr != nil {
		r.tr.LazyPrintf("SYN_REPLY")
	}
	c.drainQueue(r)
	c.postDispatchFin(r, e.Fin)
}

func (c *Connection) handleData(e framing.DataEvent) {
	r, ok := c.streams.get(e.StreamID)
	if !ok {
		c.unknownStream(e.StreamID)
		return
	}
	if c.version == framing.Version3 {
		r.windowIn -= int64(len(e.Payload))
		if r.windowIn <= 0 {
			delta := int64(framing.DefaultInitialWindow) - r.windowIn
			c.framer.Clear()
			if err := c.framer.WriteWindowUpdate(e.StreamID, uint32(delta)); err != nil {
				c.fatal(wrapProtocol(err))
				return
			}
			c.writeOut()
			r.windowIn += delta
		}
	}
	if len(e.Payload) > 0 {
		payload := e.Payload
		if delegate := r.getDelegate(); delegate != nil {
			r.cb.push(func() { delegate.OnData(payload) })
		}
	}
	c.postDispatchFin(r, e.Fin)
}

func (c *Connection) handleRstStream(e framing.RstStreamEvent) {
	r, ok := c.streams.get(e.StreamID)
	if !ok {
		return
	}
	c.reportStreamError(r, &RstStream{StatusCode: e.Status})
	r.closedByUs = true
	r.closedByThem = true
	c.teardown(r)
}

func (c *Connection) handleWindowUpdate(e framing.WindowUpdateEvent) {
	r, ok := c.streams.get(e.StreamID)
	if !ok {
		return
	}
	becamePositive, err := r.windowOut.ret(e.Delta)
	if err != nil {
		c.fatal(wrapProtocol(err))
		return
	}
	if becamePositive {
		c.drainQueue(r)
	}
}

func (c *Connection) handleSettings(e framing.SettingsEvent) {
	old := c.initialPeerWindow
	c.initialPeerWindow = e.InitialWindow
	var toDrain []*Request
	c.streams.iter(func(id uint32, r *Request) {
		r.windowOut.adjustInitial(old, e.InitialWindow)
		if r.windowOut.size > 0 {
			toDrain = append(toDrain, r)
		}
	})
	for _, r := range toDrain {
		c.drainQueue(r)
	}
}

// postDispatchFin applies the shared "if fin, half-close and attempt
// teardown" rule common to every inbound frame type that can carry one.
func (c *Connection) postDispatchFin(r *Request, fin bool) {
	if !fin {
		return
	}
	r.closedByThem = true
	c.teardown(r)
}

// unknownStream handles a SYN_REPLY or DATA frame for a stream id that
// is not in the stream table (never allocated, or already torn down): emit RST_STREAM(PROTOCOL_ERROR) for it and
// raise a fatal NoSuchStream connection error.
func (c *Connection) unknownStream(streamID uint32) {
	c.framer.Clear()
	c.framer.WriteRstStream(streamID, framing.StatusProtocolError)
	c.writeOut()
	c.fatal(&NoSuchStream{StreamID: streamID})
}

// teardown removes the stream, clears the back-reference, and then
// delivers the end callback once both directions have closed, so an
// application call made after OnEnd already sees an unbound request.
// Idempotent once the back-reference is clear.
func (c *Connection) teardown(r *Request) {
	if !(r.closedByUs && r.closedByThem) {
		return
	}
	if r.boundConnection() == nil {
		return
	}
	c.streams.remove(r.streamID)
	r.clearConnection()
	if delegate := r.getDelegate(); delegate != nil {
		r.cb.push(func() { delegate.OnEnd() })
	}
	r.cb.stop()
	if r.tr != nil {
		r.tr.Finish()
	}
}

func (c *Connection) reportStreamError(r *Request, err error) {
	if delegate := r.getDelegate(); delegate != nil {
		r.cb.push(func() { delegate.OnError(err) })
	}
	if r.tr != nil {
		r.tr.SetError()
		r.tr.LazyPrintf("error: %v", err)
	}
}

// fatal tears the whole connection down: every live stream gets one
// error and one end callback, then the connection delegate gets one
// error callback. Idempotent.
func (c *Connection) fatal(err error) {
	c.closeOnce.Do(func() {
		var ids []uint32
		c.streams.iter(func(id uint32, r *Request) { ids = append(ids, id) })
		for _, id := range ids {
			r, ok := c.streams.get(id)
			if !ok {
				continue
			}
			c.reportStreamError(r, err)
			r.closedByUs = true
			r.closedByThem = true
			c.teardown(r)
		}
		c.log.Error().Err(err).Msg("connection closed")
		c.wq.Close()
		c.conn.Close()
		close(c.shutdown)
		if delegate := c.getDelegate(); delegate != nil {
			c.connCb.push(func() { delegate.OnConnectionError(err) })
		}
		c.connCb.stop()
	})
}

// Close tears the connection down from the application side, reporting
// ConnectionEnd (the same error a clean peer EOF produces) to every live
// stream and to the connection delegate exactly once.
func (c *Connection) Close() error {
	c.enqueue(func() { c.fatal(ConnectionEnd{}) })
	return nil
}
