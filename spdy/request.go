package spdy

import (
	"net/http"
	"sync"

	"golang.org/x/net/trace"
)

// RequestDelegate receives the events of one stream's lifecycle, always
// posted from the connection's application executor — never inline from
// inside Request.Write/End/Close, and never concurrently with another
// callback for the same Request.
type RequestDelegate interface {
	OnResponse(headers http.Header)
	OnData(p []byte)
	OnError(err error)
	OnEnd()
}

// Request is one logical SPDY stream: a request the application sent,
// and the response delivered back through its RequestDelegate. A
// Request is constructed inert — it has no stream id and no connection
// — until passed to Connection.Send.
type Request struct {
	Method  string
	URL     string
	Headers http.Header

	delegateMu sync.Mutex
	delegate   RequestDelegate

	// connMu guards the weak back-reference to the owning Connection
	// and the assigned stream id, since application goroutines call
	// Write/End/Close concurrently with the connection's command
	// goroutine clearing conn at teardown. Everything else below is
	// touched only from that command goroutine and needs no lock: this
	// one exists for the handoff into the engine, not for state inside
	// it.
	connMu   sync.Mutex
	conn     *Connection
	streamID uint32

	// Engine-owned state; read and written only on conn's command
	// goroutine.
	windowIn          int64
	windowOut         *window
	closedByUs        bool
	closedByThem      bool
	pendingClosedByUs bool
	seenResponse      bool
	dataQueue         [][]byte

	cb *callbackQueue
	tr trace.Trace
}

// NewRequest creates an inert Request for method and url, with headers
// to be merged into the SYN_STREAM's header block alongside the
// version-specific pseudo-headers (:method/:path/... for V3,
// method/url/... for V2).
func NewRequest(method, url string, headers http.Header) *Request {
	if headers == nil {
		headers = make(http.Header)
	}
	return &Request{Method: method, URL: url, Headers: headers}
}

// SetDelegate installs d as the receiver of this request's callbacks.
// Must be called before Connection.Send to avoid missing early events.
func (r *Request) SetDelegate(d RequestDelegate) {
	r.delegateMu.Lock()
	r.delegate = d
	r.delegateMu.Unlock()
}

func (r *Request) getDelegate() RequestDelegate {
	r.delegateMu.Lock()
	defer r.delegateMu.Unlock()
	return r.delegate
}

// boundConnection returns the Connection this request is live on, or
// nil if it was never sent or has already torn down.
func (r *Request) boundConnection() *Connection {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

func (r *Request) bind(c *Connection, streamID uint32) {
	r.connMu.Lock()
	r.conn = c
	r.streamID = streamID
	r.connMu.Unlock()
	r.cb = newCallbackQueue()
}

// clearConnection drops the back-reference once the stream tears down,
// breaking the only reference cycle between Request and Connection.
func (r *Request) clearConnection() {
	r.connMu.Lock()
	r.conn = nil
	r.connMu.Unlock()
}

// Write enqueues p to be sent as one or more DATA frames, subject to
// flow control. A call racing the stream's own teardown is a silent
// no-op rather than an error, even if the stream has already torn down
// by the time the engine processes it.
func (r *Request) Write(p []byte) (int, error) {
	c := r.boundConnection()
	if c == nil {
		return 0, nil
	}
	payload := append([]byte(nil), p...)
	c.enqueue(func() { c.engineWriteData(r, payload) })
	return len(p), nil
}

// End half-closes the stream from our side once any queued data drains;
// see Connection.engineEnd for the deferred-close rule.
func (r *Request) End() error {
	c := r.boundConnection()
	if c == nil {
		return nil
	}
	c.enqueue(func() { c.engineEnd(r) })
	return nil
}

// Close aborts the stream unilaterally, sending RST_STREAM(CANCEL)
// unless we had already half-closed.
func (r *Request) Close() error {
	c := r.boundConnection()
	if c == nil {
		return nil
	}
	c.enqueue(func() { c.engineClose(r) })
	return nil
}
