package spdy

import "github.com/pkg/errors"

// TransportError wraps a read or write failure on the underlying
// net.Conn. Connection-fatal.
type TransportError struct{ cause error }

func (e *TransportError) Error() string { return "spdy: transport error: " + e.cause.Error() }
func (e *TransportError) Unwrap() error { return e.cause }

// ConnectionEnd reports the peer closed the transport cleanly.
// Connection-fatal.
type ConnectionEnd struct{}

func (ConnectionEnd) Error() string { return "spdy: connection ended by peer" }

// ProtocolError reports a framer parse failure, a failure to build an
// outbound frame, or stream id exhaustion. A frame for an unknown stream
// id is reported as NoSuchStream instead. Connection-fatal.
type ProtocolError struct{ cause error }

func (e *ProtocolError) Error() string {
	if e.cause == nil {
		return "spdy: protocol error"
	}
	return "spdy: protocol error: " + e.cause.Error()
}
func (e *ProtocolError) Unwrap() error { return e.cause }

// HeaderCompression reports a header codec failure: the codec could not
// be created, or an inbound header block failed to decompress. A failure
// to compress an outbound header block is reported as ProtocolError.
// Connection-fatal.
type HeaderCompression struct{ cause error }

func (e *HeaderCompression) Error() string {
	return "spdy: header compression error: " + e.cause.Error()
}
func (e *HeaderCompression) Unwrap() error { return e.cause }

// RstStream reports the peer reset this stream. Stream-fatal.
type RstStream struct{ StatusCode uint32 }

func (e *RstStream) Error() string { return "spdy: stream reset by peer" }

// DoubleResponse reports a second SYN_REPLY on a stream that already
// saw one. Stream-fatal.
type DoubleResponse struct{}

func (DoubleResponse) Error() string { return "spdy: duplicate response on stream" }

// Cancelled reports the application called Request.Close on a live
// stream, whether or not our side had already half-closed. Stream-fatal.
type Cancelled struct{}

func (Cancelled) Error() string { return "spdy: stream cancelled locally" }

// AlreadySent reports Connection.Send was called with a Request that is
// already bound to a connection. Per-call misuse, not fatal to anything.
type AlreadySent struct{}

func (AlreadySent) Error() string { return "spdy: request already sent" }

// NoSuchStream reports an inbound frame referenced a stream id this
// connection has no record of. Connection-fatal.
type NoSuchStream struct{ StreamID uint32 }

func (e *NoSuchStream) Error() string {
	return "spdy: frame for unknown stream"
}

func wrapTransport(err error) error   { return &TransportError{cause: err} }
func wrapProtocol(err error) error    { return &ProtocolError{cause: errors.WithStack(err)} }
func wrapHeaderCodec(err error) error { return &HeaderCompression{cause: errors.WithStack(err)} }
