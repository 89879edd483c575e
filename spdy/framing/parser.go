package framing

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

type parserState int

const (
	stateHeader parserState = iota
	stateControlBody
	stateDataBody
)

// Parser is a resumable, byte-oriented SPDY frame reader: Feed may be
// called with however many bytes happened to arrive on one net.Conn.Read,
// and the parser picks up exactly where the last call left off. This
// needs a Header/ControlBody/DataBody state machine rather than a
// blocking read, since Jxck-go-spdy and kr-spdy both assume a blocking
// io.Reader and let the standard library buffer short reads; the state
// machine here is original to this package.
type Parser struct {
	version ProtocolVersion
	codec   *HeaderCodec

	state parserState

	hdr    [8]byte
	hdrLen int

	// Control frame in progress.
	ctrlType   uint16
	ctrlFlags  byte
	ctrlBuf    []byte
	ctrlNeed   uint32

	// Data frame in progress.
	dataStreamID uint32
	dataFin      bool
	dataRemain   uint32
}

// NewParser creates a Parser sharing codec with the Framer on the same
// Connection.
func NewParser(version ProtocolVersion, codec *HeaderCodec) *Parser {
	return &Parser{version: version, codec: codec}
}

// Feed advances the parser with newly read bytes and returns every
// frame Event that became complete as a result, in wire order. Malformed
// framing returns an error wrapping ErrParse; a SYN_REPLY header block
// that fails to decompress returns the header codec's error, which does
// not wrap ErrParse. Either is connection-fatal.
func (p *Parser) Feed(input []byte) ([]Event, error) {
	var events []Event
	for len(input) > 0 {
		switch p.state {
		case stateHeader:
			n := copy(p.hdr[p.hdrLen:], input)
			p.hdrLen += n
			input = input[n:]
			if p.hdrLen < 8 {
				return events, nil
			}
			p.hdrLen = 0
			if err := p.beginFrame(); err != nil {
				return events, err
			}
			if p.state == stateDataBody && p.dataRemain == 0 {
				events = append(events, DataEvent{StreamID: p.dataStreamID, Fin: p.dataFin})
				p.state = stateHeader
			} else if p.state == stateControlBody && p.ctrlNeed == 0 {
				ev, err := p.finishControlFrame()
				if err != nil {
					return events, err
				}
				if ev != nil {
					events = append(events, ev)
				}
				p.state = stateHeader
			}

		case stateControlBody:
			need := p.ctrlNeed - uint32(len(p.ctrlBuf))
			take := uint32(len(input))
			if take > need {
				take = need
			}
			p.ctrlBuf = append(p.ctrlBuf, input[:take]...)
			input = input[take:]
			if uint32(len(p.ctrlBuf)) < p.ctrlNeed {
				return events, nil
			}
			ev, err := p.finishControlFrame()
			if err != nil {
				return events, err
			}
			if ev != nil {
				events = append(events, ev)
			}
			p.state = stateHeader

		case stateDataBody:
			take := uint32(len(input))
			if take > p.dataRemain {
				take = p.dataRemain
			}
			p.dataRemain -= take
			chunk := input[:take]
			input = input[take:]
			fin := p.dataFin && p.dataRemain == 0
			events = append(events, DataEvent{StreamID: p.dataStreamID, Payload: chunk, Fin: fin})
			if p.dataRemain == 0 {
				p.state = stateHeader
			} else {
				return events, nil
			}
		}
	}
	return events, nil
}

// beginFrame interprets the just-completed 8-byte header and transitions
// into ControlBody or DataBody.
func (p *Parser) beginFrame() error {
	word0 := binary.BigEndian.Uint32(p.hdr[0:4])
	flags := p.hdr[4]
	length := uint24(p.hdr[5:8])

	if word0&0x80000000 != 0 {
		frameType := uint16(word0 & 0xFFFF)
		if length > MaxControlFrameLength {
			return errors.Wrapf(ErrParse, "control frame length %d exceeds limit", length)
		}
		p.ctrlType = frameType
		p.ctrlFlags = flags
		p.ctrlNeed = length
		p.ctrlBuf = p.ctrlBuf[:0]
		p.state = stateControlBody
		return nil
	}

	streamID := word0 & 0x7FFFFFFF
	if streamID == 0 {
		return errors.Wrap(ErrParse, "data frame on stream 0")
	}
	p.dataStreamID = streamID
	p.dataFin = flags&FlagFin != 0
	p.dataRemain = length
	p.state = stateDataBody
	return nil
}

// finishControlFrame decodes a fully-buffered control frame body into an
// Event, or nil if this frame type carries none.
func (p *Parser) finishControlFrame() (Event, error) {
	body := p.ctrlBuf
	switch p.ctrlType {
	case TypeSynReply:
		return p.parseSynReply(body)
	case TypeRstStream:
		if len(body) < 8 {
			return nil, errors.Wrap(ErrParse, "short RST_STREAM body")
		}
		return RstStreamEvent{
			StreamID: binary.BigEndian.Uint32(body[0:4]) & 0x7FFFFFFF,
			Status:   binary.BigEndian.Uint32(body[4:8]),
		}, nil
	case TypeWindowUpdate:
		if len(body) < 8 {
			return nil, errors.Wrap(ErrParse, "short WINDOW_UPDATE body")
		}
		return WindowUpdateEvent{
			StreamID: binary.BigEndian.Uint32(body[0:4]) & 0x7FFFFFFF,
			Delta:    binary.BigEndian.Uint32(body[4:8]) & 0x7FFFFFFF,
		}, nil
	case TypeSettings:
		return p.parseSettings(body)
	default:
		// SYN_STREAM, HEADERS, PING, GOAWAY, NOOP, CREDENTIAL, and
		// anything unrecognized: consumed above, no event produced.
		return nil, nil
	}
}

func (p *Parser) parseSynReply(body []byte) (Event, error) {
	var headerStart int
	if p.version == Version2 {
		if len(body) < 6 {
			return nil, errors.Wrap(ErrParse, "short SYN_REPLY body")
		}
		headerStart = 6
	} else {
		if len(body) < 4 {
			return nil, errors.Wrap(ErrParse, "short SYN_REPLY body")
		}
		headerStart = 4
	}
	streamID := binary.BigEndian.Uint32(body[0:4]) & 0x7FFFFFFF
	headers, err := p.codec.DecompressHeaders(body[headerStart:])
	if err != nil {
		return nil, errors.Wrap(err, "SYN_REPLY header block")
	}
	return SynReplyEvent{
		StreamID: streamID,
		Headers:  headers,
		Fin:      p.ctrlFlags&FlagFin != 0,
	}, nil
}

func (p *Parser) parseSettings(body []byte) (Event, error) {
	if len(body) < 4 {
		return nil, errors.Wrap(ErrParse, "short SETTINGS body")
	}
	count := binary.BigEndian.Uint32(body[0:4])
	body = body[4:]
	var (
		found   bool
		initial uint32
	)
	for i := uint32(0); i < count; i++ {
		if len(body) < 8 {
			return nil, errors.Wrap(ErrParse, "short SETTINGS entry")
		}
		idAndFlags := binary.BigEndian.Uint32(body[0:4])
		id := idAndFlags & 0x00FFFFFF
		value := binary.BigEndian.Uint32(body[4:8])
		body = body[8:]
		if id == SettingsInitialWindowSize {
			found = true
			initial = value
		}
	}
	if !found {
		return nil, nil
	}
	return SettingsEvent{InitialWindow: initial}, nil
}
