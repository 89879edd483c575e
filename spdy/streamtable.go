package spdy

import "github.com/mkch/spdyclient/spdy/framing"

// streamTable maps stream ids to live Requests and allocates new
// client-initiated ids. It is touched only from the connection's
// command goroutine, so — like window — it carries no lock of its own;
// a plain map is the correct tool here, not a library (see DESIGN.md).
type streamTable struct {
	streams      map[uint32]*Request
	nextStreamID uint32
}

func newStreamTable() *streamTable {
	return &streamTable{
		streams:      make(map[uint32]*Request),
		nextStreamID: 1,
	}
}

// allocate returns the next odd client stream id and advances the
// counter by two. The caller must treat wraparound past MaxStreamID as
// a fatal connection error.
func (t *streamTable) allocate() (uint32, error) {
	id := t.nextStreamID
	if id > framing.MaxStreamID {
		return 0, framing.ErrInvalidStreamID
	}
	t.nextStreamID += 2
	return id, nil
}

func (t *streamTable) insert(id uint32, r *Request) {
	t.streams[id] = r
}

func (t *streamTable) get(id uint32) (*Request, bool) {
	r, ok := t.streams[id]
	return r, ok
}

func (t *streamTable) remove(id uint32) {
	delete(t.streams, id)
}

func (t *streamTable) iter(fn func(id uint32, r *Request)) {
	for id, r := range t.streams {
		fn(id, r)
	}
}
