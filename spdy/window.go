package spdy

import "github.com/mkch/spdyclient/spdy/framing"

// window is a signed per-stream flow-control credit. It is only ever
// touched from the connection's command goroutine, so it carries no
// mutex or condition variable: a write that would exceed the window is
// deferred onto the request's dataQueue instead of blocking here (see
// Connection.drainQueue).
type window struct {
	size int64
}

func newWindow(initial uint32) *window {
	return &window{size: int64(initial)}
}

// adjustInitial recomputes size by the delta between a new and old
// initial window value, the same arithmetic a peer SETTINGS frame
// applies to every live stream's outbound window.
func (w *window) adjustInitial(oldInitial, newInitial uint32) {
	w.size += int64(newInitial) - int64(oldInitial)
}

// use takes delta bytes of credit, which may drive size negative; the
// caller is responsible for never calling this with more than size
// allows when size is positive (Connection.drainQueue enforces that).
func (w *window) use(delta uint32) {
	w.size -= int64(delta)
}

// ret returns delta bytes of credit, as WINDOW_UPDATE does, reporting
// whether the window became positive as a result (the signal to drain a
// request's dataQueue).
func (w *window) ret(delta uint32) (becamePositive bool, err error) {
	if delta < 1 || delta > framing.MaxDeltaWindowSize {
		return false, framing.ErrInvalidDeltaWindowSize
	}
	before := w.size
	w.size += int64(delta)
	return before <= 0 && w.size > 0, nil
}
