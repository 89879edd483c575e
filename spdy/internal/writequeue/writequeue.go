// Package writequeue implements the connection's write buffer and
// scheduler: a FIFO byte queue drained by one dedicated goroutine that
// owns the transport's write half. Producers (the connection engine)
// never block on socket I/O; they hand bytes to Push and move on.
//
// Grounded on mkch-burrow's spdy/util/proirity_queue.go (same "one
// draining goroutine, producers enqueue and return" shape, minus
// priority ordering, which this client has no use for) and on
// cloudflared's h2mux.MuxWriter.run select loop (single writer
// goroutine owning the wire, same idle-until-signaled shape).
package writequeue

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Queue is a FIFO byte-slice queue with one drain goroutine writing to
// conn. Frame boundaries are preserved because each Push'd slice is
// written to the wire in one net.Conn.Write call (or queued whole);
// the queue never splits or reorders a caller's bytes.
type Queue struct {
	conn net.Conn

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	wake chan struct{}
	done chan struct{}

	errOnce sync.Once
	errCh   chan error
}

// New creates a Queue that writes to conn, starting its drain goroutine
// immediately. errCh receives at most one error — the first transport
// write failure — and is then closed.
func New(conn net.Conn) *Queue {
	q := &Queue{
		conn:  conn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		errCh: make(chan error, 1),
	}
	go q.run()
	return q
}

// Push appends p to the queue. p must not be modified after Push
// returns; the queue may still be writing it out on another goroutine.
// Push never blocks on I/O.
func (q *Queue) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, p)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Errors returns the channel the drain goroutine reports its first
// transport error on.
func (q *Queue) Errors() <-chan error {
	return q.errCh
}

// Close stops the drain goroutine. Already-queued bytes are not
// guaranteed to be flushed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue) run() {
	for {
		batch := q.takeAll()
		for _, p := range batch {
			if _, err := q.conn.Write(p); err != nil {
				q.errOnce.Do(func() {
					q.errCh <- errors.Wrap(err, "writequeue: transport write")
					close(q.errCh)
				})
				return
			}
		}
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) takeAll() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	batch := q.queue
	q.queue = nil
	return batch
}
