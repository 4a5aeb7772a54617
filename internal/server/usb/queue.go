package usb

import (
	"io"
	"sync"
)

type packet interface {
	Write(w io.Writer) error
}

// reply is one outgoing packet. release, if set, runs once the packet has
// been written or dropped.
type reply struct {
	pkt     packet
	release func()
}

func (r reply) done() {
	if r.release != nil {
		r.release()
	}
}

// replyQueue is an unbounded FIFO with many producers and one consumer.
type replyQueue struct {
	mu     sync.Mutex
	items  []reply
	notify chan struct{}
	closed bool
}

func newReplyQueue() *replyQueue {
	return &replyQueue{notify: make(chan struct{}, 1)}
}

// push enqueues r. It returns false once the queue is closed.
func (q *replyQueue) push(r reply) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available, the queue is closed or stop fires.
func (q *replyQueue) pop(stop <-chan struct{}) (reply, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = reply{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return reply{}, false
		}
		select {
		case <-q.notify:
		case <-stop:
			return reply{}, false
		}
	}
}

// close rejects further pushes and releases everything not yet written.
func (q *replyQueue) close() {
	q.mu.Lock()
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, r := range items {
		r.done()
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
