package chatclient

import (
	"context"
	"sync"
)

type op struct {
	name string
	fn   func(context.Context) error
}

// outbox is an unbounded FIFO with a single consumer. Pushing never blocks,
// so local mutations stay synchronous however slow the server is.
type outbox struct {
	mu     sync.Mutex
	items  []op
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newOutbox() *outbox {
	return &outbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push appends o. It reports false once the outbox is closed.
func (q *outbox) push(o op) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, o)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// run hands every op to apply in push order until the outbox is closed and empty.
func (q *outbox) run(apply func(op)) {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		next := q.items[0]
		q.items[0] = op{}
		q.items = q.items[1:]
		q.mu.Unlock()

		apply(next)
	}
}

// close stops accepting ops and waits for the queued ones to finish.
func (q *outbox) close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		select {
		case q.wake <- struct{}{}:
		default:
		}
	})
	<-q.done
}
