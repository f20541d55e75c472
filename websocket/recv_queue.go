package websocket

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/telegie/libdatachannel/websocket/transport"
)

// Returns the number of bytes an entry accounts for against the queue limit.
type messageSizeFunc func(message *transport.Message) int

// recvQueue is a bounded FIFO of inbound messages with byte-accounted
// backpressure. When a push would exceed the byte limit, the oldest entries
// are dropped until the new entry fits. Internally synchronized for multiple
// producers and consumers.
type recvQueue struct {
	mu sync.Mutex
	// FIFO backing store.
	fifo *queue.Queue
	// Byte capacity.
	limit int
	// Current byte total.
	bytes int
	// Size function applied to each entry.
	sizeFn messageSizeFunc
}

func newRecvQueue(limit int, sizeFn messageSizeFunc) *recvQueue {
	return &recvQueue{
		fifo:   queue.New(),
		limit:  limit,
		sizeFn: sizeFn,
	}
}

// push appends a message, dropping the oldest entries while the byte limit
// would be exceeded.
func (q *recvQueue) push(message *transport.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := q.sizeFn(message)
	for q.fifo.Length() > 0 && q.bytes+size > q.limit {
		dropped := q.fifo.Remove().(*transport.Message)
		q.bytes -= q.sizeFn(dropped)
	}
	q.fifo.Add(message)
	q.bytes += size
}

// tryPop removes and returns the head of the queue without blocking.
func (q *recvQueue) tryPop() (*transport.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fifo.Length() == 0 {
		return nil, false
	}
	message := q.fifo.Remove().(*transport.Message)
	q.bytes -= q.sizeFn(message)
	return message, true
}

// peek returns the head of the queue without removing it.
func (q *recvQueue) peek() (*transport.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fifo.Length() == 0 {
		return nil, false
	}
	return q.fifo.Peek().(*transport.Message), true
}

// size returns the element count.
func (q *recvQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fifo.Length()
}

// amount returns the byte total.
func (q *recvQueue) amount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
