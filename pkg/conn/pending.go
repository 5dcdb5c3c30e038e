package conn

import (
	"sync"
	"time"

	"github.com/youseeus/mongodb-async-driver/pkg/wire"
)

// PendingMessage records an outgoing request awaiting a reply (§3). It lives
// from enqueue on the pending queue to reply arrival or connection teardown.
type PendingMessage struct {
	RequestID int32
	Message   wire.Message
	Callback  ReplyCallback
	SentAt    time.Time
}

// pendingQueue is the SPMC/MPSC bounded structure described in §5: blocking
// put, non-blocking poll. Ordering is strict FIFO, which is what the
// receive loop's skip-matching correlation (§4.1) depends on.
type pendingQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*PendingMessage
	capacity int
	closed   bool
}

func newPendingQueue(capacity int) *pendingQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &pendingQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// put appends pm to the tail of the queue. If nonBlocking is false, it
// blocks while the queue is at capacity. nonBlocking is set when the caller
// is the connection's own reader goroutine re-entering via a callback — it
// must never block on a queue only the reader itself drains (§4.1).
func (q *pendingQueue) put(pm *PendingMessage, nonBlocking bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !nonBlocking {
		for len(q.items) >= q.capacity && !q.closed {
			q.cond.Wait()
		}
	}
	q.items = append(q.items, pm)
	q.cond.Broadcast()
}

// poll removes and returns the oldest entry without blocking, or nil if the
// queue is currently empty.
func (q *pendingQueue) poll() *PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	pm := q.items[0]
	q.items = q.items[1:]
	q.cond.Broadcast()
	return pm
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drainAll removes and returns every pending entry and marks the queue
// closed so blocked putters wake up and stop waiting for room. Used whenever
// the connection closes.
func (q *pendingQueue) drainAll() []*PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.closed = true
	q.cond.Broadcast()
	return items
}
