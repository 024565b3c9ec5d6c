package queue

import (
	"errors"
	"sync"

	"tablegate/internal/pkg/metrics"
	"tablegate/internal/pkg/models"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// Bounded FIFO of document notifications. A notification for a document that
// is already waiting is folded into the waiting one.
type Queue struct {
	mu       sync.Mutex
	capacity int
	q        []models.Notification
	pending  map[string]struct{}
	closed   bool
	signal   chan struct{}
}

// Creates an empty queue with a specified capacity
func CreateQueue(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity should be greater than 0")
	}
	return &Queue{
		capacity: capacity,
		q:        make([]models.Notification, 0, capacity),
		pending:  make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
	}, nil
}

// Inserts a notification. It reports false when the document was already queued.
func (q *Queue) Insert(item models.Notification) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrQueueClosed
	}
	key := item.Key()
	if _, waiting := q.pending[key]; waiting {
		metrics.NotificationsCoalesced.Inc()
		return false, nil
	}
	if len(q.q) >= q.capacity {
		return false, ErrQueueFull
	}

	q.q = append(q.q, item)
	q.pending[key] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.q)))

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true, nil
}

// Removes the oldest notification from the queue
func (q *Queue) Remove() (models.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) == 0 {
		return models.Notification{}, ErrQueueEmpty
	}
	item := q.q[0]
	q.q[0] = models.Notification{}
	q.q = q.q[1:]
	delete(q.pending, item.Key())
	metrics.QueueDepth.Set(float64(len(q.q)))
	return item, nil
}

// Signal fires after an insert. Consumers should drain with Remove until empty.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

// Close rejects further inserts. Queued notifications can still be removed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Returns the number of elements in the queue
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

// Returns true if the queue is empty
func (q *Queue) IsEmpty() bool {
	return q.Length() == 0
}

func (q *Queue) Capacity() int {
	return q.capacity
}
