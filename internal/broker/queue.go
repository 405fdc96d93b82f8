// ABOUTME: Bounded, closable subscriber queue with activity tracking
// ABOUTME: Put never blocks; Get returns a keepalive on timeout

package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halcyon-research/streamhub/internal/event"
)

// ErrQueueClosed is returned by Get once a queue has been closed and drained.
var ErrQueueClosed = errors.New("subscriber queue closed")

// Queue is a fixed-capacity event queue for a single subscriber. A Queue is
// created by the broker on AddSubscriber and closed on RemoveSubscriber or
// during sweep/shutdown. All methods are safe for concurrent use.
type Queue struct {
	id       string
	capacity int
	ch       chan *event.Event

	mu     sync.RWMutex
	closed bool

	// lastActivity is unix nanoseconds of the most recent successful Put or
	// Get. Get counts keepalive returns as activity: a queue goes stale only
	// when nothing is reading it at all.
	lastActivity atomic.Int64
}

// NewQueue creates a queue with the given capacity. Capacity must be at
// least 1; smaller values are raised to 1.
func NewQueue(id string, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		id:       id,
		capacity: capacity,
		ch:       make(chan *event.Event, capacity),
	}
	q.lastActivity.Store(time.Now().UnixNano())
	return q
}

// ID returns the subscriber id assigned to this queue.
func (q *Queue) ID() string { return q.id }

// Cap returns the queue's fixed capacity.
func (q *Queue) Cap() int { return q.capacity }

// Len returns the number of events currently buffered.
func (q *Queue) Len() int { return len(q.ch) }

// Put attempts a non-blocking enqueue. It returns false when the queue is
// full or closed; it never blocks and never panics. The read lock is held
// across the send so Close cannot close the channel mid-send.
func (q *Queue) Put(evt *event.Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}

	select {
	case q.ch <- evt:
		q.lastActivity.Store(time.Now().UnixNano())
		return true
	default:
		return false
	}
}

// Get dequeues the next event, blocking up to timeout. On timeout it returns
// a synthetic keepalive event rather than an error so streaming transports
// can emit protocol-level heartbeats without special-casing. Once the queue
// is closed and drained, Get returns ErrQueueClosed. Context cancellation
// returns ctx.Err().
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		q.lastActivity.Store(time.Now().UnixNano())
		return evt, nil
	case <-timer.C:
		q.lastActivity.Store(time.Now().UnixNano())
		return event.Keepalive(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the queue closed and closes the underlying channel. Buffered
// events remain readable until drained. Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// LastActivity returns the time of the most recent successful Put or Get.
func (q *Queue) LastActivity() time.Time {
	return time.Unix(0, q.lastActivity.Load())
}
