package source

import (
	"errors"
	"sync"

	"github.com/opengs/formdecode/chunk"
)

var ErrQueueClosed = errors.New("terminal chunk already offered")

// Queue is a Source filled from the producing side, for example a network read
// loop. It never blocks: Read returns nil when the queue is empty and the
// registered demand is run by the next Offer or Fail.
type Queue struct {
	lock     sync.Mutex
	chunks   []*chunk.Chunk
	demand   func()
	failure  error
	terminal bool
}

func NewQueue() *Queue {
	return &Queue{}
}

// Offer appends c to the queue and takes ownership of it. When the queue is
// already failed or closed, c is released and an error is returned.
func (q *Queue) Offer(c *chunk.Chunk) error {
	q.lock.Lock()
	if q.failure != nil {
		err := q.failure
		q.lock.Unlock()
		c.Release()
		return err
	}
	if q.terminal {
		q.lock.Unlock()
		c.Release()
		return ErrQueueClosed
	}

	q.chunks = append(q.chunks, c)
	q.terminal = c.Last()
	demand := q.demand
	q.demand = nil
	q.lock.Unlock()

	if demand != nil {
		demand()
	}
	return nil
}

// Fail records cause, drops queued chunks and wakes up a waiting consumer.
// Only the first failure is kept.
func (q *Queue) Fail(cause error) {
	if cause == nil {
		cause = ErrFailed
	}

	q.lock.Lock()
	if q.failure != nil {
		q.lock.Unlock()
		return
	}
	q.failure = cause
	dropped := q.chunks
	q.chunks = nil
	demand := q.demand
	q.demand = nil
	q.lock.Unlock()

	chunk.ReleaseAll(dropped)
	if demand != nil {
		demand()
	}
}

func (q *Queue) Read() (*chunk.Chunk, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.failure != nil {
		return nil, q.failure
	}
	if len(q.chunks) == 0 {
		return nil, nil
	}

	c := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	return c, nil
}

func (q *Queue) Demand(fn func()) {
	q.lock.Lock()
	if q.failure == nil && len(q.chunks) == 0 {
		q.demand = fn
		q.lock.Unlock()
		return
	}
	q.lock.Unlock()

	// Something became available between Read and Demand.
	fn()
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.chunks)
}
