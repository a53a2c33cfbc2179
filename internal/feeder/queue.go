package feeder

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrStopped = errors.New("feeder: stop requested")
	ErrClosed  = errors.New("feeder: queue closed")
)

// Queue is a bounded FIFO shared between feeders and the evaluation loop.
type Queue[T any] struct {
	items     chan T
	closed    chan struct{}
	closeOnce sync.Once
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue blocks until v is accepted, ctx is done or the queue is closed.
func (q *Queue[T]) Enqueue(ctx context.Context, v T) error {
	select {
	case <-ctx.Done():
		return errors.Wrap(ErrStopped, ctx.Err().Error())
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return errors.Wrap(ErrStopped, ctx.Err().Error())
	case <-q.closed:
		return ErrClosed
	case q.items <- v:
		return nil
	}
}

// Dequeue blocks until an item is available. Items enqueued before Close
// are still delivered.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.items:
		return v, nil
	case <-ctx.Done():
		return zero, errors.Wrap(ErrStopped, ctx.Err().Error())
	case <-q.closed:
		select {
		case v := <-q.items:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
