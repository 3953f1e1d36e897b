package queue

import (
	"github.com/pkg/errors"
)

var ErrQueueEmpty = errors.New("queue is empty")

type Queue[T any] interface {
	Enqueue(v T)
	Dequeue() (T, error)
	Peek() (T, error)
	Len() uint
}

// NaiveQueue is a slice backed FIFO.
// Dequeued slots are zeroed so the queue does not keep dequeued values reachable.
type NaiveQueue[T any] struct {
	queue []T
	head  int
}

func NewNaive[T any](initialCap uint) *NaiveQueue[T] {
	return &NaiveQueue[T]{queue: make([]T, 0, initialCap)}
}

var _ Queue[int] = (*NaiveQueue[int])(nil)

func (q *NaiveQueue[T]) Enqueue(v T) {
	if q.head > 0 && q.head == len(q.queue) {
		q.queue = q.queue[:0]
		q.head = 0
	}
	q.queue = append(q.queue, v)
}

func (q *NaiveQueue[T]) Dequeue() (T, error) {
	var zero T
	if q.Len() == 0 {
		return zero, ErrQueueEmpty
	}

	v := q.queue[q.head]
	q.queue[q.head] = zero
	q.head++

	return v, nil
}

func (q *NaiveQueue[T]) Peek() (T, error) {
	return q.PeekAt(0)
}

// PeekAt returns the element i positions behind the head.
func (q *NaiveQueue[T]) PeekAt(i uint) (T, error) {
	var zero T
	if i >= q.Len() {
		return zero, ErrQueueEmpty
	}
	return q.queue[q.head+int(i)], nil
}

func (q *NaiveQueue[T]) Len() uint {
	return uint(len(q.queue) - q.head)
}

// Drain dequeues every element in order, handing each to fn.
func (q *NaiveQueue[T]) Drain(fn func(T)) {
	for q.Len() > 0 {
		v, _ := q.Dequeue()
		fn(v)
	}
	q.queue = q.queue[:0]
	q.head = 0
}
