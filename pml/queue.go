package pml

import "container/list"

// fifo is an insertion-ordered collection with O(1) removal through the element handle returned by
// push. It carries no locking of its own; every queue belongs to a Communicator and is only touched
// while the matching lock is held.
type fifo[T any] struct {
	items list.List
}

func (q *fifo[T]) push(v T) *list.Element {
	return q.items.PushBack(v)
}

// remove is a no-op when e belongs to a different queue.
func (q *fifo[T]) remove(e *list.Element) {
	if e == nil {
		return
	}
	q.items.Remove(e)
}

func (q *fifo[T]) len() int {
	return q.items.Len()
}

// find returns the first element, in insertion order, accepted by match.
func (q *fifo[T]) find(match func(T) bool) (*list.Element, T) {
	for e := q.items.Front(); e != nil; e = e.Next() {
		v := e.Value.(T)
		if match(v) {
			return e, v
		}
	}
	var zero T
	return nil, zero
}

func (q *fifo[T]) drain() []T {
	if q.items.Len() == 0 {
		return nil
	}
	out := make([]T, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(T))
	}
	q.items.Init()
	return out
}

// tagMatches reports whether a receive posted with want accepts a fragment carrying got. A wildcard
// receive only accepts non-negative tags; negative tags are reserved for control traffic.
func tagMatches(want, got int) bool {
	if want == AnyTag {
		return got >= 0
	}
	return want == got
}
