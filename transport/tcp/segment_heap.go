package tcp

import (
	"sync"

	"github.com/GunjiD/tapstack/sleep"
)

// segmentHeap orders received segments by sequence number so that a
// receiver can reassemble data that arrived out of order. It implements
// container/heap.Interface directly rather than through a separate wrapper
// type
type segmentHeap []*segment

func (h segmentHeap) Len() int {
	return len(h)
}

func (h segmentHeap) Less(i, j int) bool {
	return h[i].sequenceNumber.LessThan(h[j].sequenceNumber)
}

func (h segmentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *segmentHeap) Push(x interface{}) {
	*h = append(*h, x.(*segment))
}

func (h *segmentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// empty is a convenience wrapper so call sites don't need container/heap in
// scope just to check for an empty heap
func (h segmentHeap) empty() bool {
	return h.Len() == 0
}

// segmentQueue is a FIFO of segments waiting to be processed by the
// protocol's main loop. It asserts newSegmentWaker whenever a segment is
// enqueued so the loop knows to drain it
type segmentQueue struct {
	mu    sync.Mutex
	list  segmentList
	count int
	limit int

	waker *sleep.Waker
}

// setLimit bounds how many segments the queue holds before it starts
// refusing new ones
func (q *segmentQueue) setLimit(limit int) {
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

// enqueue adds s to the back of the queue. Returns false, leaving s
// unqueued, if the queue is at its limit
func (q *segmentQueue) enqueue(s *segment) bool {
	q.mu.Lock()
	added := q.limit == 0 || q.count < q.limit
	if added {
		q.list.PushBack(s)
		q.count++
	}
	waker := q.waker
	q.mu.Unlock()

	if added && waker != nil {
		waker.Assert()
	}

	return added
}

// dequeue removes and returns the segment at the front of the queue, or nil
// if the queue is empty
func (q *segmentQueue) dequeue() *segment {
	q.mu.Lock()
	s := q.list.Front()
	if s != nil {
		q.list.Remove(s)
		q.count--
	}
	q.mu.Unlock()

	return s
}

// empty reports whether the queue currently holds no segments
func (q *segmentQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Empty()
}
