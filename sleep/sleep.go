// Package sleep allows goroutines to efficiently sleep on multiple sources
// of notification (wakers) at once, waking as soon as any one of them fires,
// without the allocation and scheduling overhead of one channel per source.
//
// It is used throughout the transport protocols to multiplex a connection's
// many asynchronous triggers (new segment arrived, timer fired, close
// requested) onto a single blocking call
package sleep

import (
	"sync"
	"sync/atomic"
)

// Waker represents a source of notification used by a Sleeper. A Waker may
// be asserted before it is ever attached to a Sleeper; the assertion is
// remembered and observed the moment the Waker is attached
type Waker struct {
	asserted int32

	mu 		sync.Mutex
	s 		*Sleeper
	id 		int
}

// Assert moves the waker to the asserted state and wakes up any sleeper
// currently waiting on it. Calling Assert on an already-asserted waker has
// no additional effect
func (w *Waker) Assert() {
	atomic.StoreInt32(&w.asserted, 1)

	w.mu.Lock()
	s := w.s
	w.mu.Unlock()

	if s != nil {
		s.signal()
	}
}

// Clear moves the waker back to the non-asserted state
func (w *Waker) Clear() {
	atomic.StoreInt32(&w.asserted, 0)
}

// IsAsserted returns whether the waker is currently in the asserted state
func (w *Waker) IsAsserted() bool {
	return atomic.LoadInt32(&w.asserted) != 0
}

func (w *Waker) bind(s *Sleeper, id int) {
	w.mu.Lock()
	w.s = s
	w.id = id
	w.mu.Unlock()
}

func (w *Waker) unbind() {
	w.mu.Lock()
	w.s = nil
	w.mu.Unlock()
}

// Sleeper allows a goroutine to block until one of several wakers is
// asserted. The zero value is an empty Sleeper ready for use
type Sleeper struct {
	mu 		sync.Mutex
	cond 	*sync.Cond
	wakers	[]*Waker
}

// AddWaker associates w with s under the given id, which is returned by
// Fetch when w is the one that caused it to wake up. If w is already
// asserted at the time it is added, s is signalled immediately
func (s *Sleeper) AddWaker(w *Waker, id int) {
	s.mu.Lock()
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	s.wakers = append(s.wakers, w)
	s.mu.Unlock()

	w.bind(s, id)

	if w.IsAsserted() {
		s.signal()
	}
}

func (s *Sleeper) signal() {
	s.mu.Lock()
	if s.cond != nil {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// Fetch returns the id of an asserted waker, clearing its asserted state in
// the process. If block is true and no waker is currently asserted, Fetch
// waits until one becomes asserted; otherwise it returns immediately with ok
// set to false
func (s *Sleeper) Fetch(block bool) (id int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for _, w := range s.wakers {
			if w.IsAsserted() {
				w.Clear()
				return w.id, true
			}
		}

		if !block {
			return 0, false
		}

		s.cond.Wait()
	}
}

// Done releases the association between s and all the wakers added to it.
// After Done returns, none of those wakers will wake s up again, and it is
// safe to reuse them with a different Sleeper
func (s *Sleeper) Done() {
	s.mu.Lock()
	wakers := s.wakers
	s.wakers = nil
	s.mu.Unlock()

	for _, w := range wakers {
		w.unbind()
	}
}
