package stack

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GunjiD/tapstack/types"
)

func TestAddTimerFiresOnDispatchLoop(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired int32
	s.AddTimer(20*time.Millisecond, 0, func() { atomic.AddInt32(&fired, 1) })

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)

	// A one-shot timer never fires a second time
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestAddTimerPeriodicKeepsFiring(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired int32
	s.AddTimer(10*time.Millisecond, 10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) >= 3 }, time.Second, 5*time.Millisecond)
}

func TestTimerHandleStopPreventsFiring(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired int32
	h := s.AddTimer(30*time.Millisecond, 0, func() { atomic.AddInt32(&fired, 1) })
	h.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestTimerHandleResetReschedules(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired int32
	h := s.AddTimer(500*time.Millisecond, 0, func() { atomic.AddInt32(&fired, 1) })
	h.Reset(10 * time.Millisecond)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAddStaticARPEntryRejectsUnknownNic(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	err := s.AddStaticARPEntry(7, "\x0a\x00\x00\x02", "\x02\x00\x00\x00\x00\x02")
	assert.ErrorIs(t, err, types.ErrUnknownNicId)
}
