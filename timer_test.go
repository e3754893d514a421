package pronet

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Schedule with period == 0 fires fn exactly once.
func TestTimerWheelOneShot(t *testing.T) {
	w := NewTimerWheel(20 * time.Millisecond)
	defer w.Stop()

	var fired int32
	done := make(chan struct{})
	w.Schedule(0, func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("one-shot timer never fired")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

// Schedule with a positive period fires fn repeatedly.
func TestTimerWheelRecurring(t *testing.T) {
	w := NewTimerWheel(10 * time.Millisecond)
	defer w.Stop()

	var fired int32
	w.Schedule(10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

// Cancel stops a scheduled timer from firing again.
func TestTimerWheelCancel(t *testing.T) {
	w := NewTimerWheel(5 * time.Millisecond)
	defer w.Stop()

	var fired int32
	id := w.Schedule(5*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	time.Sleep(20 * time.Millisecond)
	w.Cancel(id)
	countAtCancel := atomic.LoadInt32(&fired)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAtCancel, atomic.LoadInt32(&fired), "no further fires after cancel")
}

// Cancel on an unknown id is a harmless no-op.
func TestTimerWheelCancelUnknown(t *testing.T) {
	w := NewTimerWheel(10 * time.Millisecond)
	defer w.Stop()
	assert.NotPanics(t, func() { w.Cancel(TimerID(99999)) })
}

// Stop is idempotent and halts the background goroutine.
func TestTimerWheelStopIdempotent(t *testing.T) {
	w := NewTimerWheel(10 * time.Millisecond)
	w.Stop()
	assert.NotPanics(t, func() { w.Stop() })
}

// UpdateStep reconfigures the tick without losing already-scheduled timers.
func TestTimerWheelUpdateStep(t *testing.T) {
	w := NewTimerWheel(time.Second) // coarse step initially
	defer w.Stop()

	var fired int32
	w.Schedule(50*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	w.UpdateStep(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

// UpdateStep with a non-positive period is ignored.
func TestTimerWheelUpdateStepIgnoresNonPositive(t *testing.T) {
	w := NewTimerWheel(10 * time.Millisecond)
	defer w.Stop()
	assert.NotPanics(t, func() {
		w.UpdateStep(0)
		w.UpdateStep(-time.Second)
	})
}
