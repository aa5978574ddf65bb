package timerset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNextTimerEmptyIsInfinite(t *testing.T) {
	ts := New()
	assert.Equal(t, int64(Infinite), ts.GetNextTimer())
}

func TestAddTimerFiresOnceAfterDeadline(t *testing.T) {
	now := int64(1000)
	ts := &TimerSet{Clock: func() int64 { return now }}
	ts.previousTime = now

	fired := 0
	ts.AddTimer(100, func() { fired++ }, false)

	assert.Equal(t, int64(100), ts.GetNextTimer())

	now += 50
	assert.Empty(t, ts.ListExpired())

	now += 50
	cbs := ts.ListExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, ts.Len())
}

func TestRecurringTimerReinsertsAndCancelStopsIt(t *testing.T) {
	// Mirrors spec.md §8 scenario 2: a recurring timer that cancels itself
	// after its 4th fire ends at exactly 4, never more.
	now := int64(0)
	ts := &TimerSet{Clock: func() int64 { return now }}
	ts.previousTime = now

	count := 0
	var timer *Timer
	cb := func() {
		count++
		if count == 4 {
			timer.Cancel()
		}
	}
	timer = ts.AddTimer(100, cb, true)

	for i := 0; i < 10; i++ {
		now += 100
		for _, fn := range ts.ListExpired() {
			fn()
		}
	}

	assert.Equal(t, 4, count)
	assert.Equal(t, 0, ts.Len())
}

func TestCancelReturnsFalseSecondTime(t *testing.T) {
	ts := New()
	timer := ts.AddTimer(1000, func() {}, false)
	assert.True(t, timer.Cancel())
	assert.False(t, timer.Cancel())
}

func TestConditionalTimerSkipsWhenWitnessFails(t *testing.T) {
	now := int64(0)
	ts := &TimerSet{Clock: func() int64 { return now }}
	ts.previousTime = now

	ran := false
	alive := false
	ts.AddConditionTimer(10, func() { ran = true }, func() bool { return alive }, false)

	now += 10
	cbs := ts.ListExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.False(t, ran, "conditional timer fired despite a failed weak witness")
}

func TestClockRolloverExpiresEverything(t *testing.T) {
	now := int64(10_000)
	ts := &TimerSet{Clock: func() int64 { return now }}
	ts.previousTime = now

	fired := 0
	ts.AddTimer(60*60*1000, func() { fired++ }, false) // an hour out, nowhere near due

	now -= 61 * 60 * 1000 // clock jumps back more than the rollover threshold
	cbs := ts.ListExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.Equal(t, 1, fired)
}

func TestOnInsertedAtFrontFiresOnlyForNewFront(t *testing.T) {
	now := int64(0)
	ts := &TimerSet{Clock: func() int64 { return now }}
	ts.previousTime = now

	tickles := 0
	ts.OnInsertedAtFront = func() { tickles++ }

	ts.AddTimer(100, func() {}, false) // first insert: becomes front
	assert.Equal(t, 1, tickles)

	ts.AddTimer(200, func() {}, false) // later deadline: not a new front
	assert.Equal(t, 1, tickles)

	ts.GetNextTimer() // consumes the pending wake, clearing the latch

	ts.AddTimer(50, func() {}, false) // earlier than both: new front again
	assert.Equal(t, 2, tickles)
}
