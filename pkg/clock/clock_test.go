package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualClockStartsAtZero(t *testing.T) {
	c := NewManualClock()
	require.Equal(t, Tick(0), c.Now())
}

func TestManualClockAdvanceAccumulates(t *testing.T) {
	c := NewManualClock()
	require.Equal(t, Tick(3), c.Advance(3))
	require.Equal(t, Tick(3), c.Now())
	require.Equal(t, Tick(8), c.Advance(5))
	require.Equal(t, Tick(8), c.Now())
}

func TestManualClockSetPinsExactTick(t *testing.T) {
	c := NewManualClock()
	c.Advance(10)
	c.Set(42)
	require.Equal(t, Tick(42), c.Now())
}

func TestManualClockSatisfiesSource(t *testing.T) {
	var s Source = NewManualClock()
	require.Equal(t, Tick(0), s.Now())
}

func TestLiveClockAdvancesOverInterval(t *testing.T) {
	c := NewLiveClock(5 * time.Millisecond)
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.Now() >= Tick(2)
	}, 500*time.Millisecond, 5*time.Millisecond)
}

func TestLiveClockStopHaltsAdvancement(t *testing.T) {
	c := NewLiveClock(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Now() >= Tick(1)
	}, 500*time.Millisecond, 5*time.Millisecond)

	c.Stop()
	stopped := c.Now()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, stopped, c.Now())
}

func TestLiveClockSatisfiesSource(t *testing.T) {
	c := NewLiveClock(time.Second)
	defer c.Stop()
	var s Source = c
	require.Equal(t, Tick(0), s.Now())
}
