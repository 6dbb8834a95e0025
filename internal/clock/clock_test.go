package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClock_TimerFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	timer := c.NewTimer(5 * time.Minute)
	assert.Equal(t, 1, c.Pending())

	c.Advance(4 * time.Minute)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Minute)
	select {
	case fired := <-timer.C():
		assert.Equal(t, start.Add(5*time.Minute), fired)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestMockClock_StopAndReset(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	timer := c.NewTimer(time.Second)
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}

	assert.False(t, timer.Reset(time.Second))
	c.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestMockClock_WaitForTimers(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	assert.False(t, c.WaitForTimers(1, 20*time.Millisecond))

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.NewTimer(time.Minute)
	}()
	require.True(t, c.WaitForTimers(1, time.Second))
}

func TestMockClock_Set(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewMockClock(start)

	c.Set(start.Add(-time.Hour))
	assert.Equal(t, start.Add(-time.Hour), c.Now())
	assert.Equal(t, time.Hour, c.Since(start.Add(-2*time.Hour)))
}

func TestRealClock(t *testing.T) {
	c := NewRealClock()
	timer := c.NewTimer(time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
