package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMock(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "late") })

	c.Advance(5 * time.Second)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestMockStop(t *testing.T) {
	c := NewMock(time.Now())

	called := false
	tm := c.AfterFunc(time.Second, func() { called = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	c.Advance(time.Hour)
	assert.False(t, called)
	assert.Zero(t, c.Pending())
}

func TestMockRescheduleFromCallback(t *testing.T) {
	c := NewMock(time.Now())

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(time.Second)
	assert.Equal(t, 1, ticks)
	c.Advance(time.Second)
	assert.Equal(t, 2, ticks)
	assert.Equal(t, 1, c.Pending())
}
