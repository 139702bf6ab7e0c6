package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	var fired []string
	clk.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	clk.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	clk.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	clk.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, time.Unix(3, 0), clk.Now())
}

func TestFake_CallbackArmsTimerInsideWindow(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		clk.AfterFunc(time.Second, tick)
	}
	clk.AfterFunc(time.Second, tick)

	clk.Advance(10 * time.Second)

	assert.Equal(t, 10, count)
}

func TestFake_StoppedTimerDoesNotFire(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	clk.Advance(time.Minute)

	assert.False(t, fired)
	assert.Zero(t, clk.Pending())
}
