package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-ledger/internal/clock"
)

func newTestScheduler(clk *clock.Fake, timeout time.Duration) (*removalScheduler, *[]removalTick) {
	var ticks []removalTick
	var s *removalScheduler
	s = newRemovalScheduler(clk, timeout, func() {
		ticks = append(ticks, s.advance(clk.Now())...)
	})
	return s, &ticks
}

func TestRemovalScheduler_CompletesInExactlyFiftyTicks(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	s, ticks := newTestScheduler(clk, 10*time.Second)
	step := 200 * time.Millisecond

	require.True(t, s.schedule(&removalEntry{key: "o-1", kind: RemovalOrder}))

	clk.Advance(49 * step)
	require.Len(t, *ticks, 49)
	assert.Equal(t, 98, s.view()["o-1"].PercentageCompleted)
	for _, tk := range *ticks {
		assert.False(t, tk.done)
	}

	clk.Advance(step)
	require.Len(t, *ticks, 50)
	last := (*ticks)[49]
	assert.True(t, last.done)
	assert.Equal(t, 100, last.entry.percent)
	assert.False(t, s.has("o-1"))

	clk.Advance(time.Minute)
	assert.Len(t, *ticks, 50)
	assert.Zero(t, clk.Pending())
}

func TestRemovalScheduler_ScheduleIsNoOpForExistingKey(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	s, _ := newTestScheduler(clk, 10*time.Second)

	require.True(t, s.schedule(&removalEntry{key: "acc-1", kind: RemovalAccount}))
	clk.Advance(time.Second)
	assert.False(t, s.schedule(&removalEntry{key: "acc-1", kind: RemovalAccount}))

	assert.Equal(t, 10, s.view()["acc-1"].PercentageCompleted)
	assert.Equal(t, time.Unix(0, 0), s.view()["acc-1"].RemovedAt)
}

func TestRemovalScheduler_InterleavesEntriesOnOneTimer(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	s, ticks := newTestScheduler(clk, 10*time.Second)

	s.schedule(&removalEntry{key: "a", kind: RemovalOrder})
	clk.Advance(100 * time.Millisecond)
	s.schedule(&removalEntry{key: "b", kind: RemovalOrder})
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(10 * time.Second)

	var done []string
	for _, tk := range *ticks {
		if tk.done {
			done = append(done, tk.entry.key)
		}
	}
	assert.Equal(t, []string{"a", "b"}, done)
	assert.Len(t, *ticks, 100)
}

func TestRemovalScheduler_StopCancelsTimer(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	s, ticks := newTestScheduler(clk, 10*time.Second)
	s.schedule(&removalEntry{key: "a", kind: RemovalOrder})

	s.stop()
	clk.Advance(time.Minute)

	assert.Empty(t, *ticks)
	assert.Empty(t, s.view())
	assert.Zero(t, clk.Pending())
}
