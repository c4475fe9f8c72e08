package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil_ReturnsImmediatelyWhenConditionHolds(t *testing.T) {
	start := time.Now()
	ok := Until(context.Background(), Options{Timeout: time.Second, Interval: 500 * time.Millisecond}, func() bool {
		return true
	})

	assert.True(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "условие должно проверяться до первой паузы")
}

func TestUntil_ReachesConditionOnThirdTick(t *testing.T) {
	var calls int32
	start := time.Now()

	ok := Until(context.Background(), Options{Timeout: 2 * time.Second, Interval: 100 * time.Millisecond}, func() bool {
		return atomic.AddInt32(&calls, 1) >= 4
	})

	elapsed := time.Since(start)
	require.True(t, ok)
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 400*time.Millisecond+50*time.Millisecond)
}

func TestUntil_TimesOutWithoutError(t *testing.T) {
	start := time.Now()
	ok := Until(context.Background(), Options{Timeout: 250 * time.Millisecond, Interval: 50 * time.Millisecond}, func() bool {
		return false
	})

	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUntil_DoesNotBusySpin(t *testing.T) {
	var calls int32
	Until(context.Background(), Options{Timeout: 300 * time.Millisecond, Interval: 100 * time.Millisecond}, func() bool {
		atomic.AddInt32(&calls, 1)
		return false
	})

	// проверки в 0, 100, 200 и 300 мс
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(5))
}

func TestUntil_ThrottlesTicks(t *testing.T) {
	var ticks int32
	Until(context.Background(), Options{
		Timeout:   550 * time.Millisecond,
		Interval:  10 * time.Millisecond,
		TickEvery: 200 * time.Millisecond,
		OnTick: func(elapsed time.Duration) {
			atomic.AddInt32(&ticks, 1)
			assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
		},
	}, func() bool { return false })

	got := atomic.LoadInt32(&ticks)
	assert.GreaterOrEqual(t, got, int32(1))
	assert.LessOrEqual(t, got, int32(2), "тик не должен вызываться на каждой проверке")
}

func TestUntil_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok := Until(ctx, Options{Interval: 20 * time.Millisecond}, func() bool { return false })

	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultInterval, o.Interval)
	assert.Equal(t, DefaultTickEvery, o.TickEvery)
	assert.Zero(t, o.Timeout)
}
