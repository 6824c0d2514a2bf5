package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock_Now(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	result := c.Now()
	after := time.Now()

	assert.False(t, result.Before(before), "RealClock.Now() should not be before the call")
	assert.False(t, result.After(after), "RealClock.Now() should not be after the call")
}

func TestRealClock_NowUnixMilli(t *testing.T) {
	c := RealClock{}
	before := time.Now().UnixMilli()
	result := c.NowUnixMilli()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, result, before)
	assert.LessOrEqual(t, result, after)
}

func TestMockClock_SetAndAdvance(t *testing.T) {
	start := time.Date(2025, 9, 2, 7, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.UnixMilli(), c.NowUnixMilli())

	next := c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), next)
	assert.Equal(t, next, c.Now())

	c.Advance(-30 * time.Second)
	assert.Equal(t, start.Add(60*time.Second), c.Now())

	later := time.Date(2025, 9, 2, 15, 0, 0, 0, time.UTC)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestMockClock_ConcurrentAccess(t *testing.T) {
	c := NewMockClock(time.Date(2025, 9, 2, 7, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
		go func() {
			defer wg.Done()
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, time.Date(2025, 9, 2, 7, 0, 50, 0, time.UTC), c.Now())
}

func TestServiceDate(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skip("tzdata not available")
	}

	// 02:30 UTC on Sep 3 is still Sep 2 in Los Angeles
	ts := time.Date(2025, 9, 3, 2, 30, 0, 0, time.UTC)
	got := ServiceDate(ts, loc)

	assert.Equal(t, time.Date(2025, 9, 2, 0, 0, 0, 0, loc), got)
	assert.Equal(t, time.Date(2025, 9, 3, 0, 0, 0, 0, time.UTC), ServiceDate(ts, nil))
}
