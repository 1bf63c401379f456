package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected [1 2], got %v", order)
	}

	c.Advance(time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("expected third timer to fire, got %v", order)
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", c.Pending())
	}
}

func TestFake_StoppedTimerDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}
	c.Advance(5 * time.Second)

	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("second Stop should return false")
	}
}

func TestFake_NowDuringCallback(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewFake(start)

	var seen time.Time
	c.AfterFunc(1500*time.Millisecond, func() { seen = c.Now() })
	c.Advance(10 * time.Second)

	if want := start.Add(1500 * time.Millisecond); !seen.Equal(want) {
		t.Errorf("callback saw %v, want %v", seen, want)
	}
	if want := start.Add(10 * time.Second); !c.Now().Equal(want) {
		t.Errorf("clock at %v, want %v", c.Now(), want)
	}
}

func TestFake_TimerScheduledFromCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	count := 0
	c.AfterFunc(time.Second, func() {
		count++
		c.AfterFunc(time.Second, func() { count++ })
	})
	c.Advance(2 * time.Second)

	if count != 2 {
		t.Errorf("expected chained timer to fire within the same advance, count=%d", count)
	}
}
