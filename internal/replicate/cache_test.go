package replicate

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(window time.Duration) (*recencyCache, *testClock) {
	clk := &testClock{t: time.Unix(1700000000, 0)}
	c := newRecencyCache(window)
	c.now = clk.Now
	return c, clk
}

func TestSeenWithinWindow(t *testing.T) {
	c, clk := newTestCache(100 * time.Millisecond)

	if c.Seen("k") {
		t.Fatal("fresh key reported as seen")
	}
	if !c.Seen("k") {
		t.Fatal("repeat within window not reported")
	}
	clk.Advance(101 * time.Millisecond)
	if c.Seen("k") {
		t.Fatal("key outside window still reported as seen")
	}
}

func TestRecentDoesNotRecord(t *testing.T) {
	c, _ := newTestCache(100 * time.Millisecond)

	if c.Recent("k") {
		t.Fatal("unknown key reported recent")
	}
	if c.Recent("k") {
		t.Fatal("Recent recorded the key")
	}
	c.Observe("k")
	if !c.Recent("k") {
		t.Fatal("observed key not reported recent")
	}
}

func TestSweepPrunesExpired(t *testing.T) {
	c, clk := newTestCache(10 * time.Millisecond)

	for i := 0; i < sweepEvery-1; i++ {
		c.Observe(fmt.Sprintf("old-%d", i))
	}
	clk.Advance(time.Second)
	c.Observe("fresh") // write number sweepEvery triggers the sweep

	if got := c.Len(); got != 1 {
		t.Fatalf("cache holds %d entries after sweep, want 1", got)
	}
	if !c.Recent("fresh") {
		t.Fatal("sweep removed the fresh entry")
	}
}
