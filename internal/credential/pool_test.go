package credential

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func TestSelectEmptyPool(t *testing.T) {
	p := New(nil)
	if _, ok := p.Select(); ok {
		t.Fatal("expected no credential from empty pool")
	}
}

func TestSelectSkipsCoolingCredential(t *testing.T) {
	clk := newClock()
	p := New([]string{"T1", "T2"}, WithClock(clk.Now))

	p.MarkRateLimited(0, DefaultCooldown)
	clk.Advance(400 * time.Second) // T1 has 500s left

	got, ok := p.Select()
	if !ok || got.Token != "T2" || got.Index != 1 {
		t.Fatalf("Select = %+v (ok=%v), want T2", got, ok)
	}
	if p.Current() != 1 {
		t.Fatalf("pointer = %d, want 1", p.Current())
	}
}

func TestSelectStaysOnUsableCredential(t *testing.T) {
	p := New([]string{"T1", "T2", "T3"})
	for i := 0; i < 3; i++ {
		got, _ := p.Select()
		if got.Index != 0 {
			t.Fatalf("Select #%d index = %d, want 0", i, got.Index)
		}
	}
}

func TestSelectAllCoolingReturnsLeastRemaining(t *testing.T) {
	clk := newClock()
	p := New([]string{"T1", "T2", "T3"}, WithClock(clk.Now))

	p.MarkRateLimited(0, DefaultCooldown)
	clk.Advance(100 * time.Second)
	p.MarkRateLimited(2, DefaultCooldown)
	clk.Advance(100 * time.Second)
	p.MarkRateLimited(1, DefaultCooldown)

	// remaining: T1=700s, T2=900s, T3=800s
	got, ok := p.Select()
	if !ok || got.Token != "T1" {
		t.Fatalf("Select = %+v, want T1 (least remaining)", got)
	}

	left, all := p.SoonestAvailable()
	if !all || left != 700*time.Second {
		t.Fatalf("SoonestAvailable = %v,%v want 700s,true", left, all)
	}
}

func TestCooldownElapses(t *testing.T) {
	clk := newClock()
	p := New([]string{"T1"}, WithClock(clk.Now))
	p.MarkRateLimited(0, 0)

	if st := p.Snapshot()[0]; st.Available || st.Remaining != DefaultCooldown {
		t.Fatalf("snapshot = %+v, want cooling with full cooldown", st)
	}
	clk.Advance(DefaultCooldown)
	if st := p.Snapshot()[0]; !st.Available || st.RateLimitHits != 1 {
		t.Fatalf("snapshot = %+v, want available after cooldown", st)
	}
	if _, all := p.SoonestAvailable(); all {
		t.Fatal("expected a usable credential after cooldown")
	}
}

func TestMarkRateLimitedOutOfRangeIgnored(t *testing.T) {
	p := New([]string{"T1"})
	p.MarkRateLimited(5, time.Second)
	p.MarkRateLimited(-1, time.Second)
	if !p.Snapshot()[0].Available {
		t.Fatal("out-of-range mark should not affect credentials")
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abcdefgh"); got != "****efgh" {
		t.Fatalf("Mask = %q", got)
	}
	if got := Mask("abc"); got != "****" {
		t.Fatalf("Mask short = %q", got)
	}
}

func TestConcurrentSelectAndMark(t *testing.T) {
	p := New([]string{"A", "B", "C"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l, _ := p.Select()
				if j%7 == 0 {
					p.MarkRateLimited(l.Index, time.Millisecond)
				}
			}
		}(i)
	}
	wg.Wait()
	if p.Current() < 0 || p.Current() > 2 {
		t.Fatalf("pointer out of range: %d", p.Current())
	}
}
