package keyedpool

import (
	"context"
	"strings"
	"testing"
	"time"
)

func idleValues(t *testing.T, p *Pool[string, *fakeConn], key string, n int) []*fakeConn {
	t.Helper()
	out := make([]*fakeConn, n)
	for i := range out {
		out[i] = mustBorrow(t, p, key)
	}
	for _, c := range out {
		if err := p.Return(c); err != nil {
			t.Fatalf("Return: %v", err)
		}
	}
	return out
}

func countDestroyed(cs []*fakeConn) int {
	n := 0
	for _, c := range cs {
		if c.destroyed.Load() {
			n++
		}
	}
	return n
}

func TestEvictIdleAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEvictableIdleTime = 20 * time.Millisecond
	cfg.NumTestsPerEvictionRun = 0
	p, _ := newTestPool(t, cfg)

	cs := idleValues(t, p, "a", 3)
	time.Sleep(40 * time.Millisecond)
	p.Evict(context.Background())

	if n := countDestroyed(cs); n != 3 {
		t.Fatalf("expected 3 evicted, got %d", n)
	}
	st := p.Stats("a")
	if st.Evicted != 3 || st.Idle != 0 {
		t.Errorf("expected 3 evicted/0 idle, got %d/%d", st.Evicted, st.Idle)
	}

	counts := p.EventCounts("a")
	if counts[EventEvicted] != 3 {
		t.Errorf("expected 3 evicted events, got %d", counts[EventEvicted])
	}
	for _, e := range p.Events("a") {
		if e.Type == EventEvicted && !strings.HasPrefix(e.Details, "idle for ") {
			t.Errorf("unexpected eviction details %q", e.Details)
		}
	}
}

func TestEvictSkipsRecentlyUsed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEvictableIdleTime = time.Hour
	p, _ := newTestPool(t, cfg)

	cs := idleValues(t, p, "a", 2)
	p.Evict(context.Background())

	if n := countDestroyed(cs); n != 0 {
		t.Fatalf("expected nothing evicted, got %d", n)
	}
	if st := p.Stats("a"); st.Idle != 2 {
		t.Errorf("expected idle values put back, got %d idle", st.Idle)
	}
}

func TestEvictKeepsMinIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEvictableIdleTime = 10 * time.Millisecond
	cfg.MinIdlePerKey = 1
	cfg.NumTestsPerEvictionRun = 0
	p, f := newTestPool(t, cfg)

	cs := idleValues(t, p, "a", 3)
	time.Sleep(30 * time.Millisecond)
	p.Evict(context.Background())

	if n := countDestroyed(cs); n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
	if st := p.Stats("a"); st.Idle != 1 {
		t.Errorf("expected MinIdlePerKey kept, got %d idle", st.Idle)
	}
	if f.next != 3 {
		t.Errorf("refill should not create when MinIdlePerKey is met, created %d", f.next)
	}
}

func TestEvictNumTestsPerRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEvictableIdleTime = 10 * time.Millisecond
	cfg.NumTestsPerEvictionRun = 1
	p, _ := newTestPool(t, cfg)

	cs := idleValues(t, p, "a", 3)
	time.Sleep(30 * time.Millisecond)
	p.Evict(context.Background())

	if n := countDestroyed(cs); n != 1 {
		t.Fatalf("expected 1 evicted per run, got %d", n)
	}
	if st := p.Stats("a"); st.Idle != 2 {
		t.Errorf("expected 2 idle left, got %d", st.Idle)
	}
}

func TestEvictTestWhileIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEvictableIdleTime = 0
	cfg.TestWhileIdle = true
	cfg.NumTestsPerEvictionRun = 0
	p, _ := newTestPool(t, cfg)

	cs := idleValues(t, p, "a", 2)
	cs[0].alive.Store(false)
	p.Evict(context.Background())

	if !cs[0].destroyed.Load() {
		t.Error("dead idle value should be destroyed by the evictor")
	}
	if cs[1].destroyed.Load() {
		t.Error("live idle value should survive")
	}
	st := p.Stats("a")
	if st.ValidationFailed != 1 || st.Idle != 1 {
		t.Errorf("expected 1 validation failure/1 idle, got %d/%d", st.ValidationFailed, st.Idle)
	}
}

func TestEvictRefillsMinIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinIdlePerKey = 2
	p, _ := newTestPool(t, cfg)

	idleValues(t, p, "a", 1)
	p.Evict(context.Background())

	if st := p.Stats("a"); st.Idle != 2 || st.Created != 2 {
		t.Errorf("expected refill to 2 idle, got %d idle/%d created", st.Idle, st.Created)
	}
}

func TestEvictLeavesBorrowedAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEvictableIdleTime = time.Nanosecond
	p, _ := newTestPool(t, cfg)

	c := mustBorrow(t, p, "a")
	time.Sleep(time.Millisecond)
	p.Evict(context.Background())

	if c.destroyed.Load() {
		t.Fatal("evictor destroyed a borrowed value")
	}
	if err := p.Return(c); err != nil {
		t.Errorf("Return after eviction pass: %v", err)
	}
}

func TestScheduledEvictor(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the evictor schedule")
	}
	cfg := DefaultConfig()
	cfg.TimeBetweenEvictionRuns = time.Second
	cfg.MinEvictableIdleTime = 10 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	cs := idleValues(t, p, "a", 1)

	deadline := time.Now().Add(5 * time.Second)
	for !cs[0].destroyed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("scheduled evictor never evicted the idle value")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
