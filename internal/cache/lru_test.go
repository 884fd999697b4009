package cache

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestLRUCache_GetSet(t *testing.T) {
	c := NewLRUCache[int](2, time.Minute)
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected 1, got %d (ok=%v)", v, ok)
	}
	c.Set("a", 2)
	if v, _ := c.Get("a"); v != 2 {
		t.Fatalf("expected overwrite to 2, got %d", v)
	}
	if c.Size() != 1 {
		t.Fatalf("expected size 1, got %d", c.Size())
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[string](2, time.Minute)
	c.Set("a", "A")
	c.Set("b", "B")
	c.Get("a") // a is now most recently used
	c.Set("c", "C")

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	clock := newClock()
	c := NewLRUCache[int](10, 5*time.Minute).WithClock(clock.Now)
	c.Set("a", 1)
	c.Set("b", 2)

	clock.Advance(4 * time.Minute)
	c.Set("b", 3) // refreshes b

	clock.Advance(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to expire")
	}
	if v, ok := c.Get("b"); !ok || v != 3 {
		t.Fatalf("expected refreshed b, got %d (ok=%v)", v, ok)
	}

	clock.Advance(10 * time.Minute)
	if n := c.CleanExpired(); n != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", n)
	}
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Size())
	}
}

func TestManager_CleanAll(t *testing.T) {
	clock := newClock()
	values := NewLRUCache[int](10, time.Minute).WithClock(clock.Now)
	versions := NewMemoryVersionStore(time.Hour).WithClock(clock.Now)
	values.Set("x", 1)
	versions.Bump("k")

	m := NewManager()
	m.Register("values", values)
	m.Register("versions", versions)

	clock.Advance(2 * time.Minute)
	got := m.CleanAll()
	if got["values"] != 1 || got["versions"] != 0 {
		t.Fatalf("unexpected cleanup counts: %v", got)
	}

	m.StartCleanup(time.Hour)
	m.Stop()
	m.Stop()
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop blocked without a running cleanup loop")
	}
}
