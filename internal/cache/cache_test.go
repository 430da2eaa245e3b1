package cache

import (
	"testing"

	"github.com/talgya/worldclock/internal/bus"
)

func TestScopedEviction(t *testing.T) {
	b := bus.New()
	c := New(b)

	c.Put("tick", 1, ScopeUntilTimeProgressed)
	c.Put("season-view", "winter landscape", ScopeUntilCategoryChange)
	c.Put("pinned", "keep", ScopeManual)

	b.Publish(bus.Notification{Kind: bus.KindTimeProgressed})

	if _, ok := c.Get("tick"); ok {
		t.Fatal("time-progressed entry survived a time-progressed notification")
	}
	if _, ok := c.Get("season-view"); !ok {
		t.Fatal("category-scoped entry evicted by the wrong kind")
	}

	b.Publish(bus.Notification{Kind: bus.KindCategoryChanged})
	if _, ok := c.Get("season-view"); ok {
		t.Fatal("category-scoped entry survived a category change")
	}
	if _, ok := c.Get("pinned"); !ok {
		t.Fatal("manual entry must survive all notifications")
	}

	c.Delete("pinned")
	if _, ok := c.Get("pinned"); ok {
		t.Fatal("manual entry survived explicit delete")
	}
}

func TestTriggerNotificationsDoNotEvict(t *testing.T) {
	b := bus.New()
	c := New(b)

	c.Put("k", "v", ScopeUntilTimeProgressed)
	b.Publish(bus.Notification{Kind: bus.KindTriggerFired})
	b.Publish(bus.Notification{Kind: bus.KindWorkFailed})

	if _, ok := c.Get("k"); !ok {
		t.Fatal("trigger and failure notifications must not evict time-scoped entries")
	}
}

func TestHitMissCounters(t *testing.T) {
	c := New(bus.New())
	c.Put("a", 1, ScopeManual)

	c.Get("a")
	c.Get("a")
	c.Get("missing")

	if c.Hits() != 2 || c.Misses() != 1 {
		t.Fatalf("counters wrong: hits=%d misses=%d", c.Hits(), c.Misses())
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestOverwriteChangesScope(t *testing.T) {
	b := bus.New()
	c := New(b)

	c.Put("k", "v1", ScopeManual)
	c.Put("k", "v2", ScopeUntilTimeProgressed)

	b.Publish(bus.Notification{Kind: bus.KindTimeProgressed})
	if _, ok := c.Get("k"); ok {
		t.Fatal("overwritten entry kept its old scope")
	}
}
