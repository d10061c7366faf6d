package store

import (
	"testing"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

func TestLRUCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := newLRUCache(2)
	c.putPayload("a", []byte(`{}`))
	c.putPayload("b", []byte(`{}`))
	c.putPayload("c", []byte(`{}`))

	if _, ok := c.get("a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := c.get("b"); !ok {
		t.Fatal("expected b to remain")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatal("expected c to remain")
	}
}

func TestLRUCacheGetPromotesToFront(t *testing.T) {
	c := newLRUCache(2)
	c.putPayload("a", []byte(`{}`))
	c.putPayload("b", []byte(`{}`))
	c.get("a")
	c.putPayload("c", []byte(`{}`))

	if _, ok := c.get("b"); ok {
		t.Fatal("expected b evicted since a was refreshed")
	}
	if _, ok := c.get("a"); !ok {
		t.Fatal("expected a to survive due to recent access")
	}
}

func TestLRUCacheInvalidate(t *testing.T) {
	c := newLRUCache(4)
	c.putPayload("a", []byte(`{}`))
	c.putMetadata("a", meshtypes.Metadata{Version: 1})
	c.invalidate("a")
	if _, ok := c.get("a"); ok {
		t.Fatal("expected entry gone after invalidate")
	}
}

func TestLRUCacheDefaultsCapacity(t *testing.T) {
	c := newLRUCache(0)
	if c.capacity != DefaultCacheCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCacheCapacity, c.capacity)
	}
}
