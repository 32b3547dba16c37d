package lrucache

import (
	"errors"
	"testing"
)

func TestInsertEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int, int](3)
	c.Insert(1, 1)
	c.Insert(2, 2)
	c.Insert(3, 3)
	c.Insert(4, 4)

	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Error("entry 1 should have been evicted")
	}
	for _, k := range []int{2, 3, 4} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("entry %d should still be cached", k)
		}
	}
}

func TestGetPromotesToMostRecentlyUsed(t *testing.T) {
	c := New[int, string](2)
	c.Insert(1, "a")
	c.Insert(2, "b")
	c.Get(1) // touch 1, making 2 the LRU
	c.Insert(3, "c")

	if _, ok := c.Get(2); ok {
		t.Error("entry 2 should have been evicted as least recently used")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("entry 1 should have survived (recently touched)")
	}
}

func TestRemove(t *testing.T) {
	c := New[string, int](4)
	c.Insert("x", 10)
	v, ok := c.Remove("x")
	if !ok || v != 10 {
		t.Fatalf("Remove = (%d,%v), want (10,true)", v, ok)
	}
	if _, ok := c.Get("x"); ok {
		t.Error("removed entry should not be retrievable")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestAccessFetchesOnMiss(t *testing.T) {
	c := New[int, string](2)
	calls := 0
	fetch := func(key int) (string, bool, error) {
		calls++
		return "fetched", true, nil
	}

	v, ok, err := c.Access(1, fetch)
	if err != nil || !ok || v != "fetched" {
		t.Fatalf("Access = (%q,%v,%v)", v, ok, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 fetch call, got %d", calls)
	}

	// second access is a cache hit, fetch must not be called again.
	v, ok, err = c.Access(1, fetch)
	if err != nil || !ok || v != "fetched" {
		t.Fatalf("Access (cached) = (%q,%v,%v)", v, ok, err)
	}
	if calls != 1 {
		t.Errorf("expected fetch to not be called again, got %d calls", calls)
	}
}

func TestAccessMissWithoutValueLeavesCacheUnchanged(t *testing.T) {
	c := New[int, string](2)
	fetch := func(key int) (string, bool, error) {
		return "", false, nil
	}
	v, ok, err := c.Access(1, fetch)
	if err != nil || ok || v != "" {
		t.Fatalf("Access = (%q,%v,%v), want (\"\",false,nil)", v, ok, err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestAccessPropagatesFetchError(t *testing.T) {
	c := New[int, string](2)
	wantErr := errors.New("boom")
	fetch := func(key int) (string, bool, error) {
		return "", false, wantErr
	}
	_, _, err := c.Access(1, fetch)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Access error = %v, want %v", err, wantErr)
	}
}

func TestClear(t *testing.T) {
	c := New[int, int](4)
	c.Insert(1, 1)
	c.Insert(2, 2)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Error("Get after Clear should miss")
	}
}

func TestMinimumCapacityIsOne(t *testing.T) {
	c := New[int, int](0)
	c.Insert(1, 1)
	c.Insert(2, 2)
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (capacity clamped to 1)", c.Len())
	}
}
