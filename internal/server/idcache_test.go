package server

import "testing"

func TestCacheRemembersWithinWindow(t *testing.T) {
	c := newIDCache(4)
	c.add(10)
	c.add(20)
	if !c.contains(10) || !c.contains(20) {
		t.Fatal("recently added IDs not found")
	}
	if c.contains(30) {
		t.Fatal("never-added ID reported present")
	}
}

func TestCacheEvictsOldestOnWrap(t *testing.T) {
	c := newIDCache(3)
	for id := uint64(1); id <= 3; id++ {
		c.add(id)
	}
	c.add(4)
	if c.contains(1) {
		t.Fatal("oldest ID survived eviction")
	}
	for id := uint64(2); id <= 4; id++ {
		if !c.contains(id) {
			t.Fatalf("ID %d missing from window", id)
		}
	}
	c.add(5)
	c.add(6)
	if c.contains(3) {
		t.Fatal("ID 3 should have aged out")
	}
	if !c.contains(6) {
		t.Fatal("newest ID missing")
	}
}
