package server

// idCache is the duplicate-suppression ring: a fixed number of recently seen
// S2S packet IDs with a wrap-around write index. Loops in the mesh are broken
// by refusing any ID seen within the window.
type idCache struct {
	ids  []uint64
	next int
}

func newIDCache(size int) *idCache {
	return &idCache{ids: make([]uint64, size)}
}

// add records an ID, evicting the oldest entry once the ring is full.
func (c *idCache) add(id uint64) {
	c.ids[c.next] = id
	c.next++
	if c.next >= len(c.ids) {
		c.next = 0
	}
}

// contains reports whether the ID was seen within the window.
func (c *idCache) contains(id uint64) bool {
	for _, cached := range c.ids {
		if cached == id {
			return true
		}
	}
	return false
}
