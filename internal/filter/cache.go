package filter

import lru "github.com/hashicorp/golang-lru/v2"

// Cache memoizes compiled filters by their source text. Subscribers
// frequently resubscribe with identical filter strings (e.g. a client
// library restarting after a transient disconnect), so avoiding a
// recompile is a cheap win; grounded on the LRU caches the rest of the
// example pack reaches for (github.com/hashicorp/golang-lru/v2) rather than
// a hand-rolled map with manual eviction.
type Cache struct {
	lru *lru.Cache[string, *Filter]
}

func NewCache(size int) *Cache {
	c, err := lru.New[string, *Filter](size)
	if err != nil {
		// Only returns an error for a non-positive size.
		c, _ = lru.New[string, *Filter](1)
	}
	return &Cache{lru: c}
}

// Compile returns a cached Filter for text if one exists, else compiles,
// caches, and returns a fresh one.
func (c *Cache) Compile(text string) (*Filter, error) {
	if f, ok := c.lru.Get(text); ok {
		return f, nil
	}
	f, err := Compile(text)
	if err != nil {
		return nil, err
	}
	c.lru.Add(text, f)
	return f, nil
}
