package collection

import "weak"

// cacheEntry keeps an instance reachable until the next sweep unpins it.
// After that only the weak pointer remains, so the runtime may reclaim the
// instance as soon as no caller, query result, dirty set or owning entity
// holds it.
type cacheEntry[T any] struct {
	pin  *T
	weak weak.Pointer[T]
}

// cache is an identity map. It has no lock of its own: every access happens
// under the registry lock of its entity kind.
type cache[K comparable, T any] struct {
	entries map[K]*cacheEntry[T]
}

func newCache[K comparable, T any]() *cache[K, T] {
	return &cache[K, T]{entries: make(map[K]*cacheEntry[T])}
}

// get returns the live instance for key and pins it again
func (c *cache[K, T]) get(key K) *T {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	v := e.weak.Value()
	if v == nil {
		delete(c.entries, key)
		return nil
	}
	e.pin = v
	return v
}

func (c *cache[K, T]) put(key K, v *T) {
	c.entries[key] = &cacheEntry[T]{pin: v, weak: weak.Make(v)}
}

func (c *cache[K, T]) remove(key K) {
	delete(c.entries, key)
}

// has reports whether key maps to a live instance
func (c *cache[K, T]) has(key K) bool {
	e, ok := c.entries[key]
	return ok && e.weak.Value() != nil
}

// take removes key and returns its live instance, if any
func (c *cache[K, T]) take(key K) *T {
	v := c.get(key)
	delete(c.entries, key)
	return v
}

// each calls fn for every live instance
func (c *cache[K, T]) each(fn func(*T)) {
	for _, e := range c.entries {
		if v := e.weak.Value(); v != nil {
			fn(v)
		}
	}
}

// sweep drops entries whose instance has been reclaimed and unpins the rest.
// An unpinned instance that is still referenced elsewhere is pinned again by
// the next get.
func (c *cache[K, T]) sweep() (evicted int) {
	for key, e := range c.entries {
		if e.weak.Value() == nil {
			delete(c.entries, key)
			evicted++
			continue
		}
		e.pin = nil
	}
	return evicted
}

func (c *cache[K, T]) len() int {
	return len(c.entries)
}
