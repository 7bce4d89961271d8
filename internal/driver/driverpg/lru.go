package driverpg

// stmtCache is a small fixed-capacity LRU keyed by SQL text, mirroring the
// "bounded LRU of prepared statements per connection" that spec.md §4.2
// step 2 requires. Identical SQL text on the same connection yields the
// same prepared statement name.
type stmtCache struct {
	capacity int
	order    []string // order[0] is least recently used
	entries  map[string]string
}

func newStmtCache(capacity int) *stmtCache {
	return &stmtCache{
		capacity: capacity,
		entries:  make(map[string]string, capacity),
	}
}

// lookup returns the cached prepared-statement name for sql, if any, and
// marks it most-recently-used.
func (c *stmtCache) lookup(sql string) (string, bool) {
	name, ok := c.entries[sql]
	if !ok {
		return "", false
	}
	c.touch(sql)
	return name, true
}

// insert records a new prepared statement name for sql, evicting the least
// recently used entry (by name, for the caller to Deallocate) if the cache
// is full.
func (c *stmtCache) insert(sql, name string) (evictedName string, evicted bool) {
	if _, ok := c.entries[sql]; ok {
		c.entries[sql] = name
		c.touch(sql)
		return "", false
	}

	if len(c.order) >= c.capacity && c.capacity > 0 {
		oldestSQL := c.order[0]
		evictedName = c.entries[oldestSQL]
		evicted = true
		delete(c.entries, oldestSQL)
		c.order = c.order[1:]
	}

	c.entries[sql] = name
	c.order = append(c.order, sql)
	return evictedName, evicted
}

func (c *stmtCache) touch(sql string) {
	for i, s := range c.order {
		if s == sql {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, sql)
}

func (c *stmtCache) all() map[string]string {
	return c.entries
}
