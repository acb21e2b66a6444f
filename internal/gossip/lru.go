package gossip

import (
	"container/list"

	"github.com/opgraph/syncnode/internal/hashobj"
)

// lruCache is a bounded set of recently-evicted state hashes, used to
// recognize a peer gossiping a state we've already superseded (a stale
// view, not a genuine disagreement).
type lruCache struct {
	capacity int
	order    *list.List
	index    map[hashobj.Hash]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[hashobj.Hash]*list.Element),
	}
}

// Add records h as recently seen, evicting the least-recently-added entry
// if the cache is at capacity.
func (c *lruCache) Add(h hashobj.Hash) {
	if el, ok := c.index[h]; ok {
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(h)
	c.index[h] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(hashobj.Hash))
	}
}

// Contains reports whether h is present in the cache.
func (c *lruCache) Contains(h hashobj.Hash) bool {
	_, ok := c.index[h]
	return ok
}
