package bus

import "container/list"

// defaultReturnPathLimit bounds the number of remembered reply routes.
const defaultReturnPathLimit = 128

type returnPathEntry struct {
	sender   string
	listener Listener
}

// returnPathCache maps sender ids to the listener (bridge) that last
// delivered a message from them. Lookups promote the entry; overflow
// evicts the least recently used one. All access happens under the bus
// mutex.
type returnPathCache struct {
	limit   int
	index   map[string]*list.Element
	entries *list.List // front = most recent
}

func newReturnPathCache(limit int) *returnPathCache {
	if limit <= 0 {
		limit = defaultReturnPathLimit
	}
	return &returnPathCache{
		limit:   limit,
		index:   make(map[string]*list.Element),
		entries: list.New(),
	}
}

// store records or refreshes the route for sender. A nil listener erases
// the entry.
func (c *returnPathCache) store(sender string, l Listener) {
	el, ok := c.index[sender]
	if !ok {
		if l == nil {
			return
		}
		el = c.entries.PushFront(&returnPathEntry{sender: sender, listener: l})
		c.index[sender] = el
		for c.entries.Len() > c.limit {
			tail := c.entries.Back()
			c.entries.Remove(tail)
			delete(c.index, tail.Value.(*returnPathEntry).sender)
		}
		return
	}
	if l == nil {
		c.entries.Remove(el)
		delete(c.index, sender)
		return
	}
	el.Value.(*returnPathEntry).listener = l
	c.entries.MoveToFront(el)
}

// find returns the remembered listener for sender, or nil.
func (c *returnPathCache) find(sender string) Listener {
	if el, ok := c.index[sender]; ok {
		c.entries.MoveToFront(el)
		return el.Value.(*returnPathEntry).listener
	}
	return nil
}

// removeListener drops every entry pointing at l.
func (c *returnPathCache) removeListener(l Listener) {
	for el := c.entries.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*returnPathEntry)
		if ent.listener == l {
			c.entries.Remove(el)
			delete(c.index, ent.sender)
		}
		el = next
	}
}
