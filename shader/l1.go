package shader

import (
	"container/list"
	"sync"
)

// l1 is the fixed-capacity in-process LRU tier. Hits return immediately;
// a Put that would exceed maxBytes evicts from the back (least recently
// used) until there is room.
type l1 struct {
	mu       sync.Mutex
	maxBytes int
	curBytes int
	ll       *list.List // front = most recently used
	index    map[Key]*list.Element
}

type l1Entry struct {
	key   Key
	bytes []byte
}

func newL1(maxBytes int) *l1 {
	return &l1{
		maxBytes: maxBytes,
		ll:       list.New(),
		index:    make(map[Key]*list.Element),
	}
}

func (c *l1) Get(k Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[k]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*l1Entry).bytes, true
}

func (c *l1) Put(k Key, bytes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[k]; ok {
		c.curBytes -= len(el.Value.(*l1Entry).bytes)
		el.Value.(*l1Entry).bytes = bytes
		c.curBytes += len(bytes)
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&l1Entry{key: k, bytes: bytes})
		c.index[k] = el
		c.curBytes += len(bytes)
	}
	for c.curBytes > c.maxBytes && c.ll.Len() > 0 {
		back := c.ll.Back()
		ent := back.Value.(*l1Entry)
		c.curBytes -= len(ent.bytes)
		delete(c.index, ent.key)
		c.ll.Remove(back)
	}
}

func (c *l1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
