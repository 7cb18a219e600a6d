package orders

import "github.com/coachpo/bfxstream/internal/schema"

// closedSet keeps the most recent closed orders, oldest overwritten first.
type closedSet struct {
	buf  []schema.Order
	next int
	full bool
}

func newClosedSet(capacity int) *closedSet {
	return &closedSet{buf: make([]schema.Order, capacity)}
}

func (c *closedSet) add(o schema.Order) {
	if len(c.buf) == 0 {
		return
	}
	c.buf[c.next] = o
	c.next = (c.next + 1) % len(c.buf)
	if c.next == 0 {
		c.full = true
	}
}

func (c *closedSet) len() int {
	if c.full {
		return len(c.buf)
	}
	return c.next
}

// find returns the newest closed order matching key.
func (c *closedSet) find(key Key) (schema.Order, bool) {
	n := c.len()
	for i := 1; i <= n; i++ {
		o := c.buf[(c.next-i+len(c.buf))%len(c.buf)]
		if matches(o, key) {
			return o, true
		}
	}
	return schema.Order{}, false
}

func matches(o schema.Order, key Key) bool {
	switch key.Kind {
	case KindID:
		return o.ID == key.Value
	case KindCID:
		return o.CID == key.Value
	case KindGID:
		return o.GID == key.Value
	default:
		return false
	}
}
