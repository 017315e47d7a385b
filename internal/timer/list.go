// Package timer keeps idle-connection timers in a doubly linked list sorted by
// expiry. Nodes live in an arena and are addressed by generation-checked
// handles, so a stale handle can never unlink a recycled slot.
//
// A List is not safe for concurrent use; the reactor goroutine owns it.
package timer

import "time"

const nilIndex = -1

// Handle identifies a live timer. The zero Handle is never valid.
type Handle struct {
	idx int32
	gen uint32
}

// Valid reports whether h was ever issued by a List.
func (h Handle) Valid() bool {
	return h.gen != 0
}

type node struct {
	expire time.Time
	cb     func()
	prev   int32
	next   int32
	gen    uint32
	live   bool
}

// List is an ascending-expiry timer list.
type List struct {
	nodes []node
	free  []int32
	head  int32
	tail  int32
	len   int
}

// New returns an empty list.
func New() *List {
	return &List{head: nilIndex, tail: nilIndex}
}

// Len returns the number of live timers.
func (l *List) Len() int {
	return l.len
}

// Add inserts a timer that runs cb once expire has passed.
func (l *List) Add(expire time.Time, cb func()) Handle {
	idx := l.alloc()
	n := &l.nodes[idx]
	n.expire = expire
	n.cb = cb
	n.live = true

	if l.head == nilIndex {
		n.prev, n.next = nilIndex, nilIndex
		l.head, l.tail = idx, idx
	} else if expire.Before(l.nodes[l.head].expire) {
		n.prev = nilIndex
		n.next = l.head
		l.nodes[l.head].prev = idx
		l.head = idx
	} else {
		l.insertAfter(idx, l.head)
	}

	l.len++
	return Handle{idx: idx, gen: n.gen}
}

// Adjust pushes a timer's expiry out to expire. Expiries only move later; an
// earlier value leaves the timer untouched. It returns false for a stale handle.
func (l *List) Adjust(h Handle, expire time.Time) bool {
	n, ok := l.lookup(h)
	if !ok {
		return false
	}
	if !expire.After(n.expire) {
		return true
	}
	n.expire = expire

	next := n.next
	if next == nilIndex || expire.Before(l.nodes[next].expire) {
		return true
	}

	// The timer only moves later, so the rescan starts at its old successor.
	l.unlink(h.idx)
	l.insertAfter(h.idx, next)
	return true
}

// Del removes a timer without running its callback. Stale handles are ignored.
func (l *List) Del(h Handle) bool {
	if _, ok := l.lookup(h); !ok {
		return false
	}
	l.unlink(h.idx)
	l.release(h.idx)
	return true
}

// Expiry returns the current expiry of a live timer.
func (l *List) Expiry(h Handle) (time.Time, bool) {
	n, ok := l.lookup(h)
	if !ok {
		return time.Time{}, false
	}
	return n.expire, true
}

// Tick runs and removes every timer whose expiry is at or before now, in
// expiry order, and stops at the first timer still pending. It returns the
// number of timers fired.
func (l *List) Tick(now time.Time) int {
	fired := 0
	for l.head != nilIndex {
		idx := l.head
		if l.nodes[idx].expire.After(now) {
			break
		}
		cb := l.nodes[idx].cb
		l.unlink(idx)
		l.release(idx)
		fired++
		if cb != nil {
			cb()
		}
	}
	return fired
}

// Expiries lists expiries from head to tail.
func (l *List) Expiries() []time.Time {
	out := make([]time.Time, 0, l.len)
	for i := l.head; i != nilIndex; i = l.nodes[i].next {
		out = append(out, l.nodes[i].expire)
	}
	return out
}

// insertAfter links idx somewhere after start, which must be linked and not
// later than idx.
func (l *List) insertAfter(idx, start int32) {
	n := &l.nodes[idx]
	prev := start
	cur := l.nodes[start].next
	for cur != nilIndex {
		if n.expire.Before(l.nodes[cur].expire) {
			l.nodes[prev].next = idx
			n.prev = prev
			n.next = cur
			l.nodes[cur].prev = idx
			return
		}
		prev = cur
		cur = l.nodes[cur].next
	}

	l.nodes[prev].next = idx
	n.prev = prev
	n.next = nilIndex
	l.tail = idx
}

func (l *List) unlink(idx int32) {
	n := &l.nodes[idx]
	if n.prev != nilIndex {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nilIndex {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nilIndex, nilIndex
}

func (l *List) lookup(h Handle) (*node, bool) {
	if !h.Valid() || h.idx < 0 || int(h.idx) >= len(l.nodes) {
		return nil, false
	}
	n := &l.nodes[h.idx]
	if !n.live || n.gen != h.gen {
		return nil, false
	}
	return n, true
}

func (l *List) alloc() int32 {
	var idx int32
	if k := len(l.free); k > 0 {
		idx = l.free[k-1]
		l.free = l.free[:k-1]
	} else {
		l.nodes = append(l.nodes, node{})
		idx = int32(len(l.nodes) - 1)
	}
	l.nodes[idx].gen++
	if l.nodes[idx].gen == 0 {
		l.nodes[idx].gen = 1
	}
	return idx
}

func (l *List) release(idx int32) {
	n := &l.nodes[idx]
	n.live = false
	n.cb = nil
	l.free = append(l.free, idx)
	l.len--
}
