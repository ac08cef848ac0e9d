package interval

import (
	"github.com/wippyai/graphwire/errors"
)

const none int32 = -1

// Interval is a contiguous address range scheduled for transmission and its
// position in the outgoing byte stream.
type Interval struct {
	Addr   uint64
	Length uint32
	Offset uint32
}

// End returns the first address past the interval.
func (iv Interval) End() uint64 { return iv.Addr + uint64(iv.Length) }

// Options configures an Index.
type Options struct {
	// NoBackRefs disables deduplication. Every Handle call appends to the
	// stream. Only valid for graphs without sharing or cycles.
	NoBackRefs bool
	// MaxLength caps how far an interval grows by merging. 0 means no cap.
	MaxLength uint32
}

type node struct {
	iv     Interval
	left   int32
	right  int32
	parent int32
	height int8
}

// Index maps object addresses to stream offsets. Intervals are kept in an
// AVL tree stored in an arena and linked by index. The most recently added
// interval and its in-order neighbours are cached so that sequential
// allocation patterns avoid a tree search.
type Index struct {
	nodes []node
	order []int32
	flat  []Interval
	opts  Options

	root int32
	prev int32
	curr int32
	next int32

	batchStart   int
	total        uint32
	objects      uint32
	batchBytes   uint32
	batchObjects uint32

	stats Stats
}

// Stats counts which lookup path served each Handle call.
type Stats struct {
	Fast    uint64
	Warm    uint64
	Slow    uint64
	Inserts uint64
}

// New creates an empty index.
func New(opts Options) *Index {
	x := &Index{opts: opts}
	x.Reset()
	return x
}

// Reset forgets every interval and zeroes all counters.
func (x *Index) Reset() {
	x.nodes = x.nodes[:0]
	x.order = x.order[:0]
	x.flat = x.flat[:0]
	x.root, x.prev, x.curr, x.next = none, none, none, none
	x.batchStart = 0
	x.total, x.objects = 0, 0
	x.batchBytes, x.batchObjects = 0, 0
	x.stats = Stats{}
}

// StartBatch begins a new batch. Intervals of earlier batches stay indexed
// for back-references but are never extended again.
func (x *Index) StartBatch() {
	if x.opts.NoBackRefs {
		x.batchStart = len(x.flat)
	} else {
		x.batchStart = len(x.order)
	}
	x.prev, x.curr, x.next = none, none, none
	x.batchBytes, x.batchObjects = 0, 0
}

// Handle records the object occupying [addr, addr+length). If the address
// lies inside an indexed interval it returns that address's stream offset
// and seen=true. Otherwise the range is appended to the stream and its new
// offset is returned with seen=false.
func (x *Index) Handle(addr uint64, length uint32) (uint32, bool, error) {
	if length == 0 {
		return 0, false, errors.InvalidInput(errors.PhaseLinearize, "zero length object")
	}
	if uint64(x.total)+uint64(length) > 1<<32-1 {
		return 0, false, errors.New(errors.PhaseLinearize, errors.KindOverflow).
			Detail("stream offset exceeds 32 bits").
			Build()
	}
	if x.opts.NoBackRefs {
		return x.appendFlat(addr, length), false, nil
	}

	if x.curr != none {
		c := &x.nodes[x.curr]

		if addr == c.iv.End() && x.fits(c.iv.Length, length) &&
			(x.next == none || x.nodes[x.next].iv.Addr >= addr+uint64(length)) {
			x.stats.Fast++
			off := x.total
			c.iv.Length += length
			x.added(length)
			return off, false, nil
		}

		for _, k := range [3]int32{x.curr, x.prev, x.next} {
			if k == none {
				continue
			}
			if off, hit, err := x.contains(k, addr, length); hit || err != nil {
				x.stats.Warm++
				return off, true, err
			}
		}

		if addr >= c.iv.End() && (x.next == none || addr+uint64(length) <= x.nodes[x.next].iv.Addr) {
			x.stats.Warm++
			return x.insertAfter(addr, length), false, nil
		}
		if addr+uint64(length) <= c.iv.Addr && (x.prev == none || x.nodes[x.prev].iv.End() <= addr) {
			x.stats.Warm++
			return x.insertBefore(addr, length), false, nil
		}
	}

	x.stats.Slow++
	return x.slow(addr, length)
}

func (x *Index) fits(have, add uint32) bool {
	return x.opts.MaxLength == 0 || have+add <= x.opts.MaxLength
}

func (x *Index) contains(k int32, addr uint64, length uint32) (uint32, bool, error) {
	iv := x.nodes[k].iv
	if addr < iv.Addr || addr >= iv.End() {
		return 0, false, nil
	}
	if addr+uint64(length) > iv.End() {
		return 0, true, x.overlap(addr, length, iv)
	}
	return iv.Offset + uint32(addr-iv.Addr), true, nil
}

func (x *Index) overlap(addr uint64, length uint32, iv Interval) error {
	return errors.Invariant(errors.PhaseLinearize,
		"range [%#x, +%d) partially overlaps interval [%#x, +%d)", addr, length, iv.Addr, iv.Length)
}

func (x *Index) added(length uint32) {
	x.total += length
	x.objects++
	x.batchBytes += length
	x.batchObjects++
}

func (x *Index) appendFlat(addr uint64, length uint32) uint32 {
	off := x.total
	if n := len(x.flat); n > x.batchStart {
		last := &x.flat[n-1]
		if last.End() == addr && x.fits(last.Length, length) {
			last.Length += length
			x.added(length)
			return off
		}
	}
	x.flat = append(x.flat, Interval{Addr: addr, Length: length, Offset: off})
	x.added(length)
	return off
}

func (x *Index) alloc(addr uint64, length uint32) int32 {
	x.nodes = append(x.nodes, node{
		iv:     Interval{Addr: addr, Length: length, Offset: x.total},
		left:   none,
		right:  none,
		parent: none,
		height: 1,
	})
	i := int32(len(x.nodes) - 1)
	x.order = append(x.order, i)
	x.stats.Inserts++
	x.added(length)
	return i
}

// insertAfter places a new interval as the in-order successor of curr.
func (x *Index) insertAfter(addr uint64, length uint32) uint32 {
	n := x.alloc(addr, length)
	if c := x.curr; x.nodes[c].right == none {
		x.attach(c, n, false)
	} else {
		// next is the leftmost node of curr's right subtree
		x.attach(x.next, n, true)
	}
	x.rebalance(x.nodes[n].parent)
	x.prev, x.curr = x.curr, n
	return x.nodes[n].iv.Offset
}

// insertBefore places a new interval as the in-order predecessor of curr.
func (x *Index) insertBefore(addr uint64, length uint32) uint32 {
	n := x.alloc(addr, length)
	if c := x.curr; x.nodes[c].left == none {
		x.attach(c, n, true)
	} else {
		// prev is the rightmost node of curr's left subtree
		x.attach(x.prev, n, false)
	}
	x.rebalance(x.nodes[n].parent)
	x.next, x.curr = x.curr, n
	return x.nodes[n].iv.Offset
}

func (x *Index) slow(addr uint64, length uint32) (uint32, bool, error) {
	parent, left := none, false
	for i := x.root; i != none; {
		iv := x.nodes[i].iv
		switch {
		case addr+uint64(length) <= iv.Addr:
			parent, left = i, true
			i = x.nodes[i].left
		case addr >= iv.End():
			parent, left = i, false
			i = x.nodes[i].right
		default:
			off, _, err := x.contains(i, addr, length)
			if err == nil && addr < iv.Addr {
				err = x.overlap(addr, length, iv)
			}
			return off, true, err
		}
	}

	n := x.alloc(addr, length)
	if parent == none {
		x.root = n
	} else {
		x.attach(parent, n, left)
		x.rebalance(parent)
	}
	x.curr = n
	x.prev = x.predecessor(n)
	x.next = x.successor(n)
	return x.nodes[n].iv.Offset, false, nil
}

func (x *Index) attach(parent, child int32, left bool) {
	if left {
		x.nodes[parent].left = child
	} else {
		x.nodes[parent].right = child
	}
	x.nodes[child].parent = parent
}

func (x *Index) height(i int32) int8 {
	if i == none {
		return 0
	}
	return x.nodes[i].height
}

func (x *Index) update(i int32) {
	l, r := x.height(x.nodes[i].left), x.height(x.nodes[i].right)
	if l > r {
		x.nodes[i].height = l + 1
	} else {
		x.nodes[i].height = r + 1
	}
}

func (x *Index) replaceChild(parent, old, repl int32) {
	switch {
	case parent == none:
		x.root = repl
	case x.nodes[parent].left == old:
		x.nodes[parent].left = repl
	default:
		x.nodes[parent].right = repl
	}
	if repl != none {
		x.nodes[repl].parent = parent
	}
}

func (x *Index) rotateLeft(a int32) int32 {
	b := x.nodes[a].right
	x.nodes[a].right = x.nodes[b].left
	if x.nodes[b].left != none {
		x.nodes[x.nodes[b].left].parent = a
	}
	x.replaceChild(x.nodes[a].parent, a, b)
	x.nodes[b].left = a
	x.nodes[a].parent = b
	x.update(a)
	x.update(b)
	return b
}

func (x *Index) rotateRight(a int32) int32 {
	b := x.nodes[a].left
	x.nodes[a].left = x.nodes[b].right
	if x.nodes[b].right != none {
		x.nodes[x.nodes[b].right].parent = a
	}
	x.replaceChild(x.nodes[a].parent, a, b)
	x.nodes[b].right = a
	x.nodes[a].parent = b
	x.update(a)
	x.update(b)
	return b
}

// rebalance restores the AVL property from i up to the root.
func (x *Index) rebalance(i int32) {
	for i != none {
		x.update(i)
		l, r := x.nodes[i].left, x.nodes[i].right
		switch bal := x.height(l) - x.height(r); {
		case bal > 1:
			if x.height(x.nodes[l].left) < x.height(x.nodes[l].right) {
				x.rotateLeft(l)
			}
			i = x.rotateRight(i)
		case bal < -1:
			if x.height(x.nodes[r].right) < x.height(x.nodes[r].left) {
				x.rotateRight(r)
			}
			i = x.rotateLeft(i)
		}
		i = x.nodes[i].parent
	}
}

func (x *Index) successor(i int32) int32 {
	if r := x.nodes[i].right; r != none {
		for x.nodes[r].left != none {
			r = x.nodes[r].left
		}
		return r
	}
	for p := x.nodes[i].parent; p != none; i, p = p, x.nodes[p].parent {
		if x.nodes[p].left == i {
			return p
		}
	}
	return none
}

func (x *Index) predecessor(i int32) int32 {
	if l := x.nodes[i].left; l != none {
		for x.nodes[l].right != none {
			l = x.nodes[l].right
		}
		return l
	}
	for p := x.nodes[i].parent; p != none; i, p = p, x.nodes[p].parent {
		if x.nodes[p].right == i {
			return p
		}
	}
	return none
}

// Batch appends the intervals created since the last StartBatch to dst in
// stream order.
func (x *Index) Batch(dst []Interval) []Interval {
	if x.opts.NoBackRefs {
		return append(dst, x.flat[x.batchStart:]...)
	}
	for _, i := range x.order[x.batchStart:] {
		dst = append(dst, x.nodes[i].iv)
	}
	return dst
}

// Walk calls fn for every interval in address order until fn returns false.
func (x *Index) Walk(fn func(Interval) bool) {
	if x.opts.NoBackRefs {
		for _, iv := range x.flat {
			if !fn(iv) {
				return
			}
		}
		return
	}
	if x.root == none {
		return
	}
	i := x.root
	for x.nodes[i].left != none {
		i = x.nodes[i].left
	}
	for ; i != none; i = x.successor(i) {
		if !fn(x.nodes[i].iv) {
			return
		}
	}
}

// TotalBytes returns the stream length, which is the next object's offset.
func (x *Index) TotalBytes() uint32 { return x.total }

// Objects returns the number of distinct objects recorded.
func (x *Index) Objects() uint32 { return x.objects }

// Segments returns the number of intervals.
func (x *Index) Segments() int {
	if x.opts.NoBackRefs {
		return len(x.flat)
	}
	return len(x.nodes)
}

// BatchBytes returns the bytes appended since the last StartBatch.
func (x *Index) BatchBytes() uint32 { return x.batchBytes }

// BatchObjects returns the objects appended since the last StartBatch.
func (x *Index) BatchObjects() uint32 { return x.batchObjects }

// Stats returns lookup path counters.
func (x *Index) Stats() Stats { return x.stats }

// Height returns the height of the tree.
func (x *Index) Height() int { return int(x.height(x.root)) }
