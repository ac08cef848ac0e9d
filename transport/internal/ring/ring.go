// Package ring tracks a circular byte buffer shared by a writer on one side
// of a link and a reader on the other.
//
// Both sides apply the same placement rule: a record that does not fit
// before the end of the buffer starts at offset zero and the tail is
// skipped. The reader learns a record's length from its completion, so it
// finds every record without any framing in the buffer itself.
package ring

// Tracker is the writer's view. Space is reserved for each record and
// returned in bulk when the reader commits.
type Tracker struct {
	size uint32
	head uint32
	used uint32
}

// NewTracker tracks a buffer of size bytes.
func NewTracker(size uint32) *Tracker {
	return &Tracker{size: size}
}

// Size returns the buffer size.
func (t *Tracker) Size() uint32 { return t.size }

// Used returns the bytes reserved and not yet released, including skipped
// tails.
func (t *Tracker) Used() uint32 { return t.used }

// Fits reports whether a record of n bytes could ever be placed.
func (t *Tracker) Fits(n uint32) bool { return n > 0 && n <= t.size }

// Reserve places a record of n bytes and returns its offset. It returns
// false when the reader has not released enough space yet.
func (t *Tracker) Reserve(n uint32) (uint32, bool) {
	if !t.Fits(n) {
		return 0, false
	}
	pos, need := place(t.head, n, t.size)
	if t.used+need > t.size {
		return 0, false
	}
	t.head = (pos + n) % t.size
	t.used += need
	return pos, true
}

// Release returns n bytes committed by the reader.
func (t *Tracker) Release(n uint32) bool {
	if n > t.used {
		return false
	}
	t.used -= n
	return true
}

// Reader is the receiving side's view.
type Reader struct {
	size      uint32
	head      uint32
	consumed  uint32
	committed uint32
}

// NewReader reads a buffer of size bytes.
func NewReader(size uint32) *Reader {
	return &Reader{size: size}
}

// Next returns the offset of the next record of n bytes and marks it
// consumed.
func (r *Reader) Next(n uint32) (uint32, bool) {
	if n == 0 || n > r.size {
		return 0, false
	}
	pos, need := place(r.head, n, r.size)
	r.head = (pos + n) % r.size
	r.consumed += need
	return pos, true
}

// Uncommitted returns the bytes consumed since the last Commit.
func (r *Reader) Uncommitted() uint32 { return r.consumed - r.committed }

// Commit marks everything consumed so far as committed and returns the
// amount to report to the writer.
func (r *Reader) Commit() uint32 {
	n := r.consumed - r.committed
	r.committed = r.consumed
	return n
}

// place returns where a record of n bytes goes when the free space starts
// at head, and how many bytes it takes including a skipped tail.
func place(head, n, size uint32) (uint32, uint32) {
	if head+n > size {
		return 0, size - head + n
	}
	return head, n
}
