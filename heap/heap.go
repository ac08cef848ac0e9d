package heap

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
)

const (
	// HeaderSize is the size of every object header.
	HeaderSize = 16
	// DefaultBase is the address of the first byte of a heap.
	DefaultBase = 0x10000

	lengthOffset = 8
	align        = 8
)

// Options configures a heap.
type Options struct {
	// Space backs the heap. nil creates a byte space of Size bytes.
	Space Space
	// Base is the address of offset 0. 0 means DefaultBase.
	Base uint64
	// Size is the initial byte space size. 0 means 1MB.
	Size uint32
	// Limit caps byte space growth. 0 means 256MB.
	Limit uint32
}

// Heap is a bump-allocated object heap over a Space.
type Heap struct {
	space   Space
	types   *Types
	buffers map[uint64]*bufferState
	ranges  map[[2]uint64]int
	base    uint64
	top     uint32
	nextBuf uint64
	mu      sync.Mutex
}

type bufferState struct {
	buf  graphwire.Buffer
	pins int
}

var (
	_ graphwire.Model   = (*Heap)(nil)
	_ graphwire.Source  = (*Heap)(nil)
	_ graphwire.Buffers = (*Heap)(nil)
	_ graphwire.Pinner  = (*Heap)(nil)
)

// New creates a heap of objects described by types.
func New(types *Types, opts Options) *Heap {
	space := opts.Space
	if space == nil {
		size := opts.Size
		if size == 0 {
			size = 1 << 20
		}
		limit := opts.Limit
		if limit == 0 {
			limit = 256 << 20
		}
		space = NewByteSpace(size, limit)
	}
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	return &Heap{
		space:   space,
		types:   types,
		base:    base,
		top:     align, // keep the first word unused so no object sits at base
		buffers: make(map[uint64]*bufferState),
		ranges:  make(map[[2]uint64]int),
	}
}

// Types returns the heap's type registry.
func (h *Heap) Types() *Types { return h.types }

// Base returns the address of offset 0.
func (h *Heap) Base() uint64 { return h.base }

// Used returns the number of allocated bytes.
func (h *Heap) Used() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.top
}

// Close releases the backing space.
func (h *Heap) Close(ctx context.Context) error {
	return h.space.Close(ctx)
}

func alignUp(n uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

func (h *Heap) offset(addr uint64, length uint32) (uint32, error) {
	if addr < h.base || addr-h.base+uint64(length) > uint64(h.top) {
		return 0, errors.OutOfBounds(errors.PhaseHeap, addr, uint64(length), h.base+uint64(h.top))
	}
	return uint32(addr - h.base), nil
}

func (h *Heap) allocLocked(size uint32) (uint64, error) {
	size = alignUp(size)
	need := uint64(h.top) + uint64(size)
	if need > uint64(h.space.Size()) {
		if _, ok := h.space.Grow(uint32(need - uint64(h.space.Size()))); !ok {
			return 0, errors.AllocationFailed(errors.PhaseHeap, uint64(size))
		}
	}
	off := h.top
	h.top += size
	zero := make([]byte, size)
	if err := h.space.Write(off, zero); err != nil {
		return 0, errors.Wrap(errors.PhaseHeap, errors.KindAllocation, err, "clear allocation")
	}
	return h.base + uint64(off), nil
}

// Alloc allocates a zeroed instance of the given object type.
func (h *Heap) Alloc(id graphwire.TypeID) (graphwire.Ref, error) {
	t, ok := h.types.Get(id)
	if !ok {
		return graphwire.Nil, errors.NotFound(errors.PhaseHeap, "type id")
	}
	if t.IsArray() {
		return graphwire.Nil, errors.InvalidInput(errors.PhaseHeap, "use AllocArray for array types")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, err := h.allocLocked(HeaderSize + t.Size)
	if err != nil {
		return graphwire.Nil, err
	}
	if err := h.space.WriteU64(uint32(addr-h.base), uint64(id)); err != nil {
		return graphwire.Nil, errors.Wrap(errors.PhaseHeap, errors.KindOutOfBounds, err, "write header")
	}
	return graphwire.Ref(addr), nil
}

// AllocArray allocates a zeroed array of n elements.
func (h *Heap) AllocArray(id graphwire.TypeID, n uint32) (graphwire.Ref, error) {
	t, ok := h.types.Get(id)
	if !ok {
		return graphwire.Nil, errors.NotFound(errors.PhaseHeap, "type id")
	}
	if !t.IsArray() {
		return graphwire.Nil, errors.InvalidInput(errors.PhaseHeap, "use Alloc for object types")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, err := h.allocLocked(HeaderSize + n*t.Elem)
	if err != nil {
		return graphwire.Nil, err
	}
	off := uint32(addr - h.base)
	if err := h.space.WriteU64(off, uint64(id)); err != nil {
		return graphwire.Nil, errors.Wrap(errors.PhaseHeap, errors.KindOutOfBounds, err, "write header")
	}
	if err := h.space.WriteU32(off+lengthOffset, n); err != nil {
		return graphwire.Nil, errors.Wrap(errors.PhaseHeap, errors.KindOutOfBounds, err, "write length")
	}
	return graphwire.Ref(addr), nil
}

// typeLocked resolves the local type of the object at r.
func (h *Heap) typeLocked(r graphwire.Ref) (*Type, uint32, error) {
	if r == graphwire.Nil {
		return nil, 0, errors.InvalidInput(errors.PhaseHeap, "nil reference")
	}
	off, err := h.offset(uint64(r), HeaderSize)
	if err != nil {
		return nil, 0, err
	}
	word, err := h.space.ReadU64(off)
	if err != nil {
		return nil, 0, errors.Wrap(errors.PhaseHeap, errors.KindOutOfBounds, err, "read type word")
	}
	t, ok := h.types.Get(graphwire.TypeID(word))
	if !ok {
		return nil, 0, errors.New(errors.PhaseHeap, errors.KindInvalidData).
			Value(word).
			Detail("unknown type word %d at %#x", word, uint64(r)).
			Build()
	}
	return t, off, nil
}

func (h *Heap) sizeLocked(t *Type, off uint32) (uint32, error) {
	if !t.IsArray() {
		return alignUp(HeaderSize + t.Size), nil
	}
	n, err := h.space.ReadU32(off + lengthOffset)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseHeap, errors.KindOutOfBounds, err, "read length")
	}
	return alignUp(HeaderSize + n*t.Elem), nil
}

// Address returns the address of r.
func (h *Heap) Address(r graphwire.Ref) uint64 { return uint64(r) }

// ByteLength returns the size of the object at r including header and padding.
func (h *Heap) ByteLength(r graphwire.Ref) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, off, err := h.typeLocked(r)
	if err != nil {
		return 0, err
	}
	return h.sizeLocked(t, off)
}

// TypeOf returns the local type id of r.
func (h *Heap) TypeOf(r graphwire.Ref) (graphwire.TypeID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, _, err := h.typeLocked(r)
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

// KindOf returns the reference layout kind of r.
func (h *Heap) KindOf(r graphwire.Ref) (graphwire.Kind, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, _, err := h.typeLocked(r)
	if err != nil {
		return graphwire.KindLeaf, err
	}
	return t.Kind(), nil
}

// Fields appends the pointer slots of r to dst in declaration order.
// Array elements are reported in index order.
func (h *Heap) Fields(r graphwire.Ref, dst []graphwire.Field) ([]graphwire.Field, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, off, err := h.typeLocked(r)
	if err != nil {
		return dst, err
	}
	switch t.Kind() {
	case graphwire.KindObject:
		for _, p := range t.Pointers {
			slot := HeaderSize + p
			v, err := h.space.ReadU64(off + slot)
			if err != nil {
				return dst, errors.Wrap(errors.PhaseHeap, errors.KindOutOfBounds, err, "read field")
			}
			dst = append(dst, graphwire.Field{Slot: slot, Target: graphwire.Ref(v)})
		}
	case graphwire.KindArray:
		n, err := h.space.ReadU32(off + lengthOffset)
		if err != nil {
			return dst, errors.Wrap(errors.PhaseHeap, errors.KindOutOfBounds, err, "read length")
		}
		for i := uint32(0); i < n; i++ {
			slot := HeaderSize + i*8
			v, err := h.space.ReadU64(off + slot)
			if err != nil {
				return dst, errors.Wrap(errors.PhaseHeap, errors.KindOutOfBounds, err, "read element")
			}
			dst = append(dst, graphwire.Field{Slot: slot, Target: graphwire.Ref(v)})
		}
	}
	return dst, nil
}

// ReadRange returns a view of length bytes at addr.
func (h *Heap) ReadRange(addr uint64, length uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	off, err := h.offset(addr, length)
	if err != nil {
		return nil, err
	}
	return h.space.Read(off, length)
}

// WriteRange copies data to addr.
func (h *Heap) WriteRange(addr uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	off, err := h.offset(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	return h.space.Write(off, data)
}

// RawType reads the type word at r without interpreting it. On the receiving
// side the word still holds the sender's type id until Bind rewrites it.
func (h *Heap) RawType(r graphwire.Ref) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	off, err := h.offset(uint64(r), HeaderSize)
	if err != nil {
		return 0, err
	}
	return h.space.ReadU64(off)
}

// Bind rewrites the type word at r to a local type id.
func (h *Heap) Bind(r graphwire.Ref, id graphwire.TypeID) error {
	if _, ok := h.types.Get(id); !ok {
		return errors.NotFound(errors.PhaseHeap, "type id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	off, err := h.offset(uint64(r), HeaderSize)
	if err != nil {
		return err
	}
	return h.space.WriteU64(off, uint64(id))
}

// SetField stores target in the pointer slot at byte offset slot of r.
func (h *Heap) SetField(r graphwire.Ref, slot uint32, target graphwire.Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	off, err := h.offset(uint64(r)+uint64(slot), 8)
	if err != nil {
		return err
	}
	return h.space.WriteU64(off, uint64(target))
}

// Allocate reserves a zeroed receive buffer.
func (h *Heap) Allocate(size uint32) (graphwire.Buffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, err := h.allocLocked(size)
	if err != nil {
		return graphwire.Buffer{}, err
	}
	h.nextBuf++
	b := graphwire.Buffer{ID: h.nextBuf, Addr: addr, Length: alignUp(size)}
	h.buffers[b.ID] = &bufferState{buf: b}
	return b, nil
}

// Pin pins a buffer returned by Allocate.
func (h *Heap) Pin(b graphwire.Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.buffers[b.ID]
	if !ok {
		return errors.NotFound(errors.PhaseHeap, "buffer")
	}
	st.pins++
	return nil
}

// Unpin releases one pin of a buffer.
func (h *Heap) Unpin(b graphwire.Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.buffers[b.ID]
	if !ok {
		return errors.NotFound(errors.PhaseHeap, "buffer")
	}
	if st.pins == 0 {
		return errors.Invariant(errors.PhaseHeap, "unpin of unpinned buffer %d", b.ID)
	}
	st.pins--
	return nil
}

// PinRange pins an arbitrary object range.
func (h *Heap) PinRange(addr uint64, length uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.offset(addr, length); err != nil {
		return err
	}
	h.ranges[[2]uint64{addr, uint64(length)}]++
	return nil
}

// UnpinRange releases a pin taken by PinRange.
func (h *Heap) UnpinRange(addr uint64, length uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := [2]uint64{addr, uint64(length)}
	n, ok := h.ranges[key]
	if !ok {
		return errors.Invariant(errors.PhaseHeap, "unpin of unpinned range %#x+%d", addr, length)
	}
	if n == 1 {
		delete(h.ranges, key)
	} else {
		h.ranges[key] = n - 1
	}
	return nil
}

// Pinned returns the number of outstanding buffer and range pins.
func (h *Heap) Pinned() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, st := range h.buffers {
		n += st.pins
	}
	for _, c := range h.ranges {
		n += c
	}
	return n
}

// SetRef stores target in pointer field i of obj.
func (h *Heap) SetRef(obj graphwire.Ref, i int, target graphwire.Ref) error {
	h.mu.Lock()
	t, _, err := h.typeLocked(obj)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if t.IsArray() || i < 0 || i >= len(t.Pointers) {
		return errors.New(errors.PhaseHeap, errors.KindOutOfBounds).
			Path(t.Name).
			Detail("field %d of %d", i, len(t.Pointers)).
			Build()
	}
	return h.SetField(obj, HeaderSize+t.Pointers[i], target)
}

// Ref returns pointer field i of obj.
func (h *Heap) Ref(obj graphwire.Ref, i int) (graphwire.Ref, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, off, err := h.typeLocked(obj)
	if err != nil {
		return graphwire.Nil, err
	}
	if t.IsArray() || i < 0 || i >= len(t.Pointers) {
		return graphwire.Nil, errors.New(errors.PhaseHeap, errors.KindOutOfBounds).
			Path(t.Name).
			Detail("field %d of %d", i, len(t.Pointers)).
			Build()
	}
	v, err := h.space.ReadU64(off + HeaderSize + t.Pointers[i])
	return graphwire.Ref(v), err
}

// Len returns the element count of an array.
func (h *Heap) Len(arr graphwire.Ref) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, off, err := h.typeLocked(arr)
	if err != nil {
		return 0, err
	}
	if !t.IsArray() {
		return 0, errors.InvalidInput(errors.PhaseHeap, "not an array")
	}
	return h.space.ReadU32(off + lengthOffset)
}

func (h *Heap) elemSlot(arr graphwire.Ref, i uint32) (uint32, error) {
	t, off, err := h.typeLocked(arr)
	if err != nil {
		return 0, err
	}
	if !t.ElemRefs {
		return 0, errors.InvalidInput(errors.PhaseHeap, "not a reference array")
	}
	n, err := h.space.ReadU32(off + lengthOffset)
	if err != nil {
		return 0, err
	}
	if i >= n {
		return 0, errors.New(errors.PhaseHeap, errors.KindOutOfBounds).
			Detail("index %d out of bounds (length %d)", i, n).
			Build()
	}
	return off + HeaderSize + i*8, nil
}

// SetElem stores target at index i of a reference array.
func (h *Heap) SetElem(arr graphwire.Ref, i uint32, target graphwire.Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, err := h.elemSlot(arr, i)
	if err != nil {
		return err
	}
	return h.space.WriteU64(slot, uint64(target))
}

// Elem returns index i of a reference array.
func (h *Heap) Elem(arr graphwire.Ref, i uint32) (graphwire.Ref, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, err := h.elemSlot(arr, i)
	if err != nil {
		return graphwire.Nil, err
	}
	v, err := h.space.ReadU64(slot)
	return graphwire.Ref(v), err
}

// PutU64 stores a scalar at payload offset off of obj.
func (h *Heap) PutU64(obj graphwire.Ref, off uint32, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return h.PutBytes(obj, off, b[:])
}

// U64 reads a scalar at payload offset off of obj.
func (h *Heap) U64(obj graphwire.Ref, off uint32) (uint64, error) {
	b, err := h.Payload(obj)
	if err != nil {
		return 0, err
	}
	if uint64(off)+8 > uint64(len(b)) {
		return 0, errors.OutOfBounds(errors.PhaseHeap, uint64(obj)+HeaderSize+uint64(off), 8, uint64(obj)+uint64(len(b)))
	}
	return binary.LittleEndian.Uint64(b[off:]), nil
}

// PutBytes copies data into the payload of obj at off.
func (h *Heap) PutBytes(obj graphwire.Ref, off uint32, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, base, err := h.typeLocked(obj)
	if err != nil {
		return err
	}
	size, err := h.sizeLocked(t, base)
	if err != nil {
		return err
	}
	if uint64(HeaderSize)+uint64(off)+uint64(len(data)) > uint64(size) {
		return errors.OutOfBounds(errors.PhaseHeap, uint64(obj)+HeaderSize+uint64(off), uint64(len(data)), uint64(obj)+uint64(size))
	}
	return h.space.Write(base+HeaderSize+off, data)
}

// Payload returns a copy of the bytes following the header of obj.
func (h *Heap) Payload(obj graphwire.Ref) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, off, err := h.typeLocked(obj)
	if err != nil {
		return nil, err
	}
	size, err := h.sizeLocked(t, off)
	if err != nil {
		return nil, err
	}
	view, err := h.space.Read(off+HeaderSize, size-HeaderSize)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), view...), nil
}

// TypeName returns the type name of obj.
func (h *Heap) TypeName(obj graphwire.Ref) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, _, err := h.typeLocked(obj)
	if err != nil {
		return "", err
	}
	return t.Name, nil
}
