package graphwire

// Ref is an opaque handle to a host object. Nil is the null reference.
// A Ref may be a raw address, a file offset or a row id; only the Model
// that produced it interprets it.
type Ref uint64

// Nil is the null reference.
const Nil Ref = 0

// TypeID identifies a type inside one process. TypeIDs are not portable
// across processes; the typebridge package translates them.
type TypeID uint64

// Kind describes how an object exposes its outgoing references.
type Kind uint8

const (
	// KindLeaf objects carry no pointer fields.
	KindLeaf Kind = iota
	// KindObject objects expose named pointer fields in declaration order.
	KindObject
	// KindArray objects expose one pointer slot per element.
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return "unknown"
}

// Field is one pointer-shaped slot of an object: the byte offset of the
// slot inside the object and the reference currently stored there.
type Field struct {
	Slot   uint32
	Target Ref
}

// Model is the host object model seen by the traversal. Fields must be
// deterministic for a given object: the receiver replays the same order.
type Model interface {
	Address(r Ref) uint64
	ByteLength(r Ref) (uint32, error)
	TypeOf(r Ref) (TypeID, error)
	KindOf(r Ref) (Kind, error)
	Fields(r Ref, dst []Field) ([]Field, error)
}

// Source exposes raw object bytes by address. The returned slice may alias
// host memory and must not be retained past the next mutation of the range.
type Source interface {
	ReadRange(addr uint64, length uint32) ([]byte, error)
}

// Memory represents a linear address space
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of a linear address space in bytes.
type MemorySizer interface {
	Size() uint32
}

// Buffer is a host allocation usable as a transfer target.
type Buffer struct {
	ID     uint64
	Addr   uint64
	Length uint32
}

// Buffers allocates and pins receive regions.
// A pinned buffer must not move until it is unpinned.
type Buffers interface {
	Allocate(size uint32) (Buffer, error)
	Pin(b Buffer) error
	Unpin(b Buffer) error
}

// Pinner pins arbitrary source ranges for the duration of a non-blocking send.
type Pinner interface {
	PinRange(addr uint64, length uint32) error
	UnpinRange(addr uint64, length uint32) error
}

// Policy selects the traversal frontier. Both ends of a transfer must use
// the same policy.
type Policy uint8

const (
	// DFS walks depth first with a LIFO frontier.
	DFS Policy = iota
	// BFS walks breadth first with a FIFO frontier.
	BFS
)

func (p Policy) String() string {
	if p == BFS {
		return "bfs"
	}
	return "dfs"
}
