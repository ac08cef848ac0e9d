package heap

import (
	"math/rand"

	"github.com/wippyai/graphwire"
)

// Schema holds the types used by the graph generators.
type Schema struct {
	Node *Type // two references and a value
	Leaf *Type // a value only
	Refs *Type // reference array
	Blob *Type // byte array
}

// Node field indexes and payload offsets.
const (
	Left  = 0
	Right = 1

	ValueOffset = 16
)

// DefineSchema registers the generator types in ts.
func DefineSchema(ts *Types) (*Schema, error) {
	var s Schema
	var err error
	if s.Node, err = ts.Object("graphwire.Node", 24, 0, 8); err != nil {
		return nil, err
	}
	if s.Leaf, err = ts.Object("graphwire.Leaf", 8); err != nil {
		return nil, err
	}
	if s.Refs, err = ts.RefArray("graphwire.Refs"); err != nil {
		return nil, err
	}
	if s.Blob, err = ts.ByteArray("graphwire.Blob"); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) node(h *Heap, value uint64) (graphwire.Ref, error) {
	r, err := h.Alloc(s.Node.ID)
	if err != nil {
		return graphwire.Nil, err
	}
	return r, h.PutU64(r, ValueOffset, value)
}

func (s *Schema) leaf(h *Heap, value uint64) (graphwire.Ref, error) {
	r, err := h.Alloc(s.Leaf.ID)
	if err != nil {
		return graphwire.Nil, err
	}
	return r, h.PutU64(r, 0, value)
}

// Chain builds n nodes linked through Left. It returns the head.
func (s *Schema) Chain(h *Heap, n int) (graphwire.Ref, error) {
	var next graphwire.Ref
	for i := n - 1; i >= 0; i-- {
		r, err := s.node(h, uint64(i))
		if err != nil {
			return graphwire.Nil, err
		}
		if err := h.SetRef(r, Left, next); err != nil {
			return graphwire.Nil, err
		}
		next = r
	}
	return next, nil
}

// Tree builds a complete binary tree of the given depth.
func (s *Schema) Tree(h *Heap, depth int) (graphwire.Ref, error) {
	var counter uint64
	var build func(d int) (graphwire.Ref, error)
	build = func(d int) (graphwire.Ref, error) {
		counter++
		r, err := s.node(h, counter)
		if err != nil || d <= 1 {
			return r, err
		}
		for _, side := range []int{Left, Right} {
			c, err := build(d - 1)
			if err != nil {
				return graphwire.Nil, err
			}
			if err := h.SetRef(r, side, c); err != nil {
				return graphwire.Nil, err
			}
		}
		return r, nil
	}
	return build(depth)
}

// Cycle builds A{left: B, right: A} and B{left: A}. It returns A.
func (s *Schema) Cycle(h *Heap) (graphwire.Ref, error) {
	a, err := s.node(h, 'A')
	if err != nil {
		return graphwire.Nil, err
	}
	b, err := s.node(h, 'B')
	if err != nil {
		return graphwire.Nil, err
	}
	if err := h.SetRef(a, Left, b); err != nil {
		return graphwire.Nil, err
	}
	if err := h.SetRef(a, Right, a); err != nil {
		return graphwire.Nil, err
	}
	return a, h.SetRef(b, Left, a)
}

// Shared builds an array of n references to one leaf.
func (s *Schema) Shared(h *Heap, n uint32) (graphwire.Ref, error) {
	leaf, err := s.leaf(h, 0x5eed)
	if err != nil {
		return graphwire.Nil, err
	}
	arr, err := h.AllocArray(s.Refs.ID, n)
	if err != nil {
		return graphwire.Nil, err
	}
	for i := uint32(0); i < n; i++ {
		if err := h.SetElem(arr, i, leaf); err != nil {
			return graphwire.Nil, err
		}
	}
	return arr, nil
}

// Random builds n nodes with randomly chosen edges, including cycles,
// shared children, nil slots and byte blobs. The result is deterministic for
// a given seed.
func (s *Schema) Random(h *Heap, n int, seed int64) (graphwire.Ref, error) {
	rng := rand.New(rand.NewSource(seed))
	nodes := make([]graphwire.Ref, n)
	for i := range nodes {
		r, err := s.node(h, rng.Uint64())
		if err != nil {
			return graphwire.Nil, err
		}
		nodes[i] = r
	}
	for i, r := range nodes {
		for _, side := range []int{Left, Right} {
			var target graphwire.Ref
			switch k := rng.Intn(10); {
			case k < 2:
				// nil
			case k < 3:
				blob, err := h.AllocArray(s.Blob.ID, uint32(rng.Intn(300)))
				if err != nil {
					return graphwire.Nil, err
				}
				if sz, _ := h.Len(blob); sz > 0 {
					data := make([]byte, sz)
					rng.Read(data)
					if err := h.PutBytes(blob, 0, data); err != nil {
						return graphwire.Nil, err
					}
				}
				target = blob
			case k < 7 && i+1 < n:
				target = nodes[i+1+rng.Intn(n-i-1)]
			default:
				target = nodes[rng.Intn(n)]
			}
			if err := h.SetRef(r, side, target); err != nil {
				return graphwire.Nil, err
			}
		}
	}
	return nodes[0], nil
}
