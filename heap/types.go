package heap

import (
	"sort"
	"sync"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
)

// Type describes the layout of one object type.
type Type struct {
	Name string
	// Pointers are payload offsets of reference slots, in field order.
	Pointers []uint32
	ID       graphwire.TypeID
	// Size is the payload size of an instance. Unused for arrays.
	Size uint32
	// Elem is the element size; non-zero marks an array type.
	Elem     uint32
	ElemRefs bool
}

// IsArray reports whether t is an array type.
func (t *Type) IsArray() bool { return t.Elem != 0 }

// Kind returns how instances of t expose references.
func (t *Type) Kind() graphwire.Kind {
	switch {
	case t.IsArray() && t.ElemRefs:
		return graphwire.KindArray
	case !t.IsArray() && len(t.Pointers) > 0:
		return graphwire.KindObject
	}
	return graphwire.KindLeaf
}

// Types is a registry of object types. TypeIDs are assigned in definition
// order starting at the registry's first id, so two registries with the same
// definitions but different first ids disagree on every id.
type Types struct {
	byID   map[graphwire.TypeID]*Type
	byName map[string]*Type
	next   graphwire.TypeID
	mu     sync.RWMutex
}

// NewTypes creates a registry whose first type receives id first.
func NewTypes(first graphwire.TypeID) *Types {
	if first == 0 {
		first = 1
	}
	return &Types{
		byID:   make(map[graphwire.TypeID]*Type),
		byName: make(map[string]*Type),
		next:   first,
	}
}

// Define registers t and assigns its id.
func (ts *Types) Define(t Type) (*Type, error) {
	if t.Name == "" {
		return nil, errors.InvalidInput(errors.PhaseHeap, "type name is empty")
	}
	if t.IsArray() {
		if t.ElemRefs && t.Elem != 8 {
			return nil, errors.InvalidInput(errors.PhaseHeap, "reference arrays must have 8 byte elements")
		}
		if len(t.Pointers) > 0 {
			return nil, errors.InvalidInput(errors.PhaseHeap, "array types cannot declare pointer fields")
		}
	}
	for _, p := range t.Pointers {
		if p%8 != 0 || p+8 > t.Size {
			return nil, errors.New(errors.PhaseHeap, errors.KindInvalidInput).
				Path(t.Name).
				Detail("pointer slot at %d is misaligned or outside payload of %d bytes", p, t.Size).
				Build()
		}
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, dup := ts.byName[t.Name]; dup {
		return nil, errors.New(errors.PhaseHeap, errors.KindInvalidInput).
			Path(t.Name).
			Detail("type already defined").
			Build()
	}
	nt := t
	nt.Pointers = append([]uint32(nil), t.Pointers...)
	nt.ID = ts.next
	ts.next++
	ts.byID[nt.ID] = &nt
	ts.byName[nt.Name] = &nt
	return &nt, nil
}

// Object defines a plain object type.
func (ts *Types) Object(name string, size uint32, pointers ...uint32) (*Type, error) {
	return ts.Define(Type{Name: name, Size: size, Pointers: pointers})
}

// RefArray defines an array of references.
func (ts *Types) RefArray(name string) (*Type, error) {
	return ts.Define(Type{Name: name, Elem: 8, ElemRefs: true})
}

// ByteArray defines an array of bytes.
func (ts *Types) ByteArray(name string) (*Type, error) {
	return ts.Define(Type{Name: name, Elem: 1})
}

// Get returns the type with the given id.
func (ts *Types) Get(id graphwire.TypeID) (*Type, bool) {
	ts.mu.RLock()
	t, ok := ts.byID[id]
	ts.mu.RUnlock()
	return t, ok
}

// Lookup returns the id of the named type.
func (ts *Types) Lookup(name string) (graphwire.TypeID, bool) {
	ts.mu.RLock()
	t, ok := ts.byName[name]
	ts.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return t.ID, true
}

// Name returns the name of the type with the given id.
func (ts *Types) Name(id graphwire.TypeID) (string, bool) {
	t, ok := ts.Get(id)
	if !ok {
		return "", false
	}
	return t.Name, true
}

// All returns every type ordered by id.
func (ts *Types) All() []*Type {
	ts.mu.RLock()
	out := make([]*Type, 0, len(ts.byID))
	for _, t := range ts.byID {
		out = append(out, t)
	}
	ts.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
