package heap

import (
	"bytes"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
)

// Isomorphic reports whether the graph reachable from ra in a has the same
// shape as the graph reachable from rb in b: same type names, same scalar
// payload bytes, same nil slots and the same sharing. Addresses and type ids
// may differ. It returns nil on success and a descriptive error otherwise.
func Isomorphic(a *Heap, ra graphwire.Ref, b *Heap, rb graphwire.Ref) error {
	fwd := map[graphwire.Ref]graphwire.Ref{}
	back := map[graphwire.Ref]graphwire.Ref{}
	type pair struct {
		a, b graphwire.Ref
		path string
	}
	queue := []pair{{ra, rb, "root"}}
	var fa, fb []graphwire.Field

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		if (p.a == graphwire.Nil) != (p.b == graphwire.Nil) {
			return mismatch(p.path, "nil reference on one side only")
		}
		if p.a == graphwire.Nil {
			continue
		}
		if m, ok := fwd[p.a]; ok {
			if m != p.b {
				return mismatch(p.path, "shared object maps to two distinct copies")
			}
			continue
		}
		if _, ok := back[p.b]; ok {
			return mismatch(p.path, "two distinct objects map to one copy")
		}
		fwd[p.a] = p.b
		back[p.b] = p.a

		na, err := a.TypeName(p.a)
		if err != nil {
			return err
		}
		nb, err := b.TypeName(p.b)
		if err != nil {
			return err
		}
		if na != nb {
			return mismatch(p.path, "type "+na+" vs "+nb)
		}

		pa, err := a.Payload(p.a)
		if err != nil {
			return err
		}
		pb, err := b.Payload(p.b)
		if err != nil {
			return err
		}
		if len(pa) != len(pb) {
			return mismatch(p.path, "payload length differs")
		}

		fa, err = a.Fields(p.a, fa[:0])
		if err != nil {
			return err
		}
		fb, err = b.Fields(p.b, fb[:0])
		if err != nil {
			return err
		}
		if len(fa) != len(fb) {
			return mismatch(p.path, "field count differs")
		}
		for i := range fa {
			s := fa[i].Slot - HeaderSize
			clear(pa[s : s+8])
			clear(pb[s : s+8])
			queue = append(queue, pair{fa[i].Target, fb[i].Target, p.path + "." + na})
		}
		if !bytes.Equal(pa, pb) {
			return mismatch(p.path, "scalar payload differs")
		}
	}
	return nil
}

func mismatch(path, detail string) error {
	return errors.New(errors.PhaseHeap, errors.KindInvalidData).
		Path(path).
		Detail("%s", detail).
		Build()
}

// Count returns the number of distinct objects reachable from root.
func Count(h *Heap, root graphwire.Ref) (int, error) {
	seen := map[graphwire.Ref]bool{}
	stack := []graphwire.Ref{root}
	var fields []graphwire.Field
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r == graphwire.Nil || seen[r] {
			continue
		}
		seen[r] = true
		var err error
		fields, err = h.Fields(r, fields[:0])
		if err != nil {
			return 0, err
		}
		for _, f := range fields {
			stack = append(stack, f.Target)
		}
	}
	return len(seen), nil
}
