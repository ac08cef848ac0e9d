// Package frontier provides the work list shared by the sender traversal and
// the receiver replay.
package frontier

import "github.com/wippyai/graphwire"

// Frontier is a LIFO or FIFO work list.
type Frontier[T any] struct {
	items  []T
	head   int
	policy graphwire.Policy
}

// New creates an empty frontier.
func New[T any](policy graphwire.Policy) *Frontier[T] {
	return &Frontier[T]{policy: policy}
}

// Policy returns the frontier's ordering.
func (f *Frontier[T]) Policy() graphwire.Policy { return f.policy }

// Reset empties the frontier and switches its policy.
func (f *Frontier[T]) Reset(policy graphwire.Policy) {
	clear(f.items)
	f.items = f.items[:0]
	f.head = 0
	f.policy = policy
}

// Len returns the number of queued items.
func (f *Frontier[T]) Len() int { return len(f.items) - f.head }

// Push appends v.
func (f *Frontier[T]) Push(v T) {
	f.items = append(f.items, v)
}

// Pop removes the next item. The frontier must not be empty.
func (f *Frontier[T]) Pop() T {
	var zero T
	if f.policy == graphwire.BFS {
		v := f.items[f.head]
		f.items[f.head] = zero
		f.head++
		if f.head == len(f.items) {
			f.items = f.items[:0]
			f.head = 0
		} else if f.head > 1024 && f.head*2 > len(f.items) {
			n := copy(f.items, f.items[f.head:])
			clear(f.items[n:])
			f.items = f.items[:n]
			f.head = 0
		}
		return v
	}
	last := len(f.items) - 1
	v := f.items[last]
	f.items[last] = zero
	f.items = f.items[:last]
	return v
}

// Unpop puts back the item returned by the last Pop.
func (f *Frontier[T]) Unpop(v T) {
	if f.policy == graphwire.BFS {
		if f.head > 0 {
			f.head--
			f.items[f.head] = v
			return
		}
		f.items = append(f.items, v)
		copy(f.items[1:], f.items)
		f.items[0] = v
		return
	}
	f.items = append(f.items, v)
}

// PushChildren pushes the non-nil targets of fields in traversal order.
// Object fields go in declaration order. Array elements go in reverse index
// order on a LIFO frontier so that element 0 is popped first, and in index
// order on a FIFO frontier.
func PushChildren[T any](f *Frontier[T], kind graphwire.Kind, fields []graphwire.Field, item func(graphwire.Field) T) {
	if kind == graphwire.KindArray && f.policy == graphwire.DFS {
		for i := len(fields) - 1; i >= 0; i-- {
			if fields[i].Target != graphwire.Nil {
				f.Push(item(fields[i]))
			}
		}
		return
	}
	for _, fd := range fields {
		if fd.Target != graphwire.Nil {
			f.Push(item(fd))
		}
	}
}
