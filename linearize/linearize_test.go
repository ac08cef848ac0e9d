package linearize

import (
	"bytes"
	"testing"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/heap"
	"github.com/wippyai/graphwire/wire"
)

func newHeap(t *testing.T) (*heap.Heap, *heap.Schema) {
	t.Helper()
	ts := heap.NewTypes(1)
	s, err := heap.DefineSchema(ts)
	if err != nil {
		t.Fatalf("DefineSchema: %v", err)
	}
	return heap.New(ts, heap.Options{}), s
}

type result struct {
	payload  []byte
	backrefs []wire.BackRef
	batches  int
}

func run(t *testing.T, h *heap.Heap, root graphwire.Ref, opts Options, budget Budget) result {
	t.Helper()
	l := New(h, opts)
	if err := l.Init(root); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var res result
	for {
		done, err := l.Linearize(budget)
		if err != nil {
			t.Fatalf("Linearize: %v", err)
		}
		b := l.Batch()
		if b.Offset != uint32(len(res.payload)) {
			t.Fatalf("batch %d offset: got %d, want %d", res.batches, b.Offset, len(res.payload))
		}
		res.payload, err = Compact(h, b, res.payload)
		if err != nil {
			t.Fatalf("Compact: %v", err)
		}
		res.backrefs = append(res.backrefs, b.BackRefs...)
		res.batches++
		if done {
			return res
		}
		if res.batches > 100000 {
			t.Fatal("linearization does not terminate")
		}
	}
}

func TestLinearize_Cycle(t *testing.T) {
	h, s := newHeap(t)
	a, _ := s.Cycle(h)
	b, _ := h.Ref(a, heap.Left)

	res := run(t, h, a, Options{}, Unbounded)

	size := uint32(heap.HeaderSize + 24)
	if len(res.payload) != int(2*size) {
		t.Fatalf("payload: got %d bytes, want %d", len(res.payload), 2*size)
	}
	wantA, _ := h.ReadRange(uint64(a), size)
	wantB, _ := h.ReadRange(uint64(b), size)
	if !bytes.Equal(res.payload[:size], wantA) || !bytes.Equal(res.payload[size:], wantB) {
		t.Error("payload should hold A then B")
	}
	// A(1) pushes B then A; pops A(2) -> backref, B(3), B pushes A, A(4) -> backref
	want := []wire.BackRef{{Visit: 2, Offset: 0}, {Visit: 4, Offset: 0}}
	if len(res.backrefs) != len(want) {
		t.Fatalf("backrefs: got %+v, want %+v", res.backrefs, want)
	}
	for i := range want {
		if res.backrefs[i] != want[i] {
			t.Errorf("backref %d: got %+v, want %+v", i, res.backrefs[i], want[i])
		}
	}
}

func TestLinearize_SharedArray(t *testing.T) {
	h, s := newHeap(t)
	arr, _ := s.Shared(h, 1000)

	l := New(h, Options{})
	if err := l.Init(arr); err != nil {
		t.Fatalf("Init: %v", err)
	}
	root := l.Root()
	if !root.Array || root.Length != 1000 || root.Type != s.Refs.ID {
		t.Errorf("Root: got %+v", root)
	}
	if _, err := l.Linearize(Unbounded); err != nil {
		t.Fatalf("Linearize: %v", err)
	}
	if l.Objects() != 2 {
		t.Errorf("Objects: got %d, want 2", l.Objects())
	}
	if l.BackRefs() != 999 {
		t.Errorf("BackRefs: got %d, want 999", l.BackRefs())
	}
	arrLen, _ := h.ByteLength(arr)
	for i, br := range l.Batch().BackRefs {
		if br.Offset != arrLen {
			t.Fatalf("backref %d offset: got %d, want %d", i, br.Offset, arrLen)
		}
		if br.Visit != uint32(i)+3 {
			t.Fatalf("backref %d visit: got %d, want %d", i, br.Visit, i+3)
		}
	}
}

func TestLinearize_BackRefBudget(t *testing.T) {
	h, s := newHeap(t)
	arr, _ := s.Shared(h, 1000)

	whole := run(t, h, arr, Options{}, Unbounded)

	l := New(h, Options{})
	if err := l.Init(arr); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var backrefs []wire.BackRef
	batches := 0
	for {
		done, err := l.Linearize(Budget{Objects: 32, BackRefs: 100})
		if err != nil {
			t.Fatalf("Linearize: %v", err)
		}
		b := l.Batch()
		if len(b.BackRefs) > 100 {
			t.Fatalf("batch %d has %d back-references, budget is 100", batches, len(b.BackRefs))
		}
		backrefs = append(backrefs, b.BackRefs...)
		batches++
		if done {
			break
		}
	}
	if batches != 10 {
		t.Errorf("batches: got %d, want 10", batches)
	}
	if len(backrefs) != len(whole.backrefs) {
		t.Fatalf("back-references: got %d, want %d", len(backrefs), len(whole.backrefs))
	}
	for i := range backrefs {
		if backrefs[i] != whole.backrefs[i] {
			t.Fatalf("backref %d: got %+v, want %+v", i, backrefs[i], whole.backrefs[i])
		}
	}
}

func TestLinearize_Dedup(t *testing.T) {
	h, s := newHeap(t)
	shared, _ := h.Alloc(s.Leaf.ID)
	arr, _ := h.AllocArray(s.Refs.ID, 8)
	for i := uint32(0); i < 8; i++ {
		n, _ := h.Alloc(s.Node.ID)
		_ = h.SetRef(n, heap.Left, shared)
		_ = h.SetElem(arr, i, n)
	}

	stats, err := Measure(h, arr, graphwire.DFS)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	// array + 8 nodes + shared leaf
	if stats.Objects != 10 {
		t.Errorf("Objects: got %d, want 10", stats.Objects)
	}
	if stats.BackRefs != 7 {
		t.Errorf("BackRefs: got %d, want 7", stats.BackRefs)
	}
	if stats.Visits != 17 {
		t.Errorf("Visits: got %d, want 17", stats.Visits)
	}

	bfs, err := Measure(h, arr, graphwire.BFS)
	if err != nil {
		t.Fatalf("Measure BFS: %v", err)
	}
	if bfs.Objects != stats.Objects || bfs.Bytes != stats.Bytes || bfs.BackRefs != stats.BackRefs {
		t.Errorf("BFS totals %+v differ from DFS %+v", bfs, stats)
	}
}

func TestLinearize_ResumeIsIdempotent(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 4, 5} {
		h, s := newHeap(t)
		root, err := s.Random(h, 200, seed)
		if err != nil {
			t.Fatalf("Random: %v", err)
		}

		whole := run(t, h, root, Options{}, Unbounded)
		stepped := run(t, h, root, Options{}, Budget{Objects: 1})
		byBytes := run(t, h, root, Options{}, Budget{Bytes: 256})

		for name, r := range map[string]result{"objects=1": stepped, "bytes=256": byBytes} {
			if !bytes.Equal(whole.payload, r.payload) {
				t.Errorf("seed %d %s: payload differs", seed, name)
			}
			if len(whole.backrefs) != len(r.backrefs) {
				t.Fatalf("seed %d %s: %d backrefs, want %d", seed, name, len(r.backrefs), len(whole.backrefs))
			}
			for i := range whole.backrefs {
				if whole.backrefs[i] != r.backrefs[i] {
					t.Errorf("seed %d %s: backref %d got %+v, want %+v", seed, name, i, r.backrefs[i], whole.backrefs[i])
				}
			}
		}
		if whole.batches != 1 {
			t.Errorf("seed %d: unbounded run used %d batches", seed, whole.batches)
		}
		// one batch per object, plus possibly one holding trailing back-references
		if n, _ := heap.Count(h, root); stepped.batches != n && stepped.batches != n+1 {
			t.Errorf("seed %d: budget of one object used %d batches for %d objects", seed, stepped.batches, n)
		}
	}
}

func TestLinearize_BatchesEndOnNewObject(t *testing.T) {
	h, s := newHeap(t)
	root, _ := s.Random(h, 100, 9)

	l := New(h, Options{Verify: true})
	_ = l.Init(root)
	var lastDigest uint64
	for {
		done, err := l.Linearize(Budget{Objects: 3})
		if err != nil {
			t.Fatalf("Linearize: %v", err)
		}
		b := l.Batch()
		if !done && b.Objects != 3 {
			t.Errorf("intermediate batch has %d objects, want 3", b.Objects)
		}
		if b.Digest == lastDigest {
			t.Error("digest should advance with every batch")
		}
		lastDigest = b.Digest
		if done {
			break
		}
		// the last visit of an intermediate batch is a new object
		for _, br := range b.BackRefs {
			if br.Visit == b.LastVisit {
				t.Fatalf("batch ends on back-reference at visit %d", br.Visit)
			}
		}
	}
}

func TestLinearize_Tokens(t *testing.T) {
	h, s := newHeap(t)
	root, _ := s.Chain(h, 5)
	l := New(h, Options{})
	_ = l.Init(root)

	var tokens []uint32
	for {
		done, err := l.Linearize(Budget{Objects: 2})
		if err != nil {
			t.Fatalf("Linearize: %v", err)
		}
		tokens = append(tokens, l.Batch().Token)
		if done {
			break
		}
	}
	if tokens[0] != wire.FirstToken {
		t.Errorf("first token: got %d, want %d", tokens[0], wire.FirstToken)
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i] <= tokens[i-1] {
			t.Errorf("tokens not increasing: %v", tokens)
		}
	}
	if done, _ := l.Linearize(Unbounded); !done {
		t.Error("Linearize after completion should report done")
	}
}

func TestLinearize_Iterable(t *testing.T) {
	h, s := newHeap(t)
	shared, _ := h.Alloc(s.Leaf.ID)
	r1, _ := h.Alloc(s.Node.ID)
	r2, _ := h.Alloc(s.Node.ID)
	_ = h.SetRef(r1, heap.Left, shared)
	_ = h.SetRef(r2, heap.Left, shared)

	l := New(h, Options{})
	if err := l.InitIterable([]graphwire.Ref{r1, r2, r1}); err != nil {
		t.Fatalf("InitIterable: %v", err)
	}
	if _, err := l.Linearize(Unbounded); err != nil {
		t.Fatalf("Linearize: %v", err)
	}
	// r1(1) shared(2) r2(3) shared(4, backref) r1(5, backref)
	if l.Objects() != 3 || l.BackRefs() != 2 {
		t.Errorf("objects/backrefs: got %d/%d, want 3/2", l.Objects(), l.BackRefs())
	}
	brs := l.Batch().BackRefs
	if brs[1] != (wire.BackRef{Visit: 5, Offset: 0}) {
		t.Errorf("repeated root backref: got %+v", brs[1])
	}
	if !l.Root().Iterable || l.Root().Roots != 3 {
		t.Errorf("Root: got %+v", l.Root())
	}

	bfs := New(h, Options{Policy: graphwire.BFS})
	if err := bfs.InitIterable([]graphwire.Ref{r1}); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("iterable BFS: got %v", err)
	}
}

func TestLinearize_NoBackRefs(t *testing.T) {
	h, s := newHeap(t)
	root, _ := s.Tree(h, 5)

	l := New(h, Options{NoBackRefs: true})
	_ = l.Init(root)
	if _, err := l.Linearize(Unbounded); err != nil {
		t.Fatalf("Linearize: %v", err)
	}
	if l.Objects() != 31 || l.BackRefs() != 0 {
		t.Errorf("objects/backrefs: got %d/%d", l.Objects(), l.BackRefs())
	}
	tracked, _ := Measure(h, root, graphwire.DFS)
	if tracked.Bytes != l.Bytes() {
		t.Errorf("bytes: got %d, want %d", l.Bytes(), tracked.Bytes)
	}
}

type brokenModel struct{ *heap.Heap }

func (brokenModel) Fields(graphwire.Ref, []graphwire.Field) ([]graphwire.Field, error) {
	return nil, errors.InvalidData(errors.PhaseHeap, "corrupt object")
}

func TestLinearize_HostFailure(t *testing.T) {
	h, s := newHeap(t)
	root, _ := s.Chain(h, 3)

	l := New(brokenModel{h}, Options{})
	_ = l.Init(root)
	_, err := l.Linearize(Unbounded)
	if !errors.IsKind(err, errors.KindInvariant) {
		t.Fatalf("got %v, want invariant error", err)
	}
	var e *errors.Error
	if !asError(err, &e) || !e.HasPosition || e.Visit != 1 {
		t.Errorf("error should carry visit position: %v", err)
	}

	if err := New(h, Options{}).Init(graphwire.Nil); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("nil root: got %v", err)
	}
	if _, err := New(h, Options{}).Linearize(Unbounded); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("Linearize before Init: got %v", err)
	}
}

func asError(err error, target **errors.Error) bool {
	e, ok := err.(*errors.Error)
	if ok {
		*target = e
	}
	return ok
}
