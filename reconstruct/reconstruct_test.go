package reconstruct

import (
	"context"
	"testing"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/heap"
	"github.com/wippyai/graphwire/linearize"
	"github.com/wippyai/graphwire/typebridge"
	"github.com/wippyai/graphwire/wire"
)

type typesNamer struct{ ts *heap.Types }

func (n typesNamer) NameOf(_ context.Context, id graphwire.TypeID) (string, error) {
	name, ok := n.ts.Name(id)
	if !ok {
		return "", errors.NotFound(errors.PhaseNaming, "type")
	}
	return name, nil
}

type fixture struct {
	src    *heap.Heap
	dst    *heap.Heap
	schema *heap.Schema
	bridge *typebridge.Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sts, rts := heap.NewTypes(1), heap.NewTypes(500)
	s, err := heap.DefineSchema(sts)
	if err != nil {
		t.Fatalf("DefineSchema: %v", err)
	}
	if _, err := heap.DefineSchema(rts); err != nil {
		t.Fatalf("DefineSchema: %v", err)
	}
	return &fixture{
		src:    heap.New(sts, heap.Options{}),
		dst:    heap.New(rts, heap.Options{}),
		schema: s,
		bridge: typebridge.NewOnDemand(rts, typesNamer{sts}),
	}
}

// deliver copies one batch into receiver memory, one region per interval.
func (f *fixture) deliver(t *testing.T, r *Reconstructor, b *linearize.Batch) {
	t.Helper()
	ctx := context.Background()
	if err := r.AddBackRefs(b.BackRefs); err != nil {
		t.Fatalf("AddBackRefs: %v", err)
	}
	if len(b.Intervals) == 0 {
		if err := r.Continue(ctx); err != nil {
			t.Fatalf("Continue: %v", err)
		}
	}
	for _, iv := range b.Intervals {
		data, err := f.src.ReadRange(iv.Addr, iv.Length)
		if err != nil {
			t.Fatalf("ReadRange: %v", err)
		}
		buf, err := f.dst.Allocate(iv.Length)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := f.dst.WriteRange(buf.Addr, data); err != nil {
			t.Fatalf("WriteRange: %v", err)
		}
		if _, err := r.PushRegion(ctx, buf.Addr, iv.Length); err != nil {
			t.Fatalf("PushRegion: %v", err)
		}
	}
}

func (f *fixture) roundTrip(t *testing.T, root graphwire.Ref, policy graphwire.Policy, budget linearize.Budget) *Reconstructor {
	t.Helper()
	l := linearize.New(f.src, linearize.Options{Policy: policy, Verify: true})
	if err := l.Init(root); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r := New(f.dst, f.bridge)
	r.Reset(Options{Policy: policy, Verify: true})
	for {
		done, err := l.Linearize(budget)
		if err != nil {
			t.Fatalf("Linearize: %v", err)
		}
		b := l.Batch()
		f.deliver(t, r, b)
		if err := r.CheckDigest(b.LastVisit, b.Digest); err != nil {
			t.Fatalf("CheckDigest: %v", err)
		}
		if done {
			break
		}
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !r.Complete() {
		t.Fatal("reconstruction not complete")
	}
	if got, want := r.Visits(), l.Visits(); got != want {
		t.Errorf("visits: got %d, want %d", got, want)
	}
	if got, want := r.Stats().Objects, l.Objects(); got != want {
		t.Errorf("objects: got %d, want %d", got, want)
	}
	if err := heap.Isomorphic(f.src, root, f.dst, r.Root()); err != nil {
		t.Fatalf("Isomorphic: %v", err)
	}
	return r
}

func TestReconstruct_RoundTrip(t *testing.T) {
	graphs := []struct {
		name  string
		build func(s *heap.Schema, h *heap.Heap) (graphwire.Ref, error)
	}{
		{"chain", func(s *heap.Schema, h *heap.Heap) (graphwire.Ref, error) { return s.Chain(h, 50) }},
		{"tree", func(s *heap.Schema, h *heap.Heap) (graphwire.Ref, error) { return s.Tree(h, 6) }},
		{"cycle", func(s *heap.Schema, h *heap.Heap) (graphwire.Ref, error) { return s.Cycle(h) }},
		{"shared", func(s *heap.Schema, h *heap.Heap) (graphwire.Ref, error) { return s.Shared(h, 1000) }},
		{"random", func(s *heap.Schema, h *heap.Heap) (graphwire.Ref, error) { return s.Random(h, 200, 7) }},
	}
	budgets := []struct {
		name   string
		budget linearize.Budget
	}{
		{"unbounded", linearize.Unbounded},
		{"one", linearize.Budget{Objects: 1}},
		{"seven", linearize.Budget{Objects: 7}},
		{"bytes", linearize.Budget{Bytes: 100}},
	}
	for _, g := range graphs {
		for _, policy := range []graphwire.Policy{graphwire.DFS, graphwire.BFS} {
			for _, b := range budgets {
				t.Run(g.name+"/"+policy.String()+"/"+b.name, func(t *testing.T) {
					f := newFixture(t)
					root, err := g.build(f.schema, f.src)
					if err != nil {
						t.Fatalf("build: %v", err)
					}
					f.roundTrip(t, root, policy, b.budget)
				})
			}
		}
	}
}

func TestReconstruct_Cycle(t *testing.T) {
	f := newFixture(t)
	a, err := f.schema.Cycle(f.src)
	if err != nil {
		t.Fatal(err)
	}
	r := f.roundTrip(t, a, graphwire.DFS, linearize.Unbounded)

	ra := r.Root()
	rb, err := f.dst.Ref(ra, heap.Left)
	if err != nil {
		t.Fatal(err)
	}
	if self, _ := f.dst.Ref(ra, heap.Right); self != ra {
		t.Errorf("A.right: got %#x, want A at %#x", self, ra)
	}
	if back, _ := f.dst.Ref(rb, heap.Left); back != ra {
		t.Errorf("B.left: got %#x, want A at %#x", back, ra)
	}
	if st := r.Stats(); st.BackRefs != 2 || st.Objects != 2 {
		t.Errorf("stats: got %+v, want 2 objects and 2 back-references", st)
	}
}

func TestReconstruct_SharedLeaf(t *testing.T) {
	f := newFixture(t)
	arr, err := f.schema.Shared(f.src, 1000)
	if err != nil {
		t.Fatal(err)
	}
	r := f.roundTrip(t, arr, graphwire.DFS, linearize.Unbounded)

	first, err := f.dst.Elem(r.Root(), 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint32(1); i < 1000; i++ {
		e, err := f.dst.Elem(r.Root(), i)
		if err != nil {
			t.Fatalf("Elem(%d): %v", i, err)
		}
		if e != first {
			t.Fatalf("element %d: got %#x, want shared leaf %#x", i, e, first)
		}
	}
	if st := r.Stats(); st.Objects != 2 || st.BackRefs != 999 {
		t.Errorf("stats: got %+v, want 2 objects and 999 back-references", st)
	}
}

func TestReconstruct_PartialArrival(t *testing.T) {
	f := newFixture(t)
	root, err := f.schema.Chain(f.src, 10)
	if err != nil {
		t.Fatal(err)
	}
	l := linearize.New(f.src, linearize.Options{MaxIntervalBytes: f.schema.Node.Size + heap.HeaderSize})
	if err := l.Init(root); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Linearize(linearize.Unbounded); err != nil {
		t.Fatal(err)
	}
	b := l.Batch()
	if len(b.Intervals) != 10 {
		t.Fatalf("intervals: got %d, want 10", len(b.Intervals))
	}

	ctx := context.Background()
	r := New(f.dst, f.bridge)
	for i, iv := range b.Intervals {
		data, _ := f.src.ReadRange(iv.Addr, iv.Length)
		buf, err := f.dst.Allocate(iv.Length)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.dst.WriteRange(buf.Addr, data); err != nil {
			t.Fatal(err)
		}
		n, err := r.PushRegion(ctx, buf.Addr, iv.Length)
		if err != nil {
			t.Fatalf("PushRegion(%d): %v", i, err)
		}
		if n != iv.Length {
			t.Errorf("region %d processed: got %d, want %d", i, n, iv.Length)
		}
		if st := r.Stats(); st.Objects != uint32(i+1) {
			t.Errorf("after region %d objects: got %d, want %d", i, st.Objects, i+1)
		}
		if last := i == len(b.Intervals)-1; r.Complete() != last {
			t.Errorf("after region %d Complete: got %v, want %v", i, r.Complete(), last)
		}
	}
	if err := heap.Isomorphic(f.src, root, f.dst, r.Root()); err != nil {
		t.Fatalf("Isomorphic: %v", err)
	}
	if r.Stats().HintHits == 0 {
		t.Error("chain links should reuse the field type hint")
	}
}

func TestReconstruct_Truncated(t *testing.T) {
	f := newFixture(t)
	root, err := f.schema.Tree(f.src, 4)
	if err != nil {
		t.Fatal(err)
	}
	l := linearize.New(f.src, linearize.Options{})
	if err := l.Init(root); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Linearize(linearize.Budget{Objects: 3}); err != nil {
		t.Fatal(err)
	}
	r := New(f.dst, f.bridge)
	f.deliver(t, r, l.Batch())
	if r.Complete() {
		t.Fatal("partial stream reported complete")
	}
	if err := r.Finish(); !errors.IsKind(err, errors.KindTruncated) {
		t.Fatalf("Finish: got %v, want truncated", err)
	}
}

func TestReconstruct_DigestMismatch(t *testing.T) {
	f := newFixture(t)
	root, err := f.schema.Cycle(f.src)
	if err != nil {
		t.Fatal(err)
	}
	l := linearize.New(f.src, linearize.Options{Verify: true})
	if err := l.Init(root); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Linearize(linearize.Unbounded); err != nil {
		t.Fatal(err)
	}
	b := l.Batch()
	r := New(f.dst, f.bridge)
	r.Reset(Options{Verify: true})
	f.deliver(t, r, b)

	if err := r.CheckDigest(b.LastVisit, b.Digest^1); !errors.IsKind(err, errors.KindBackRef) {
		t.Fatalf("CheckDigest: got %v, want backref mismatch", err)
	}
	if err := r.CheckDigest(b.LastVisit+1, b.Digest); !errors.IsKind(err, errors.KindBackRef) {
		t.Fatalf("CheckDigest visit: got %v, want backref mismatch", err)
	}
	if err := r.CheckDigest(b.LastVisit, b.Digest); err != nil {
		t.Fatalf("CheckDigest: %v", err)
	}
}

func TestReconstruct_BadBackRef(t *testing.T) {
	f := newFixture(t)
	root, err := f.schema.Chain(f.src, 2)
	if err != nil {
		t.Fatal(err)
	}
	l := linearize.New(f.src, linearize.Options{})
	if err := l.Init(root); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Linearize(linearize.Unbounded); err != nil {
		t.Fatal(err)
	}
	b := *l.Batch()
	b.BackRefs = []wire.BackRef{{Visit: 2, Offset: 4096}}

	ctx := context.Background()
	r := New(f.dst, f.bridge)
	if err := r.AddBackRefs(b.BackRefs); err != nil {
		t.Fatal(err)
	}
	iv := b.Intervals[0]
	data, _ := f.src.ReadRange(iv.Addr, iv.Length)
	buf, _ := f.dst.Allocate(iv.Length)
	if err := f.dst.WriteRange(buf.Addr, data); err != nil {
		t.Fatal(err)
	}
	_, err = r.PushRegion(ctx, buf.Addr, iv.Length)
	if !errors.IsKind(err, errors.KindBackRef) {
		t.Fatalf("PushRegion: got %v, want backref mismatch", err)
	}
	var e *errors.Error
	if !errors.As(err, &e) || !e.HasPosition || e.Visit != 2 {
		t.Errorf("error position: got %v", err)
	}
}

func TestReconstruct_BackRefOrder(t *testing.T) {
	f := newFixture(t)
	r := New(f.dst, f.bridge)
	if err := r.AddBackRefs([]wire.BackRef{{Visit: 5}}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddBackRefs([]wire.BackRef{{Visit: 5}}); !errors.IsKind(err, errors.KindProtocol) {
		t.Fatalf("AddBackRefs: got %v, want protocol violation", err)
	}
}

func TestReconstruct_TypeUnresolved(t *testing.T) {
	f := newFixture(t)
	root, err := f.schema.Chain(f.src, 3)
	if err != nil {
		t.Fatal(err)
	}
	l := linearize.New(f.src, linearize.Options{})
	if err := l.Init(root); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Linearize(linearize.Unbounded); err != nil {
		t.Fatal(err)
	}
	b := l.Batch()
	empty, err := typebridge.NewTable(heap.NewTypes(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	r := New(f.dst, empty)
	iv := b.Intervals[0]
	data, _ := f.src.ReadRange(iv.Addr, iv.Length)
	buf, _ := f.dst.Allocate(iv.Length)
	if err := f.dst.WriteRange(buf.Addr, data); err != nil {
		t.Fatal(err)
	}
	_, err = r.PushRegion(context.Background(), buf.Addr, iv.Length)
	if !errors.IsKind(err, errors.KindTypeUnresolved) {
		t.Fatalf("PushRegion: got %v, want type unresolved", err)
	}
}

func TestReconstruct_Iterable(t *testing.T) {
	f := newFixture(t)
	chain, err := f.schema.Chain(f.src, 4)
	if err != nil {
		t.Fatal(err)
	}
	tail, err := f.src.Ref(chain, heap.Left)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := f.schema.Tree(f.src, 3)
	if err != nil {
		t.Fatal(err)
	}
	roots := []graphwire.Ref{chain, tree, tail}

	l := linearize.New(f.src, linearize.Options{Verify: true})
	if err := l.InitIterable(roots); err != nil {
		t.Fatal(err)
	}
	r := New(f.dst, f.bridge)
	r.Reset(Options{Iterable: true, Verify: true})
	for {
		done, err := l.Linearize(linearize.Budget{Objects: 2})
		if err != nil {
			t.Fatal(err)
		}
		b := l.Batch()
		f.deliver(t, r, b)
		if err := r.CheckDigest(b.LastVisit, b.Digest); err != nil {
			t.Fatalf("CheckDigest: %v", err)
		}
		if done {
			break
		}
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got := r.Roots()
	if len(got) != len(roots) {
		t.Fatalf("roots: got %d, want %d", len(got), len(roots))
	}
	for i := range roots {
		if err := heap.Isomorphic(f.src, roots[i], f.dst, got[i]); err != nil {
			t.Errorf("root %d: %v", i, err)
		}
	}
	if second, _ := f.dst.Ref(got[0], heap.Left); second != got[2] {
		t.Errorf("shared root: got %#x, want %#x", got[2], second)
	}
}
