package pipeline

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/heap"
	"github.com/wippyai/graphwire/linearize"
	"github.com/wippyai/graphwire/transport"
	"github.com/wippyai/graphwire/transport/wslink"
	"github.com/wippyai/graphwire/typebridge"
	"github.com/wippyai/graphwire/typenaming"
)

var schemaNames = []string{"graphwire.Node", "graphwire.Leaf", "graphwire.Refs", "graphwire.Blob"}

type endpoints struct {
	src    *heap.Heap
	dst    *heap.Heap
	schema *heap.Schema
	snd    *Sender
	rcv    *Receiver
}

type setup struct {
	strategy typebridge.Strategy
	sopts    SenderOptions
	ropts    ReceiverOptions
	dstSpace heap.Space
	links    func(t *testing.T) (transport.Link, transport.Link)
}

func pipeLinks(*testing.T) (transport.Link, transport.Link) {
	a, b := transport.NewPipe()
	return a, b
}

func wsLinks(t *testing.T) (transport.Link, transport.Link) {
	t.Helper()
	accepted := make(chan *wslink.Link, 1)
	srv := httptest.NewServer(wslink.Handler(func(l *wslink.Link) { accepted <- l }))
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := wslink.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	select {
	case server := <-accepted:
		return client, server
	case <-ctx.Done():
		t.Fatal("no websocket accepted")
	}
	return nil, nil
}

func connect(t *testing.T, cfg setup) *endpoints {
	t.Helper()
	sts, rts := heap.NewTypes(1), heap.NewTypes(700)
	schema, err := heap.DefineSchema(sts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := heap.DefineSchema(rts); err != nil {
		t.Fatal(err)
	}
	e := &endpoints{
		src:    heap.New(sts, heap.Options{}),
		dst:    heap.New(rts, heap.Options{Space: cfg.dstSpace}),
		schema: schema,
	}

	var sendBridge, recvBridge *typebridge.Bridge
	if cfg.strategy == typebridge.Table {
		if sendBridge, err = typebridge.NewTable(sts, schemaNames); err != nil {
			t.Fatal(err)
		}
		if recvBridge, err = typebridge.NewTable(rts, schemaNames); err != nil {
			t.Fatal(err)
		}
	} else {
		recvBridge = typebridge.NewOnDemand(rts, typenaming.NewLocal(sts))
	}

	links := cfg.links
	if links == nil {
		links = pipeLinks
	}
	sendLink, recvLink := links(t)
	if e.rcv, err = NewReceiver(recvLink, e.dst, recvBridge, cfg.ropts); err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if e.snd, err = NewSender(sendLink, e.src, sendBridge, cfg.sopts); err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	t.Cleanup(func() {
		_ = e.rcv.Close()
		_ = e.snd.session.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.rcv.Start(ctx); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	if err := e.snd.Start(ctx); err != nil {
		t.Fatalf("sender Start: %v", err)
	}
	return e
}

// transfer sends with fn while the receiver waits on its own goroutine.
func (e *endpoints) transfer(t *testing.T, fn func(ctx context.Context) error) graphwire.Ref {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	type result struct {
		ref graphwire.Ref
		err error
	}
	done := make(chan result, 1)
	go func() {
		ref, err := e.rcv.Receive(ctx)
		done <- result{ref, err}
	}()
	if err := fn(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("Receive: %v", res.err)
	}
	return res.ref
}

func (e *endpoints) send(t *testing.T, root graphwire.Ref) graphwire.Ref {
	t.Helper()
	got := e.transfer(t, func(ctx context.Context) error { return e.snd.Send(ctx, root) })
	if err := heap.Isomorphic(e.src, root, e.dst, got); err != nil {
		t.Fatalf("Isomorphic: %v", err)
	}
	return got
}

func TestPipeline_Strategies(t *testing.T) {
	for _, strategy := range []typebridge.Strategy{typebridge.OnDemand, typebridge.Table} {
		t.Run(strategy.String(), func(t *testing.T) {
			e := connect(t, setup{
				strategy: strategy,
				sopts: SenderOptions{
					Linearize: linearize.Options{Verify: true},
					Transport: transport.Options{Budget: linearize.Budget{Objects: 32}},
				},
			})
			for seed := int64(1); seed <= 3; seed++ {
				root, err := e.schema.Random(e.src, 200, seed)
				if err != nil {
					t.Fatal(err)
				}
				e.send(t, root)
			}
			st := e.rcv.Stats()
			if st.Graphs != 3 || st.Transport.Graphs != 3 {
				t.Errorf("graphs: got %d/%d, want 3", st.Graphs, st.Transport.Graphs)
			}
			if strategy == typebridge.Table && st.Types.Lookups != 0 {
				t.Errorf("table bridge made %d naming lookups", st.Types.Lookups)
			}
			if strategy == typebridge.OnDemand && st.Types.Lookups == 0 {
				t.Error("on-demand bridge made no naming lookups")
			}
			if got := e.snd.Stats().Graphs; got != 3 {
				t.Errorf("sender graphs: got %d", got)
			}
		})
	}
}

func TestPipeline_Scenarios(t *testing.T) {
	e := connect(t, setup{})

	cycle, err := e.schema.Cycle(e.src)
	if err != nil {
		t.Fatal(err)
	}
	got := e.send(t, cycle)
	left, err := e.dst.Ref(got, heap.Left)
	if err != nil {
		t.Fatal(err)
	}
	if back, _ := e.dst.Ref(left, heap.Left); back != got {
		t.Error("B.left does not point back at A")
	}
	if self, _ := e.dst.Ref(got, heap.Right); self != got {
		t.Error("A.right does not point at A")
	}

	before := e.snd.Stats()
	shared, err := e.schema.Shared(e.src, 1000)
	if err != nil {
		t.Fatal(err)
	}
	got = e.send(t, shared)
	after := e.snd.Stats()
	if n := after.Objects - before.Objects; n != 2 {
		t.Errorf("objects: got %d, want 2", n)
	}
	if n := after.BackRefs - before.BackRefs; n != 999 {
		t.Errorf("back-references: got %d, want 999", n)
	}
	first, _ := e.dst.Elem(got, 0)
	last, _ := e.dst.Elem(got, 999)
	if first != last {
		t.Error("array elements do not share one leaf")
	}
}

func TestPipeline_ObjectLargerThanSegment(t *testing.T) {
	e := connect(t, setup{})
	root, err := e.schema.Shared(e.src, 9000)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := e.src.ByteLength(root); n <= transport.DefaultSegmentSize {
		t.Fatalf("array of %d bytes fits one segment", n)
	}
	got := e.send(t, root)
	st := e.snd.Stats().Transport
	if st.HeapRequests == 0 || st.Truncated == 0 {
		t.Errorf("heap requests %d, truncated %d: want both above zero", st.HeapRequests, st.Truncated)
	}
	first, _ := e.dst.Elem(got, 0)
	last, _ := e.dst.Elem(got, 8999)
	if first != last {
		t.Error("array elements do not share one leaf")
	}

	// the session keeps working after the extra regions
	chain, err := e.schema.Chain(e.src, 50)
	if err != nil {
		t.Fatal(err)
	}
	e.send(t, chain)
}

func TestPipeline_ManySharedReferences(t *testing.T) {
	e := connect(t, setup{
		sopts: SenderOptions{Transport: transport.Options{Budget: linearize.Budget{Objects: 32}}},
	})
	root, err := e.schema.Shared(e.src, 40000)
	if err != nil {
		t.Fatal(err)
	}
	e.send(t, root)
	st := e.snd.Stats()
	if st.BackRefs != 39999 {
		t.Errorf("back-references: got %d, want 39999", st.BackRefs)
	}
	// 320 KB of back-references cannot share one quarter of the 1 MiB ring
	if st.Transport.Batches < 2 {
		t.Errorf("batches: got %d, want the back-references split", st.Transport.Batches)
	}
	if rs := e.rcv.Stats(); rs.Reconstruct.BackRefs != 39999 {
		t.Errorf("receiver back-references: got %d", rs.Reconstruct.BackRefs)
	}
}

func TestPipeline_IntervalsCappedAtSegment(t *testing.T) {
	e := connect(t, setup{})
	if got := e.snd.Options().MaxIntervalBytes; got != transport.DefaultSegmentSize {
		t.Fatalf("interval cap: got %d, want the receiver's segment size %d", got, transport.DefaultSegmentSize)
	}
	// nodes allocated head first sit back to back in traversal order and
	// merge into intervals as long as the cap allows
	nodes := make([]graphwire.Ref, 20000)
	for i := range nodes {
		var err error
		if nodes[i], err = e.src.Alloc(e.schema.Node.ID); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i+1 < len(nodes); i++ {
		if err := e.src.SetRef(nodes[i], heap.Left, nodes[i+1]); err != nil {
			t.Fatal(err)
		}
	}
	e.send(t, nodes[0])
	st := e.snd.Stats().Transport
	if st.DirectWrites == 0 {
		t.Fatal("no interval was merged past the copy threshold")
	}
	// only the tail of a region too short for the next interval is skipped
	if st.Truncated*64 > st.PayloadBytes {
		t.Errorf("truncated %d of %d payload bytes", st.Truncated, st.PayloadBytes)
	}

	capped := connect(t, setup{sopts: SenderOptions{Linearize: linearize.Options{MaxIntervalBytes: 4096}}})
	if got := capped.snd.Options().MaxIntervalBytes; got != 4096 {
		t.Errorf("configured interval cap: got %d, want 4096", got)
	}
}

func TestPipeline_Iterable(t *testing.T) {
	e := connect(t, setup{sopts: SenderOptions{Linearize: linearize.Options{Verify: true}}})
	a, err := e.schema.Tree(e.src, 4)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.schema.Chain(e.src, 6)
	if err != nil {
		t.Fatal(err)
	}
	roots := []graphwire.Ref{a, b, a}
	first := e.transfer(t, func(ctx context.Context) error { return e.snd.SendIterable(ctx, roots) })

	got := []graphwire.Ref{first}
	for {
		ref, ok := e.rcv.Next()
		if !ok {
			break
		}
		got = append(got, ref)
	}
	if len(got) != len(roots) {
		t.Fatalf("roots: got %d, want %d", len(got), len(roots))
	}
	for i := range roots {
		if err := heap.Isomorphic(e.src, roots[i], e.dst, got[i]); err != nil {
			t.Errorf("root %d: %v", i, err)
		}
	}
	if got[0] != got[2] {
		t.Error("repeated root rebuilt twice")
	}
	if len(e.rcv.Roots()) != 3 {
		t.Errorf("Roots: got %d", len(e.rcv.Roots()))
	}
}

func TestPipeline_IterableRejectsBFS(t *testing.T) {
	e := connect(t, setup{sopts: SenderOptions{Linearize: linearize.Options{Policy: graphwire.BFS}}})
	a, _ := e.schema.Chain(e.src, 2)
	err := e.snd.SendIterable(context.Background(), []graphwire.Ref{a})
	if !errors.IsKind(err, errors.KindInvalidInput) {
		t.Fatalf("got %v, want invalid input", err)
	}
	e.send(t, a)
}

func TestPipeline_Async(t *testing.T) {
	e := connect(t, setup{})
	root, err := e.schema.Random(e.src, 300, 9)
	if err != nil {
		t.Fatal(err)
	}
	var h *transport.Handle
	got := e.transfer(t, func(ctx context.Context) error {
		var err error
		h, err = e.snd.SendAsync(ctx, root)
		if err != nil {
			return err
		}
		return e.snd.Wait(ctx, h)
	})
	if done, err := e.snd.Test(h); !done || err != nil {
		t.Fatalf("Test: done=%v err=%v", done, err)
	}
	if err := heap.Isomorphic(e.src, root, e.dst, got); err != nil {
		t.Fatal(err)
	}
	if n := e.src.Pinned(); n != 0 {
		t.Errorf("source pins left: %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.snd.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if e.snd.State() != transport.Done {
		t.Errorf("state: got %v", e.snd.State())
	}
}

func TestPipeline_Measure(t *testing.T) {
	e := connect(t, setup{})
	root, err := e.schema.Shared(e.src, 10)
	if err != nil {
		t.Fatal(err)
	}
	st, err := e.snd.Measure(root)
	if err != nil {
		t.Fatal(err)
	}
	before := e.snd.Stats()
	e.send(t, root)
	after := e.snd.Stats()
	if uint64(st.Objects) != after.Objects-before.Objects {
		t.Errorf("measured %d objects, sent %d", st.Objects, after.Objects-before.Objects)
	}
	if uint64(st.Bytes) != after.Bytes-before.Bytes {
		t.Errorf("measured %d bytes, sent %d", st.Bytes, after.Bytes-before.Bytes)
	}
}

func TestPipeline_WasmReceiver(t *testing.T) {
	space, err := heap.NewWasmSpace(context.Background(), &heap.WasmConfig{InitialPages: 32})
	if err != nil {
		t.Fatalf("NewWasmSpace: %v", err)
	}
	t.Cleanup(func() { _ = space.Close(context.Background()) })
	e := connect(t, setup{
		dstSpace: space,
		ropts:    ReceiverOptions{Transport: transport.ReceiverOptions{SegmentSize: 8192, Regions: 2}},
		sopts:    SenderOptions{Linearize: linearize.Options{MaxIntervalBytes: 8192}},
	})
	root, err := e.schema.Random(e.src, 400, 4)
	if err != nil {
		t.Fatal(err)
	}
	e.send(t, root)
}

func TestPipeline_Websocket(t *testing.T) {
	e := connect(t, setup{
		links: wsLinks,
		sopts: SenderOptions{
			Linearize: linearize.Options{Verify: true},
			Transport: transport.Options{Budget: linearize.Budget{Objects: 50}},
		},
		ropts: ReceiverOptions{Transport: transport.ReceiverOptions{Receives: 4, SegmentSize: 4096}},
	})
	for seed := int64(1); seed <= 2; seed++ {
		root, err := e.schema.Random(e.src, 300, seed)
		if err != nil {
			t.Fatal(err)
		}
		e.send(t, root)
	}
	cycle, err := e.schema.Cycle(e.src)
	if err != nil {
		t.Fatal(err)
	}
	e.send(t, cycle)
}

func TestNewReceiver_NeedsBridge(t *testing.T) {
	_, b := transport.NewPipe()
	_, err := NewReceiver(b, heap.New(heap.NewTypes(1), heap.Options{}), nil, ReceiverOptions{})
	if !errors.IsKind(err, errors.KindInvalidInput) {
		t.Fatalf("got %v, want invalid input", err)
	}
}
