package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/config"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/heap"
	"github.com/wippyai/graphwire/pipeline"
	"github.com/wippyai/graphwire/transport"
	"github.com/wippyai/graphwire/transport/wslink"
)

// progress is a snapshot of a running transfer.
type progress struct {
	state        transport.State
	elapsed      time.Duration
	graphs       int
	total        int
	objects      uint64
	bytes        uint64
	backrefs     uint64
	batches      uint64
	posted       uint64
	signaled     uint64
	heapRequests uint64
	truncated    uint64
	final        bool
}

func snapshot(snd *pipeline.Sender, graphs, total int, start time.Time) progress {
	st := snd.Stats()
	return progress{
		state:        snd.State(),
		elapsed:      time.Since(start),
		graphs:       graphs,
		total:        total,
		objects:      st.Objects,
		bytes:        st.Bytes,
		backrefs:     st.BackRefs,
		batches:      st.Transport.Batches,
		posted:       st.Transport.Posted,
		signaled:     st.Transport.Signaled,
		heapRequests: st.Transport.HeapRequests,
		truncated:    st.Transport.Truncated,
	}
}

// sendAll sends roots one after another, reporting after each graph.
func sendAll(ctx context.Context, snd *pipeline.Sender, roots []graphwire.Ref, report func(progress)) error {
	start := time.Now()
	for i, root := range roots {
		if err := snd.Send(ctx, root); err != nil {
			return fmt.Errorf("send graph %d: %w", i, err)
		}
		report(snapshot(snd, i+1, len(roots), start))
	}
	if err := snd.Drain(ctx); err != nil {
		return err
	}
	p := snapshot(snd, len(roots), len(roots), start)
	p.final = true
	report(p)
	return nil
}

// runDemo sends graphs to a receiver in the same process over a pipe and
// checks every rebuilt graph against its original.
func runDemo(ctx context.Context, log *zap.Logger, cfg *config.Config, opts runOptions, report func(progress)) error {
	sts, rts := heap.NewTypes(1), heap.NewTypes(1000)
	schema, err := heap.DefineSchema(sts)
	if err != nil {
		return err
	}
	if _, err := heap.DefineSchema(rts); err != nil {
		return err
	}
	src := heap.New(sts, heap.Options{})
	dst, err := newHeap(ctx, rts, opts.wasm)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close(ctx) }()
	roots, err := buildGraphs(schema, src, opts)
	if err != nil {
		return err
	}

	stopNaming, err := serveNaming(log, cfg.Types, sts)
	if err != nil {
		return err
	}
	defer stopNaming()
	namer, closeNamer, err := dialNaming(cfg.Types, sts)
	if err != nil {
		return err
	}
	defer closeNamer()

	sendBridge, err := newBridge(cfg.Types, sts, nil)
	if err != nil {
		return err
	}
	recvBridge, err := newBridge(cfg.Types, rts, namer)
	if err != nil {
		return err
	}

	a, b := transport.NewPipe()
	rcv, err := pipeline.NewReceiver(b, dst, recvBridge, pipeline.ReceiverOptions{Transport: cfg.ReceiverOptions()})
	if err != nil {
		return err
	}
	defer func() { _ = rcv.Close() }()
	snd, err := pipeline.NewSender(a, src, sendBridge, pipeline.SenderOptions{
		Linearize: cfg.LinearizeOptions(),
		Transport: cfg.SenderOptions(),
	})
	if err != nil {
		return err
	}
	if err := rcv.Start(ctx); err != nil {
		return err
	}

	received := make(chan error, 1)
	go func() {
		for i, want := range roots {
			got, err := rcv.Receive(ctx)
			if err != nil {
				received <- err
				return
			}
			if err := heap.Isomorphic(src, want, dst, got); err != nil {
				received <- fmt.Errorf("graph %d differs: %w", i, err)
				return
			}
		}
		st := rcv.Stats()
		log.Info("receiver done",
			zap.Uint64("graphs", st.Graphs),
			zap.Uint64("objects", st.Objects),
			zap.Uint64("regions_granted", st.Transport.Granted),
			zap.Uint64("regions_retired", st.Transport.Retired),
			zap.Int("types_bound", st.Types.Bound))
		received <- nil
	}()

	if err := snd.Start(ctx); err != nil {
		return err
	}
	if err := sendAll(ctx, snd, roots, report); err != nil {
		return err
	}
	return <-received
}

// runSend sends graphs to a websocket receiver.
func runSend(ctx context.Context, log *zap.Logger, cfg *config.Config, opts runOptions) error {
	sts := heap.NewTypes(1)
	schema, err := heap.DefineSchema(sts)
	if err != nil {
		return err
	}
	src := heap.New(sts, heap.Options{})
	roots, err := buildGraphs(schema, src, opts)
	if err != nil {
		return err
	}

	stopNaming, err := serveNaming(log, cfg.Types, sts)
	if err != nil {
		return err
	}
	defer stopNaming()
	bridge, err := newBridge(cfg.Types, sts, nil)
	if err != nil {
		return err
	}

	link, err := wslink.Dial(ctx, cfg.Link.URL)
	if err != nil {
		return err
	}
	snd, err := pipeline.NewSender(link, src, bridge, pipeline.SenderOptions{
		Linearize: cfg.LinearizeOptions(),
		Transport: cfg.SenderOptions(),
	})
	if err != nil {
		_ = link.Close()
		return err
	}
	defer func() { _ = snd.Close(ctx) }()
	if err := snd.Start(ctx); err != nil {
		return err
	}
	return sendAll(ctx, snd, roots, printProgress(log))
}

// runRecv accepts websocket senders and rebuilds their graphs until
// interrupted. Each connection gets its own receiver.
func runRecv(ctx context.Context, log *zap.Logger, cfg *config.Config, opts runOptions) error {
	if cfg.Types.Strategy == "ondemand" && cfg.Types.Naming == "local" {
		return fmt.Errorf("on-demand type bridging across processes needs a naming service (types.naming)")
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Link.Path, wslink.Handler(func(l *wslink.Link) {
		go func() {
			if err := serveConnection(ctx, log, cfg, opts, l); err != nil {
				log.Warn("connection failed", zap.Error(err))
			}
		}()
	}))
	srv := &http.Server{Addr: cfg.Link.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("receiver listening", zap.String("address", cfg.Link.Listen), zap.String("path", cfg.Link.Path))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func serveConnection(ctx context.Context, log *zap.Logger, cfg *config.Config, opts runOptions, link *wslink.Link) error {
	rts := heap.NewTypes(1000)
	if _, err := heap.DefineSchema(rts); err != nil {
		return err
	}
	dst, err := newHeap(ctx, rts, opts.wasm)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close(ctx) }()

	namer, closeNamer, err := dialNaming(cfg.Types, rts)
	if err != nil {
		return err
	}
	defer closeNamer()
	bridge, err := newBridge(cfg.Types, rts, namer)
	if err != nil {
		return err
	}
	rcv, err := pipeline.NewReceiver(link, dst, bridge, pipeline.ReceiverOptions{Transport: cfg.ReceiverOptions()})
	if err != nil {
		return err
	}
	defer func() { _ = rcv.Close() }()
	if err := rcv.Start(ctx); err != nil {
		return err
	}

	for {
		root, err := rcv.Receive(ctx)
		if errors.IsKind(err, errors.KindClosed) {
			st := rcv.Stats()
			log.Info("sender disconnected", zap.Uint64("graphs", st.Graphs), zap.Uint64("bytes", st.Bytes))
			return nil
		}
		if err != nil {
			return err
		}
		n, err := heap.Count(dst, root)
		if err != nil {
			return err
		}
		st := rcv.Stats()
		log.Info("graph received",
			zap.Uint64("graph", st.Graphs),
			zap.Int("objects", n),
			zap.Uint32("backrefs", st.Reconstruct.BackRefs),
			zap.Uint64("hint_hits", st.Reconstruct.HintHits))
	}
}
