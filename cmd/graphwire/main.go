package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/config"
	"github.com/wippyai/graphwire/heap"
)

type runOptions struct {
	graph string
	size  int
	count int
	seed  int64
	wasm  bool
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config (defaults when empty)")
		graph       = flag.String("graph", "random", "Graph shape: random, tree, chain, shared, cycle")
		size        = flag.Int("n", 1000, "Graph size (node count, tree depth, array length)")
		count       = flag.Int("count", 10, "Number of graphs to send")
		seed        = flag.Int64("seed", 1, "Seed of the first random graph")
		wasm        = flag.Bool("wasm", false, "Back the receiving heap with a wazero linear memory")
		interactive = flag.Bool("i", false, "Live transfer monitor (demo mode)")
	)
	flag.Parse()

	mode := flag.Arg(0)
	if mode != "demo" && mode != "send" && mode != "recv" {
		fmt.Fprintln(os.Stderr, "Usage: graphwire [flags] demo   (send graphs over an in-process pipe)")
		fmt.Fprintln(os.Stderr, "       graphwire [flags] recv   (accept websocket senders)")
		fmt.Fprintln(os.Stderr, "       graphwire [flags] send   (send graphs to a websocket receiver)")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	opts := runOptions{graph: *graph, size: *size, count: *count, seed: *seed, wasm: *wasm}
	monitor := *interactive && mode == "demo" && term.IsTerminal(int(os.Stdout.Fd()))
	log, err := newLogger(cfg.Log, monitor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case monitor:
		err = runMonitor(ctx, log, cfg, opts)
	case mode == "demo":
		err = runDemo(ctx, log, cfg, opts, printProgress(log))
	case mode == "send":
		err = runSend(ctx, log, cfg, opts)
	case mode == "recv":
		err = runRecv(ctx, log, cfg, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildGraphs creates opts.count graphs in h.
func buildGraphs(s *heap.Schema, h *heap.Heap, opts runOptions) ([]graphwire.Ref, error) {
	roots := make([]graphwire.Ref, 0, opts.count)
	for i := 0; i < opts.count; i++ {
		var root graphwire.Ref
		var err error
		switch opts.graph {
		case "random":
			root, err = s.Random(h, opts.size, opts.seed+int64(i))
		case "tree":
			root, err = s.Tree(h, opts.size)
		case "chain":
			root, err = s.Chain(h, opts.size)
		case "shared":
			root, err = s.Shared(h, uint32(opts.size))
		case "cycle":
			root, err = s.Cycle(h)
		default:
			return nil, fmt.Errorf("unknown graph shape %q", opts.graph)
		}
		if err != nil {
			return nil, fmt.Errorf("build %s graph: %w", opts.graph, err)
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// newHeap creates a heap, backed by wazero memory when asked.
func newHeap(ctx context.Context, types *heap.Types, wasm bool) (*heap.Heap, error) {
	if !wasm {
		return heap.New(types, heap.Options{}), nil
	}
	space, err := heap.NewWasmSpace(ctx, &heap.WasmConfig{InitialPages: 64})
	if err != nil {
		return nil, err
	}
	return heap.New(types, heap.Options{Space: space}), nil
}

func printProgress(log *zap.Logger) func(progress) {
	return func(p progress) {
		if !p.final {
			return
		}
		elapsed := p.elapsed.Round(time.Millisecond)
		rate := float64(p.bytes) / p.elapsed.Seconds() / (1 << 20)
		fmt.Printf("graphs: %d  objects: %d  bytes: %d  backrefs: %d\n", p.graphs, p.objects, p.bytes, p.backrefs)
		fmt.Printf("batches: %d  posted: %d  signaled: %d  heap requests: %d  truncated: %d\n",
			p.batches, p.posted, p.signaled, p.heapRequests, p.truncated)
		fmt.Printf("elapsed: %v  (%.1f MiB/s)\n", elapsed, rate)
		log.Debug("transfer finished", zap.Int("graphs", p.graphs), zap.Duration("elapsed", elapsed))
	}
}
