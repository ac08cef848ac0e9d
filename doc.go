// Package graphwire moves live, possibly cyclic object graphs between two
// processes as raw byte ranges, rewriting only pointer-shaped fields.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	graphwire/           Root package with host capability interfaces
//	├── interval/        Address interval index deduplicating visited objects
//	├── linearize/       Sender traversal producing intervals and back-references
//	├── reconstruct/     Receiver replay rebuilding pointers in place
//	├── typebridge/      Remote to local type identity translation
//	├── typenaming/      Type naming services (in-process, gRPC, NATS, bbolt)
//	├── transport/       Credit flow controlled pipelined session over a Link
//	│   └── wslink/      WebSocket Link implementation
//	├── wire/            Metadata header and control message encoding
//	├── heap/            Simulated managed heap implementing the host capabilities
//	├── pipeline/        End-to-end Sender and Receiver
//	├── config/          YAML configuration
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
// Send a graph over an in-process pipe:
//
//	a, b := transport.NewPipe(transport.PipeOptions{Receives: 128})
//	rx := pipeline.NewReceiver(b, dstHeap, bridge, opts)
//	tx := pipeline.NewSender(a, srcHeap, opts)
//
//	go func() { root, err = rx.Receive(ctx) }()
//	if err := tx.Send(ctx, srcRoot); err != nil {
//	    log.Fatal(err)
//	}
//
// # Protocol
//
// The sender walks the graph depth first. Every object it has not seen is
// appended to the byte stream; every object it has seen becomes a
// back-reference (visit index, stream offset). The receiver walks the same
// order over the bytes it received and needs nothing else to rebuild every
// pointer. Types are identified per process and bridged by name.
//
// # Thread Safety
//
// Sessions, linearizers and reconstructors are owned by a single goroutine.
// Links are safe for use by the two goroutines driving either end.
package graphwire
