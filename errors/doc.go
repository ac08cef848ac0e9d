// Package errors provides structured error types for graphwire.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries a detail message, a cause chain and, for stream divergence,
// the byte offset, visit index and object count where the problem was detected.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseReconstruct, errors.KindBackRef).
//		At(offset, visit, objects).
//		Detail("back-reference offset %d beyond received data", off).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Protocol(errors.PhaseWire, "unexpected message type %d", t)
//	err := errors.OutOfBounds(errors.PhaseHeap, addr, n, limit)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
