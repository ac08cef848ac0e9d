package transport

import (
	"context"

	"github.com/wippyai/graphwire/wire"
)

// Op is the operation of a work request.
type Op uint8

const (
	// OpWrite places Data at Remote without notifying the peer.
	OpWrite Op = iota
	// OpWriteImm places Data at Remote and delivers Imm to the peer,
	// consuming one of its posted receives.
	OpWriteImm
	// OpSend delivers Data and Imm to the peer, consuming one of its
	// posted receives.
	OpSend
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpWriteImm:
		return "write-imm"
	case OpSend:
		return "send"
	}
	return "unknown"
}

// ConsumesReceive reports whether the peer sees the operation.
func (o Op) ConsumesReceive() bool { return o != OpWrite }

// WorkRequest is one operation posted to a Link. Data must stay unchanged
// until a signaled completion covering the request arrives.
type WorkRequest struct {
	Data     []byte
	Remote   wire.Region
	ID       uint64
	Imm      uint32
	Op       Op
	Signaled bool
}

// CompletionKind tells local completions from peer deliveries.
type CompletionKind uint8

const (
	// SendDone completes a signaled work request posted locally.
	SendDone CompletionKind = iota
	// Received reports a peer OpWriteImm or OpSend.
	Received
)

// Completion is an entry of a Link's completion queue.
type Completion struct {
	// Err is set when a local work request failed; the link is then
	// unusable.
	Err  error
	Data []byte
	ID   uint64
	// Length is the number of bytes a received operation carried.
	Length uint32
	Imm    uint32
	Kind   CompletionKind
}

// Writer stores bytes into registered local memory.
type Writer interface {
	WriteRange(addr uint64, data []byte) error
}

// Link is a reliable, ordered, segmented transport between two endpoints.
// Work requests complete in posting order. Writes land in the peer's
// registered memory before any later operation is delivered.
type Link interface {
	// Post submits a work request without blocking.
	Post(wr WorkRequest) error
	// Poll appends available completions to dst without blocking.
	Poll(dst []Completion) ([]Completion, error)
	// Wait blocks until a completion may be available.
	Wait(ctx context.Context) error
	// PostReceives makes n more receives available to the peer.
	PostReceives(n uint32) error
	// Register exposes local memory to the peer's writes.
	Register(addr uint64, length uint32, w Writer) (uint32, error)
	// Deregister revokes a registration.
	Deregister(key uint32) error
	Close() error
}
