package transport

import (
	"context"
	"sync"

	"github.com/wippyai/graphwire/errors"
)

// PipeStats counts the traffic of one pipe end.
type PipeStats struct {
	Posted    uint64
	Signaled  uint64
	Delivered uint64
	Bytes     uint64
	// NotReady counts peer deliveries that found no posted receive and
	// waited for one.
	NotReady uint64
}

type registration struct {
	w      Writer
	addr   uint64
	length uint32
}

// PipeEnd is one end of an in-process Link. Both ends share one lock;
// each end is meant to be driven by its own goroutine.
type PipeEnd struct {
	mu      *sync.Mutex
	peer    *PipeEnd
	regs    map[uint32]registration
	notify  chan struct{}
	cq      []Completion
	held    []Completion
	inbound []Completion
	stats   PipeStats
	nextKey uint32
	posted  uint32
	hold    bool
	closed  bool
}

// NewPipe returns two connected ends. Writes are applied when posted, so a
// delivery always observes every earlier write.
func NewPipe() (*PipeEnd, *PipeEnd) {
	mu := &sync.Mutex{}
	a := newPipeEnd(mu)
	b := newPipeEnd(mu)
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd(mu *sync.Mutex) *PipeEnd {
	return &PipeEnd{
		mu:     mu,
		regs:   make(map[uint32]registration),
		notify: make(chan struct{}, 1),
	}
}

func (e *PipeEnd) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Post implements Link.
func (e *PipeEnd) Post(wr WorkRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.peer.closed {
		return errors.Closed(errors.PhaseTransport, "pipe")
	}
	e.stats.Posted++

	var failure error
	if wr.Op != OpSend {
		failure = e.peer.write(wr.Remote.Key, wr.Remote.Addr, wr.Data)
		if failure == nil {
			e.stats.Bytes += uint64(len(wr.Data))
		}
	}
	if failure == nil && wr.Op.ConsumesReceive() {
		c := Completion{Kind: Received, Imm: wr.Imm, Length: uint32(len(wr.Data))}
		if wr.Op == OpSend {
			c.Data = append([]byte(nil), wr.Data...)
		}
		e.peer.deliver(c)
	}
	if wr.Signaled || failure != nil {
		e.stats.Signaled++
		c := Completion{Kind: SendDone, ID: wr.ID}
		if failure != nil {
			c.Err = failure
		}
		e.complete(c)
	}
	return nil
}

func (e *PipeEnd) write(key uint32, addr uint64, data []byte) error {
	reg, ok := e.regs[key]
	if !ok {
		return errors.Protocol(errors.PhaseTransport, "write to unregistered key %d", key)
	}
	if addr < reg.addr || addr+uint64(len(data)) > reg.addr+uint64(reg.length) {
		return errors.OutOfBounds(errors.PhaseTransport, addr, uint64(len(data)), reg.addr+uint64(reg.length))
	}
	return reg.w.WriteRange(addr, data)
}

func (e *PipeEnd) deliver(c Completion) {
	e.stats.Delivered++
	if e.posted == 0 {
		e.stats.NotReady++
		e.inbound = append(e.inbound, c)
		return
	}
	e.posted--
	e.cq = append(e.cq, c)
	e.wake()
}

func (e *PipeEnd) complete(c Completion) {
	if e.hold {
		e.held = append(e.held, c)
		return
	}
	e.cq = append(e.cq, c)
	e.wake()
}

// Poll implements Link.
func (e *PipeEnd) Poll(dst []Completion) ([]Completion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dst = append(dst, e.cq...)
	e.cq = e.cq[:0]
	return dst, nil
}

// Wait implements Link.
func (e *PipeEnd) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		ready := len(e.cq) > 0
		closed := e.closed || e.peer.closed
		e.mu.Unlock()
		if ready {
			return nil
		}
		if closed {
			return errors.Closed(errors.PhaseTransport, "pipe")
		}
		select {
		case <-e.notify:
		case <-ctx.Done():
			return errors.Wrap(errors.PhaseTransport, errors.KindCanceled, ctx.Err(), "wait for completion")
		}
	}
}

// PostReceives implements Link.
func (e *PipeEnd) PostReceives(n uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Closed(errors.PhaseTransport, "pipe")
	}
	e.posted += n
	moved := false
	for e.posted > 0 && len(e.inbound) > 0 {
		e.posted--
		e.cq = append(e.cq, e.inbound[0])
		e.inbound = e.inbound[1:]
		moved = true
	}
	if moved {
		e.wake()
	}
	return nil
}

// Register implements Link.
func (e *PipeEnd) Register(addr uint64, length uint32, w Writer) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextKey++
	e.regs[e.nextKey] = registration{w: w, addr: addr, length: length}
	return e.nextKey, nil
}

// Deregister implements Link.
func (e *PipeEnd) Deregister(key uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.regs[key]; !ok {
		return errors.NotFound(errors.PhaseTransport, "registration")
	}
	delete(e.regs, key)
	return nil
}

// Close implements Link. The peer observes the close on its next Wait.
func (e *PipeEnd) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wake()
	e.peer.wake()
	return nil
}

// Hold defers local send completions until Release.
func (e *PipeEnd) Hold(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hold = on
}

// Release makes up to n held completions visible and returns how many were
// released. A negative n releases all.
func (e *PipeEnd) Release(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 || n > len(e.held) {
		n = len(e.held)
	}
	e.cq = append(e.cq, e.held[:n]...)
	e.held = e.held[n:]
	if n > 0 {
		e.wake()
	}
	return n
}

// Held returns the number of held completions.
func (e *PipeEnd) Held() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.held)
}

// Registrations returns the number of live registrations.
func (e *PipeEnd) Registrations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.regs)
}

// Stats returns traffic counters.
func (e *PipeEnd) Stats() PipeStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
