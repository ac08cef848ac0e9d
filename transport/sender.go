package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/linearize"
	"github.com/wippyai/graphwire/transport/internal/ring"
	"github.com/wippyai/graphwire/wire"
)

// SenderStats counts sender activity.
type SenderStats struct {
	Posted       uint64
	Signaled     uint64
	Queued       uint64
	Batches      uint64
	Sends        uint64
	PayloadBytes uint64
	StagedBytes  uint64
	DirectWrites uint64
	Truncated    uint64
	HeapRequests uint64
	// MaxPending is the deepest the pending queue got.
	MaxPending int
}

// Handle tracks one non-blocking send.
type Handle struct {
	err   error
	pins  []pinnedRange
	token uint32
	done  bool
}

type pinnedRange struct {
	addr   uint64
	length uint32
}

// Done reports whether the send completed, successfully or not.
func (h *Handle) Done() bool { return h.done }

// Err returns the send's failure, if any.
func (h *Handle) Err() error { return h.err }

// Token returns the session token of the send's last metadata message.
func (h *Handle) Token() uint32 { return h.token }

// queued is a work request plus the bookkeeping released by the completion
// that covers it.
type queued struct {
	handle     *Handle
	wr         WorkRequest
	stagingEnd uint64
	staged     bool
	signal     bool
}

type remoteRegion struct {
	wire.Region
	used uint32
}

// Sender pushes linearized graphs to a Receiver over a Link. A Sender is
// owned by one goroutine; progress happens only inside its methods.
type Sender struct {
	link    Link
	src     graphwire.Source
	opts    Options
	credits *Credits
	broken  error
	hello   *wire.Hello

	regions   []remoteRegion
	truncs    []wire.Truncation
	requested bool

	meta     *ring.Tracker
	metaRing wire.Region

	staging    []byte
	stWrite    uint64
	stFree     uint64
	chunkStart uint64
	chunkLen   uint32
	chunkOpen  bool

	pending     []queued
	outstanding []queued
	sinceSignal uint32
	nextID      uint64
	cq          []Completion
	msg         wire.Message
	handle      *Handle

	stats SenderStats
	state State
	// token is the last metadata token sent. The sequence spans every
	// send of the session.
	token     uint32
	typesSent bool
	started   bool
}

// NewSender creates a sender reading object bytes from src.
func NewSender(link Link, src graphwire.Source, opts Options) (*Sender, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Sender{
		link:    link,
		src:     src,
		opts:    opts,
		credits: NewCredits(opts.SendCredits),
		staging: make([]byte, opts.StagingBytes),
		token:   wire.FirstToken - 1,
	}, nil
}

// State returns the sender's phase.
func (s *Sender) State() State { return s.state }

// Stats returns activity counters.
func (s *Sender) Stats() SenderStats { return s.stats }

// Credits returns the credit account.
func (s *Sender) Credits() *Credits { return s.credits }

// Pending returns the number of queued work requests.
func (s *Sender) Pending() int { return len(s.pending) }

// Options returns the effective options.
func (s *Sender) Options() Options { return s.opts }

// SegmentBytes returns the receiver's region size announced in the hello,
// or 0 before Start.
func (s *Sender) SegmentBytes() uint32 {
	if s.hello == nil {
		return 0
	}
	return s.hello.SegmentBytes
}

// Start posts the control receives and blocks until the receiver's hello
// arrives.
func (s *Sender) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	if err := s.link.PostReceives(s.opts.ControlReceives); err != nil {
		return s.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, err, "post receives"))
	}
	for s.hello == nil {
		if err := s.progress(); err != nil {
			return err
		}
		if s.hello != nil {
			break
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	h := s.hello
	s.credits.Grant(h.Receives)
	for _, r := range h.Regions {
		s.regions = append(s.regions, remoteRegion{Region: r})
	}
	s.metaRing = h.Ring
	s.meta = ring.NewTracker(h.Ring.Length)
	s.started = true
	s.state = Idle
	Logger().Info("sender connected",
		zap.Uint32("receives", h.Receives),
		zap.Int("regions", len(h.Regions)),
		zap.Uint32("ring_bytes", h.Ring.Length),
		zap.Uint32("segment_bytes", h.SegmentBytes))
	return nil
}

// Send transmits a linearization prepared with Init or InitIterable and
// waits for its completion.
func (s *Sender) Send(ctx context.Context, lin *linearize.Linearizer) error {
	h, err := s.SendAsync(ctx, lin)
	if err != nil {
		return err
	}
	return s.Wait(ctx, h)
}

// SendAsync transmits every batch of lin and returns once all work requests
// are posted or queued. Source ranges written without copying stay pinned
// until the handle completes.
func (s *Sender) SendAsync(ctx context.Context, lin *linearize.Linearizer) (*Handle, error) {
	if s.broken != nil {
		return nil, s.broken
	}
	if !s.started {
		return nil, errors.InvalidInput(errors.PhaseTransport, "send before Start")
	}
	h := &Handle{}
	s.handle = h
	defer func() { s.handle = nil }()

	for {
		s.state = Traversing
		done, err := lin.Linearize(s.batchBudget())
		if err != nil {
			if errors.IsKind(err, errors.KindInvalidInput) {
				return nil, err
			}
			return nil, s.fail(err)
		}
		b := lin.Batch()
		if err := s.writeBatch(ctx, lin, b, h); err != nil {
			return nil, err
		}
		s.stats.Batches++
		s.state = Flushed
		if err := s.progress(); err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	s.stats.Sends++
	return h, nil
}

// Test makes progress without blocking and reports whether h completed.
func (s *Sender) Test(h *Handle) (bool, error) {
	if !h.done && s.broken == nil {
		if err := s.progress(); err != nil {
			return false, err
		}
	}
	if s.broken != nil && !h.done {
		return false, s.broken
	}
	return h.done, h.err
}

// Wait blocks until h completes.
func (s *Sender) Wait(ctx context.Context, h *Handle) error {
	for {
		done, err := s.Test(h)
		if err != nil || done {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

// Drain blocks until every queued and posted work request has completed.
func (s *Sender) Drain(ctx context.Context) error {
	if s.broken != nil {
		return s.broken
	}
	s.state = Draining
	for len(s.pending) > 0 || len(s.outstanding) > 0 {
		if err := s.progress(); err != nil {
			return err
		}
		if len(s.pending) == 0 && len(s.outstanding) == 0 {
			break
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	s.state = Done
	return nil
}

// Close closes the link.
func (s *Sender) Close() error {
	return s.link.Close()
}

// batchBudget tightens the configured budget so the batch's metadata
// message fits a quarter of the ring. Half of that room holds
// back-references and half holds truncations. A write carries at least one
// whole object and truncates at most one region per region held, so the
// truncation half bounds the objects of a batch.
func (s *Sender) batchBudget() linearize.Budget {
	b := s.opts.Budget
	var room uint32
	if q := s.meta.Size() / 4; q > wire.HeaderSize {
		room = q - wire.HeaderSize
	}
	if !s.typesSent {
		room -= min(room, uint32(16*len(s.opts.TypeTable)))
	}
	entries := max(room/2/8, 1)
	if b.BackRefs == 0 || b.BackRefs > entries {
		b.BackRefs = entries
	}
	held := max(uint32(len(s.regions)), s.opts.RegionRequest) + 1
	if objects := max(entries/held, 1); b.Objects == 0 || b.Objects > objects {
		b.Objects = objects
	}
	return b
}

func (s *Sender) writeBatch(ctx context.Context, lin *linearize.Linearizer, b *linearize.Batch, h *Handle) error {
	s.state = Writing
	for _, iv := range b.Intervals {
		data, err := s.src.ReadRange(iv.Addr, iv.Length)
		if err != nil {
			return s.fail(errors.Wrap(errors.PhaseTransport, errors.KindOutOfBounds, err, "read interval"))
		}
		if iv.Length < s.opts.CopyThreshold {
			if err := s.stage(ctx, data); err != nil {
				return err
			}
			continue
		}
		if err := s.flushChunk(ctx); err != nil {
			return err
		}
		if s.opts.Pinner != nil {
			if err := s.opts.Pinner.PinRange(iv.Addr, iv.Length); err != nil {
				return s.fail(errors.Wrap(errors.PhaseTransport, errors.KindInvalidInput, err, "pin source"))
			}
			h.pins = append(h.pins, pinnedRange{addr: iv.Addr, length: iv.Length})
		}
		if err := s.write(ctx, data, queued{}); err != nil {
			return err
		}
		s.stats.DirectWrites++
	}
	if err := s.flushChunk(ctx); err != nil {
		return err
	}
	s.stats.PayloadBytes += uint64(b.Bytes)
	return s.writeMetadata(ctx, lin, b, h)
}

// stage copies a small interval into the staging ring, flushing when the
// chunk is large enough.
func (s *Sender) stage(ctx context.Context, data []byte) error {
	if !s.chunkOpen {
		if err := s.openChunk(ctx); err != nil {
			return err
		}
	}
	pos := s.chunkStart%uint64(len(s.staging)) + uint64(s.chunkLen)
	copy(s.staging[pos:], data)
	s.chunkLen += uint32(len(data))
	s.stats.StagedBytes += uint64(len(data))
	if s.chunkLen >= s.opts.LowSendSize {
		return s.flushChunk(ctx)
	}
	return nil
}

// openChunk reserves room for the largest possible chunk, contiguous in
// the staging ring. The unused part is given back by flushChunk.
func (s *Sender) openChunk(ctx context.Context) error {
	size := uint64(len(s.staging))
	limit := uint64(s.opts.chunkLimit())
	for {
		pos := s.stWrite % size
		var skip uint64
		if pos+limit > size {
			skip = size - pos
		}
		if s.stWrite+skip+limit-s.stFree <= size {
			s.stWrite += skip
			s.chunkStart = s.stWrite
			s.chunkLen = 0
			s.chunkOpen = true
			return nil
		}
		if err := s.block(ctx); err != nil {
			return err
		}
	}
}

func (s *Sender) flushChunk(ctx context.Context) error {
	if !s.chunkOpen {
		return nil
	}
	s.chunkOpen = false
	s.stWrite = s.chunkStart + uint64(s.chunkLen)
	if s.chunkLen == 0 {
		return nil
	}
	pos := s.chunkStart % uint64(len(s.staging))
	data := s.staging[pos : pos+uint64(s.chunkLen)]
	return s.write(ctx, data, queued{staged: true, stagingEnd: s.stWrite})
}

// write places data at the front of the region queue.
func (s *Sender) write(ctx context.Context, data []byte, q queued) error {
	dst, err := s.regionFor(ctx, uint32(len(data)))
	if err != nil {
		return err
	}
	q.wr = WorkRequest{Op: OpWrite, Remote: dst, Data: data}
	return s.enqueue(ctx, q)
}

// regionFor returns where the next n bytes of the stream go, truncating
// regions too small to hold them and asking for more when none are left.
func (s *Sender) regionFor(ctx context.Context, n uint32) (wire.Region, error) {
	for {
		for len(s.regions) > 0 {
			r := &s.regions[0]
			if r.Length-r.used >= n {
				dst := wire.Region{Addr: r.Addr + uint64(r.used), Key: r.Key, Length: n}
				r.used += n
				if r.used == r.Length {
					s.regions = s.regions[1:]
				}
				return dst, nil
			}
			unused := r.Length - r.used
			s.truncs = append(s.truncs, wire.Truncation{Key: r.Key, Unused: unused})
			s.stats.Truncated += uint64(unused)
			debugf("truncate region %d: %d bytes unused, need %d", r.Key, unused, n)
			s.regions = s.regions[1:]
		}

		s.state = AllocatingRegion
		if !s.requested {
			if err := s.requestRegions(ctx, n); err != nil {
				return wire.Region{}, err
			}
		}
		if err := s.block(ctx); err != nil {
			return wire.Region{}, err
		}
	}
}

func (s *Sender) requestRegions(ctx context.Context, minBytes uint32) error {
	data, err := wire.AppendControl(nil, wire.HeapRequest{Count: s.opts.RegionRequest, MinBytes: minBytes})
	if err != nil {
		return s.fail(err)
	}
	s.requested = true
	s.stats.HeapRequests++
	return s.enqueue(ctx, queued{
		wr:     WorkRequest{Op: OpSend, Data: data, Imm: wire.Imm(wire.MsgHeapRequest, 0)},
		signal: true,
	})
}

func (s *Sender) writeMetadata(ctx context.Context, lin *linearize.Linearizer, b *linearize.Batch, h *Handle) error {
	root := lin.Root()
	lopts := lin.Options()

	m := &s.msg
	m.Reset()
	m.PayloadBytes = b.Bytes
	m.Objects = b.Objects
	m.LastVisit = b.LastVisit
	if b.Done {
		m.Flags |= wire.FlagDone
	}
	if root.Array {
		m.Flags |= wire.FlagArray
		m.ArrayType = uint64(root.Type)
		m.ArrayLength = root.Length
	}
	if root.Iterable {
		m.Flags |= wire.FlagIterable
	}
	if lopts.Policy == graphwire.BFS {
		m.Flags |= wire.FlagBFS
	}
	if lopts.Verify {
		m.Flags |= wire.FlagVerify
		m.Digest = b.Digest
	}
	m.Truncations = append(m.Truncations, s.truncs...)
	s.truncs = s.truncs[:0]
	if !s.typesSent {
		m.Types = append(m.Types, s.opts.TypeTable...)
		s.typesSent = true
	}
	m.BackRefs = append(m.BackRefs, b.BackRefs...)

	data := wire.AppendMessage(make([]byte, 0, m.Size()), m)
	n := uint32(len(data))
	// a quarter of the ring keeps a wrapped message placeable while the
	// receiver holds back a commit
	if n > s.meta.Size()/4 {
		return s.fail(errors.New(errors.PhaseTransport, errors.KindInvalidInput).
			Detail("metadata message of %d bytes exceeds a quarter of the %d byte ring; lower the batch budget", n, s.meta.Size()).
			Build())
	}
	var off uint32
	for {
		var ok bool
		if off, ok = s.meta.Reserve(n); ok {
			break
		}
		if err := s.block(ctx); err != nil {
			return err
		}
	}

	s.token = wire.NextToken(s.token)
	typ := wire.MsgMetadata
	q := queued{}
	if b.Done {
		typ = wire.MsgMetadataLast
		q.signal = true
		q.handle = h
		h.token = s.token
	}
	q.wr = WorkRequest{
		Op:     OpWriteImm,
		Remote: wire.Region{Addr: s.metaRing.Addr + uint64(off), Key: s.metaRing.Key, Length: n},
		Data:   data,
		Imm:    wire.Imm(typ, s.token),
	}
	debugf("metadata token=%d payload=%d backrefs=%d done=%v", s.token, b.Bytes, len(b.BackRefs), b.Done)
	return s.enqueue(ctx, q)
}

// enqueue posts q, or queues it behind earlier requests or when credits are
// exhausted. A full queue blocks until completions free credits.
func (s *Sender) enqueue(ctx context.Context, q queued) error {
	if s.broken != nil {
		return s.broken
	}
	if len(s.pending) == 0 && s.credits.Ready(q.wr.Op) {
		return s.post(q)
	}
	for len(s.pending) >= s.opts.PendingCapacity {
		prev := s.state
		s.state = AwaitingCredit
		if err := s.block(ctx); err != nil {
			return err
		}
		s.state = prev
	}
	s.pending = append(s.pending, q)
	s.stats.Queued++
	if len(s.pending) > s.stats.MaxPending {
		s.stats.MaxPending = len(s.pending)
	}
	return nil
}

func (s *Sender) post(q queued) error {
	s.credits.Take(q.wr.Op)
	s.sinceSignal++
	q.wr.Signaled = q.signal ||
		s.sinceSignal >= s.opts.SignalInterval ||
		s.credits.Send() == 0 ||
		len(s.pending) > 0
	s.nextID++
	q.wr.ID = s.nextID
	if q.wr.Signaled {
		s.sinceSignal = 0
		s.stats.Signaled++
	}
	if err := s.link.Post(q.wr); err != nil {
		return s.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, err, "post "+q.wr.Op.String()))
	}
	s.stats.Posted++
	s.outstanding = append(s.outstanding, q)
	return nil
}

// block makes progress, waiting on the link only when no completion
// arrived and nothing was posted.
func (s *Sender) block(ctx context.Context) error {
	moved, err := s.poll()
	if err != nil || moved {
		return err
	}
	return s.wait(ctx)
}

func (s *Sender) wait(ctx context.Context) error {
	if err := s.link.Wait(ctx); err != nil {
		return s.fail(err)
	}
	return nil
}

// progress drains the completion queue and posts queued requests that
// became ready. It never blocks.
func (s *Sender) progress() error {
	_, err := s.poll()
	return err
}

// poll is progress that also reports whether any completion was consumed
// or any queued request posted. Heap replies and ring commits change what
// the caller may do next without touching credits.
func (s *Sender) poll() (bool, error) {
	if s.broken != nil {
		return false, s.broken
	}
	var err error
	s.cq, err = s.link.Poll(s.cq[:0])
	if err != nil {
		return false, s.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, err, "poll"))
	}
	moved := len(s.cq) > 0
	for i := range s.cq {
		c := &s.cq[i]
		switch c.Kind {
		case SendDone:
			if c.Err != nil {
				return true, s.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, c.Err, "work request failed"))
			}
			if err := s.retire(c.ID); err != nil {
				return true, s.fail(err)
			}
		case Received:
			if err := s.link.PostReceives(1); err != nil {
				return true, s.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, err, "repost receive"))
			}
			if err := s.control(c); err != nil {
				return true, s.fail(err)
			}
		}
	}
	for len(s.pending) > 0 && s.credits.Ready(s.pending[0].wr.Op) {
		q := s.pending[0]
		s.pending = s.pending[1:]
		if err := s.post(q); err != nil {
			return true, err
		}
		moved = true
	}
	return moved, nil
}

// retire releases everything covered by the signaled request id.
func (s *Sender) retire(id uint64) error {
	n := 0
	for n < len(s.outstanding) && s.outstanding[n].wr.ID <= id {
		n++
	}
	if n == 0 || s.outstanding[n-1].wr.ID != id {
		return errors.Protocol(errors.PhaseTransport, "completion for unknown work request %d", id)
	}
	for _, q := range s.outstanding[:n] {
		if q.staged {
			s.stFree = q.stagingEnd
		}
		if q.handle != nil {
			s.finish(q.handle, nil)
		}
	}
	s.outstanding = s.outstanding[n:]
	return s.credits.Return(uint32(n))
}

func (s *Sender) finish(h *Handle, err error) {
	if h.done {
		return
	}
	h.done = true
	h.err = err
	if s.opts.Pinner != nil {
		for _, p := range h.pins {
			if uerr := s.opts.Pinner.UnpinRange(p.addr, p.length); uerr != nil {
				Logger().Warn("unpin source range failed", zap.Uint64("addr", p.addr), zap.Error(uerr))
			}
		}
	}
	h.pins = nil
}

func (s *Sender) control(c *Completion) error {
	typ, token := wire.SplitImm(c.Imm)
	switch typ {
	case wire.MsgHello:
		if s.hello != nil {
			return errors.Protocol(errors.PhaseTransport, "second hello")
		}
		var h wire.Hello
		if err := wire.DecodeControl(c.Data, &h); err != nil {
			return err
		}
		s.hello = &h
	case wire.MsgHeapReply:
		var r wire.HeapReply
		if err := wire.DecodeControl(c.Data, &r); err != nil {
			return err
		}
		for _, reg := range r.Regions {
			s.regions = append(s.regions, remoteRegion{Region: reg})
		}
		s.requested = false
		debugf("granted %d regions", len(r.Regions))
	case wire.MsgCommitOffset:
		if s.meta == nil || !s.meta.Release(token) {
			return errors.Protocol(errors.PhaseTransport, "metadata commit of %d bytes exceeds what was written", token)
		}
	case wire.MsgCommitReceives:
		s.credits.Grant(token)
	default:
		return errors.Protocol(errors.PhaseTransport, "unexpected %s from receiver", typ)
	}
	return nil
}

// fail breaks the session. Every later call returns err.
func (s *Sender) fail(err error) error {
	if s.broken != nil {
		return s.broken
	}
	s.broken = err
	s.state = Broken
	for _, q := range s.outstanding {
		if q.handle != nil {
			s.finish(q.handle, err)
		}
	}
	for _, q := range s.pending {
		if q.handle != nil {
			s.finish(q.handle, err)
		}
	}
	if s.handle != nil {
		s.finish(s.handle, err)
	}
	Logger().Error("sender broken", zap.Error(err))
	return err
}
