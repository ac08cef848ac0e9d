package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/transport/internal/ring"
	"github.com/wippyai/graphwire/wire"
)

// Host provides receive memory: buffers to grant as regions and the writer
// the link stores remote writes through.
type Host interface {
	graphwire.Buffers
	Writer
}

// Sink consumes the batches of each graph as they become complete.
type Sink interface {
	// Metadata is called once per batch, before its payload.
	Metadata(ctx context.Context, m *wire.Message) error
	// Payload hands over the next stream bytes of the current batch. Calls
	// never split an object.
	Payload(ctx context.Context, addr uint64, length uint32) error
	// EndBatch is called after the batch's payload was handed over.
	EndBatch(ctx context.Context, h *wire.Header) error
}

// ReceiverStats counts receiver activity.
type ReceiverStats struct {
	Batches      uint64
	Graphs       uint64
	PayloadBytes uint64
	Granted      uint64
	Retired      uint64
	Truncated    uint64
	Reposted     uint64
	Commits      uint64
}

type localRegion struct {
	buf      graphwire.Buffer
	key      uint32
	capacity uint32
	used     uint32
}

type ringMemory []byte

func (m ringMemory) WriteRange(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(m)) {
		return errors.OutOfBounds(errors.PhaseTransport, addr, uint64(len(data)), uint64(len(m)))
	}
	copy(m[addr:], data)
	return nil
}

// Receiver accepts graphs from a Sender, granting receive regions and
// forwarding each batch to a Sink. A Receiver is owned by one goroutine.
type Receiver struct {
	link Link
	host Host
	sink Sink
	opts ReceiverOptions

	ring    ringMemory
	ringKey uint32
	reader  *ring.Reader

	regions []localRegion
	retired []localRegion

	inbox    []*wire.Message
	spare    []*wire.Message
	cq       []Completion
	broken   error
	stats    ReceiverStats
	token    uint32
	consumed uint32
	nextID   uint64
	started  bool
	complete bool
}

// NewReceiver creates a receiver granting regions from host and delivering
// batches to sink.
func NewReceiver(link Link, host Host, sink Sink, opts ReceiverOptions) (*Receiver, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Receiver{
		link:   link,
		host:   host,
		sink:   sink,
		opts:   opts,
		reader: ring.NewReader(opts.MetadataRingBytes),
		token:  wire.FirstToken,
	}, nil
}

// Stats returns activity counters.
func (r *Receiver) Stats() ReceiverStats { return r.stats }

// Regions returns the number of granted regions still in use.
func (r *Receiver) Regions() int { return len(r.regions) + len(r.retired) }

// Start registers the metadata ring, grants the first regions, posts the
// receive window and sends the hello.
func (r *Receiver) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	r.ring = make(ringMemory, r.opts.MetadataRingBytes)
	key, err := r.link.Register(0, r.opts.MetadataRingBytes, r.ring)
	if err != nil {
		return r.fail(errors.Wrap(errors.PhaseTransport, errors.KindAllocation, err, "register metadata ring"))
	}
	r.ringKey = key

	regions, err := r.grant(r.opts.Regions, 0)
	if err != nil {
		return r.fail(err)
	}
	if err := r.link.PostReceives(r.opts.Receives); err != nil {
		return r.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, err, "post receives"))
	}
	hello := wire.Hello{
		Regions:      regions,
		Ring:         wire.Region{Addr: 0, Key: key, Length: r.opts.MetadataRingBytes},
		Receives:     r.opts.Receives,
		SegmentBytes: r.opts.SegmentSize,
	}
	if err := r.sendControl(wire.MsgHello, 0, hello); err != nil {
		return err
	}
	r.started = true
	Logger().Info("receiver ready",
		zap.Uint32("receives", r.opts.Receives),
		zap.Int("regions", len(regions)),
		zap.Uint32("ring_bytes", r.opts.MetadataRingBytes))
	return nil
}

// Receive blocks until the next graph has been delivered to the sink.
func (r *Receiver) Receive(ctx context.Context) error {
	if !r.started {
		return errors.InvalidInput(errors.PhaseTransport, "receive before Start")
	}
	r.complete = false
	for {
		if err := r.Progress(ctx); err != nil {
			return err
		}
		if r.complete {
			return nil
		}
		if err := r.link.Wait(ctx); err != nil {
			return r.fail(err)
		}
	}
}

// Progress handles available completions and delivers the batches they
// complete, stopping at the end of a graph. It never blocks on the link.
func (r *Receiver) Progress(ctx context.Context) error {
	if r.broken != nil {
		return r.broken
	}
	var err error
	r.cq, err = r.link.Poll(r.cq[:0])
	if err != nil {
		return r.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, err, "poll"))
	}
	for i := range r.cq {
		c := &r.cq[i]
		switch c.Kind {
		case SendDone:
			if c.Err != nil {
				return r.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, c.Err, "work request failed"))
			}
		case Received:
			r.consumed++
			if err := r.handle(c); err != nil {
				return r.fail(err)
			}
		}
	}
	if err := r.repost(); err != nil {
		return err
	}
	return r.process(ctx)
}

func (r *Receiver) handle(c *Completion) error {
	typ, token := wire.SplitImm(c.Imm)
	switch typ {
	case wire.MsgMetadata, wire.MsgMetadataLast:
		if token != r.token {
			return errors.Protocol(errors.PhaseTransport, "metadata token %d, expected %d", token, r.token)
		}
		r.token = wire.NextToken(token)
		off, ok := r.reader.Next(c.Length)
		if !ok {
			return errors.Protocol(errors.PhaseTransport, "metadata message of %d bytes does not fit the ring", c.Length)
		}
		m := r.message()
		if err := wire.DecodeMessage(r.ring[off:off+c.Length], m); err != nil {
			return err
		}
		if last := typ == wire.MsgMetadataLast; last != m.Has(wire.FlagDone) {
			return errors.Protocol(errors.PhaseTransport, "%s message with done flag %v", typ, m.Has(wire.FlagDone))
		}
		r.inbox = append(r.inbox, m)
		if r.reader.Uncommitted() >= r.opts.CommitBytes {
			return r.commitOffset()
		}
	case wire.MsgHeapRequest:
		var req wire.HeapRequest
		if err := wire.DecodeControl(c.Data, &req); err != nil {
			return err
		}
		regions, err := r.grant(req.Count, req.MinBytes)
		if err != nil {
			return err
		}
		return r.sendControl(wire.MsgHeapReply, 0, wire.HeapReply{Regions: regions})
	default:
		return errors.Protocol(errors.PhaseTransport, "unexpected %s from sender", typ)
	}
	return nil
}

func (r *Receiver) message() *wire.Message {
	if n := len(r.spare); n > 0 {
		m := r.spare[n-1]
		r.spare = r.spare[:n-1]
		return m
	}
	return &wire.Message{}
}

func (r *Receiver) commitOffset() error {
	n := r.reader.Commit()
	if n == 0 {
		return nil
	}
	r.stats.Commits++
	return r.post(WorkRequest{Op: OpSend, Imm: wire.Imm(wire.MsgCommitOffset, n)})
}

// repost replenishes the receive window once enough receives were consumed
// and tells the sender.
func (r *Receiver) repost() error {
	if r.consumed < r.opts.repostThreshold() {
		return nil
	}
	n := r.consumed
	r.consumed = 0
	if err := r.link.PostReceives(n); err != nil {
		return r.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, err, "post receives"))
	}
	r.stats.Reposted += uint64(n)
	if err := r.post(WorkRequest{Op: OpSend, Imm: wire.Imm(wire.MsgCommitReceives, n)}); err != nil {
		return r.fail(err)
	}
	return nil
}

// process delivers queued batches until the inbox is empty or a graph
// completes.
func (r *Receiver) process(ctx context.Context) error {
	for len(r.inbox) > 0 && !r.complete {
		m := r.inbox[0]
		if err := r.deliver(ctx, m); err != nil {
			return r.fail(err)
		}
		r.inbox = r.inbox[1:]
		r.spare = append(r.spare, m)
	}
	return nil
}

func (r *Receiver) deliver(ctx context.Context, m *wire.Message) error {
	if err := r.sink.Metadata(ctx, m); err != nil {
		return err
	}
	for _, t := range m.Truncations {
		if err := r.truncate(t); err != nil {
			return err
		}
	}
	remaining := m.PayloadBytes
	for remaining > 0 {
		if len(r.regions) == 0 {
			return errors.Protocol(errors.PhaseTransport, "%d payload bytes beyond granted regions", remaining)
		}
		reg := &r.regions[0]
		avail := reg.capacity - reg.used
		if avail == 0 {
			r.retire()
			continue
		}
		n := min(avail, remaining)
		if err := r.sink.Payload(ctx, reg.buf.Addr+uint64(reg.used), n); err != nil {
			return err
		}
		reg.used += n
		remaining -= n
		if reg.used == reg.capacity {
			r.retire()
		}
	}
	r.stats.PayloadBytes += uint64(m.PayloadBytes)
	r.stats.Batches++
	if err := r.sink.EndBatch(ctx, &m.Header); err != nil {
		return err
	}
	if m.Has(wire.FlagDone) {
		r.complete = true
		r.stats.Graphs++
		r.release()
		return r.commitOffset()
	}
	return nil
}

func (r *Receiver) truncate(t wire.Truncation) error {
	for i := range r.regions {
		reg := &r.regions[i]
		if reg.key != t.Key {
			continue
		}
		if t.Unused > reg.capacity-reg.used {
			return errors.Protocol(errors.PhaseTransport, "truncation of %d bytes in region %d with %d left", t.Unused, t.Key, reg.capacity-reg.used)
		}
		reg.capacity -= t.Unused
		r.stats.Truncated += uint64(t.Unused)
		return nil
	}
	return errors.Protocol(errors.PhaseTransport, "truncation of unknown region %d", t.Key)
}

// retire moves the front region to the retired list. Its objects stay in
// place; the region is released when the graph completes.
func (r *Receiver) retire() {
	r.retired = append(r.retired, r.regions[0])
	r.regions = r.regions[1:]
}

// release unpins and deregisters retired regions.
func (r *Receiver) release() {
	for _, reg := range r.retired {
		if err := r.link.Deregister(reg.key); err != nil {
			Logger().Warn("deregister region failed", zap.Uint32("key", reg.key), zap.Error(err))
		}
		if err := r.host.Unpin(reg.buf); err != nil {
			Logger().Warn("unpin region failed", zap.Uint64("buffer", reg.buf.ID), zap.Error(err))
		}
		r.stats.Retired++
	}
	r.retired = r.retired[:0]
}

// grant allocates, pins and registers n regions of at least minBytes.
func (r *Receiver) grant(n, minBytes uint32) ([]wire.Region, error) {
	size := max(r.opts.SegmentSize, minBytes)
	out := make([]wire.Region, 0, n)
	for i := uint32(0); i < n; i++ {
		buf, err := r.host.Allocate(size)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseTransport, errors.KindAllocation, err, "allocate region")
		}
		if err := r.host.Pin(buf); err != nil {
			return nil, errors.Wrap(errors.PhaseTransport, errors.KindAllocation, err, "pin region")
		}
		key, err := r.link.Register(buf.Addr, buf.Length, r.host)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseTransport, errors.KindAllocation, err, "register region")
		}
		r.regions = append(r.regions, localRegion{buf: buf, key: key, capacity: buf.Length})
		out = append(out, wire.Region{Addr: buf.Addr, Key: key, Length: buf.Length})
		r.stats.Granted++
	}
	debugf("granted %d regions of %d bytes", n, size)
	return out, nil
}

func (r *Receiver) sendControl(t wire.MsgType, token uint32, v any) error {
	data, err := wire.AppendControl(nil, v)
	if err != nil {
		return r.fail(err)
	}
	return r.post(WorkRequest{Op: OpSend, Data: data, Imm: wire.Imm(t, token)})
}

// post sends a signaled control request. The sender keeps its control
// receives posted, so these need no credit.
func (r *Receiver) post(wr WorkRequest) error {
	r.nextID++
	wr.ID = r.nextID
	wr.Signaled = true
	if err := r.link.Post(wr); err != nil {
		return r.fail(errors.Wrap(errors.PhaseTransport, errors.KindCompletion, err, "post "+wr.Op.String()))
	}
	return nil
}

// Close releases every region and closes the link.
func (r *Receiver) Close() error {
	r.release()
	for _, reg := range r.regions {
		_ = r.link.Deregister(reg.key)
		_ = r.host.Unpin(reg.buf)
	}
	r.regions = nil
	return r.link.Close()
}

func (r *Receiver) fail(err error) error {
	if r.broken != nil {
		return r.broken
	}
	r.broken = err
	Logger().Error("receiver broken", zap.Error(err))
	return err
}
