package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/reconstruct"
	"github.com/wippyai/graphwire/transport"
	"github.com/wippyai/graphwire/typebridge"
	"github.com/wippyai/graphwire/wire"
)

// ReceiverHost is the receiving process's object model and memory.
type ReceiverHost interface {
	reconstruct.Host
	transport.Host
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	Transport transport.ReceiverOptions
}

// ReceiverStats combines session, reconstruction and type counters.
type ReceiverStats struct {
	Transport   transport.ReceiverStats
	Reconstruct reconstruct.Stats
	Types       typebridge.Stats
	Graphs      uint64
	Objects     uint64
	Bytes       uint64
}

// Receiver rebuilds the graphs a Sender transmits.
type Receiver struct {
	host    ReceiverHost
	bridge  *typebridge.Bridge
	rec     *reconstruct.Reconstructor
	session *transport.Receiver

	first  wire.Header
	roots  []graphwire.Ref
	next   int
	stats  ReceiverStats
	fields []graphwire.Field
	fresh  bool
}

// NewReceiver creates a receiver materializing objects in host.
func NewReceiver(link transport.Link, host ReceiverHost, bridge *typebridge.Bridge, opts ReceiverOptions) (*Receiver, error) {
	if bridge == nil {
		return nil, errors.InvalidInput(errors.PhaseTypes, "receiver needs a type bridge")
	}
	r := &Receiver{
		host:   host,
		bridge: bridge,
		rec:    reconstruct.New(host, bridge),
		fresh:  true,
	}
	session, err := transport.NewReceiver(link, host, r, opts.Transport)
	if err != nil {
		return nil, err
	}
	r.session = session
	return r, nil
}

// Start grants the first regions and sends the hello.
func (r *Receiver) Start(ctx context.Context) error { return r.session.Start(ctx) }

// Receive blocks until the next graph is complete and returns its first
// root. The remaining roots of an iterable send are returned by Next.
func (r *Receiver) Receive(ctx context.Context) (graphwire.Ref, error) {
	if err := r.session.Receive(ctx); err != nil {
		return graphwire.Nil, err
	}
	r.next = 1
	return r.roots[0], nil
}

// Next returns the next root of the last graph. It returns false when all
// roots were returned.
func (r *Receiver) Next() (graphwire.Ref, bool) {
	if r.next >= len(r.roots) {
		return graphwire.Nil, false
	}
	ref := r.roots[r.next]
	r.next++
	return ref, true
}

// Roots returns every root of the last graph in send order.
func (r *Receiver) Roots() []graphwire.Ref { return r.roots }

// Stats returns counters for every graph received so far.
func (r *Receiver) Stats() ReceiverStats {
	st := r.stats
	st.Transport = r.session.Stats()
	st.Reconstruct = r.rec.Stats()
	st.Types = r.bridge.Stats()
	return st
}

// Close releases the receive regions and closes the link.
func (r *Receiver) Close() error { return r.session.Close() }

// Metadata implements transport.Sink.
func (r *Receiver) Metadata(ctx context.Context, m *wire.Message) error {
	if len(m.Types) > 0 {
		if r.bridge.Strategy() != typebridge.Table {
			Logger().Debug("ignoring type table on an on-demand bridge", zap.Int("entries", len(m.Types)))
		} else if err := r.bridge.Install(m.Types); err != nil {
			return err
		}
	}
	if r.fresh {
		r.first = m.Header
		policy := graphwire.DFS
		if m.Has(wire.FlagBFS) {
			policy = graphwire.BFS
		}
		r.rec.Reset(reconstruct.Options{
			Policy:   policy,
			Iterable: m.Has(wire.FlagIterable),
			Verify:   m.Has(wire.FlagVerify),
		})
		r.fresh = false
	} else if (m.Flags^r.first.Flags)&^wire.FlagDone != 0 {
		return errors.Protocol(errors.PhaseTransport, "batch flags %#x differ from the graph's %#x", m.Flags, r.first.Flags)
	}
	if err := r.rec.AddBackRefs(m.BackRefs); err != nil {
		return err
	}
	if m.PayloadBytes == 0 {
		return r.rec.Continue(ctx)
	}
	return nil
}

// Payload implements transport.Sink.
func (r *Receiver) Payload(ctx context.Context, addr uint64, length uint32) error {
	_, err := r.rec.PushRegion(ctx, addr, length)
	return err
}

// EndBatch implements transport.Sink.
func (r *Receiver) EndBatch(ctx context.Context, h *wire.Header) error {
	if h.Has(wire.FlagVerify) {
		if err := r.rec.CheckDigest(h.LastVisit, h.Digest); err != nil {
			return err
		}
	}
	if !h.Has(wire.FlagDone) {
		return nil
	}
	if err := r.rec.Finish(); err != nil {
		return err
	}
	r.fresh = true
	r.roots = append(r.roots[:0], r.rec.Roots()...)
	if h.Has(wire.FlagArray) {
		if err := r.checkArray(ctx, h); err != nil {
			return err
		}
	}
	st := r.rec.Stats()
	r.stats.Graphs++
	r.stats.Objects += uint64(st.Objects)
	r.stats.Bytes += uint64(st.Bytes)
	Logger().Debug("graph received",
		zap.Int("roots", len(r.roots)),
		zap.Uint32("objects", st.Objects),
		zap.Uint32("bytes", st.Bytes),
		zap.Uint32("backrefs", st.BackRefs),
		zap.Uint64("hint_hits", st.HintHits))
	return nil
}

// checkArray compares the rebuilt root with the array the sender announced.
func (r *Receiver) checkArray(ctx context.Context, h *wire.Header) error {
	root := r.roots[0]
	want, err := r.bridge.Resolve(ctx, graphwire.TypeID(h.ArrayType))
	if err != nil {
		return err
	}
	got, err := r.host.TypeOf(root)
	if err != nil {
		return errors.Wrap(errors.PhaseReconstruct, errors.KindInvalidData, err, "array root type")
	}
	if got != want {
		return errors.New(errors.PhaseReconstruct, errors.KindProtocol).
			Value(got).
			Detail("array root has type %d, header announced %d", got, want).
			Build()
	}
	r.fields, err = r.host.Fields(root, r.fields[:0])
	if err != nil {
		return errors.Wrap(errors.PhaseReconstruct, errors.KindInvalidData, err, "array root elements")
	}
	if n := uint32(len(r.fields)); n != h.ArrayLength {
		return errors.Protocol(errors.PhaseReconstruct, "array root has %d elements, header announced %d", n, h.ArrayLength)
	}
	return nil
}

var _ transport.Sink = (*Receiver)(nil)
