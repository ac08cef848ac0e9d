package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/linearize"
	"github.com/wippyai/graphwire/transport"
	"github.com/wippyai/graphwire/typebridge"
)

// SenderHost is the sending process's object model and memory.
type SenderHost interface {
	graphwire.Model
	graphwire.Source
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	Linearize linearize.Options
	Transport transport.Options
}

// SenderStats combines traversal and session counters.
type SenderStats struct {
	Transport transport.SenderStats
	Graphs    uint64
	Objects   uint64
	Bytes     uint64
	BackRefs  uint64
	Visits    uint64
}

// Sender linearizes graphs and sends them over one session.
type Sender struct {
	host    SenderHost
	lopts   linearize.Options
	lin     *linearize.Linearizer
	session *transport.Sender
	stats   SenderStats
}

// NewSender creates a sender. A Table bridge announces its type list in the
// first message; other bridges are not needed on the sending side and may
// be nil.
func NewSender(link transport.Link, host SenderHost, bridge *typebridge.Bridge, opts SenderOptions) (*Sender, error) {
	topts := opts.Transport
	if bridge != nil && bridge.Strategy() == typebridge.Table {
		topts.TypeTable = bridge.Entries()
	}
	if topts.Pinner == nil {
		if p, ok := host.(graphwire.Pinner); ok {
			topts.Pinner = p
		}
	}
	session, err := transport.NewSender(link, host, topts)
	if err != nil {
		return nil, err
	}
	return &Sender{
		host:    host,
		lopts:   opts.Linearize,
		session: session,
	}, nil
}

// Start waits for the receiver's hello. Without a configured
// MaxIntervalBytes, intervals are capped at the receiver's region size so
// each one fits a single region.
func (s *Sender) Start(ctx context.Context) error {
	if err := s.session.Start(ctx); err != nil {
		return err
	}
	if s.lin == nil {
		if s.lopts.MaxIntervalBytes == 0 {
			s.lopts.MaxIntervalBytes = s.session.SegmentBytes()
		}
		s.lin = linearize.New(s.host, s.lopts)
	}
	return nil
}

// Options returns the traversal options in effect.
func (s *Sender) Options() linearize.Options { return s.lopts }

// Send transmits the graph reachable from root and waits until every work
// request of it completed.
func (s *Sender) Send(ctx context.Context, root graphwire.Ref) error {
	h, err := s.SendAsync(ctx, root)
	if err != nil {
		return err
	}
	return s.session.Wait(ctx, h)
}

// SendAsync transmits the graph reachable from root without waiting for
// completions. Zero-copy source ranges stay pinned until the handle is done.
func (s *Sender) SendAsync(ctx context.Context, root graphwire.Ref) (*transport.Handle, error) {
	if s.lin == nil {
		return nil, errors.InvalidInput(errors.PhaseTransport, "send before Start")
	}
	if err := s.lin.Init(root); err != nil {
		return nil, err
	}
	return s.send(ctx)
}

// SendIterable transmits several graphs in one stream. Objects shared
// between them are sent once. The receiver yields the roots in order.
func (s *Sender) SendIterable(ctx context.Context, roots []graphwire.Ref) error {
	if s.lin == nil {
		return errors.InvalidInput(errors.PhaseTransport, "send before Start")
	}
	if err := s.lin.InitIterable(roots); err != nil {
		return err
	}
	h, err := s.send(ctx)
	if err != nil {
		return err
	}
	return s.session.Wait(ctx, h)
}

func (s *Sender) send(ctx context.Context) (*transport.Handle, error) {
	h, err := s.session.SendAsync(ctx, s.lin)
	if err != nil {
		return nil, err
	}
	s.stats.Graphs++
	s.stats.Objects += uint64(s.lin.Objects())
	s.stats.Bytes += uint64(s.lin.Bytes())
	s.stats.BackRefs += uint64(s.lin.BackRefs())
	s.stats.Visits += uint64(s.lin.Visits())
	Logger().Debug("graph sent",
		zap.Int("roots", s.lin.Root().Roots),
		zap.Uint32("objects", s.lin.Objects()),
		zap.Uint32("bytes", s.lin.Bytes()),
		zap.Uint32("backrefs", s.lin.BackRefs()),
		zap.Int("segments", s.lin.Segments()))
	return h, nil
}

// Test reports whether h completed without blocking.
func (s *Sender) Test(h *transport.Handle) (bool, error) { return s.session.Test(h) }

// Wait blocks until h completed.
func (s *Sender) Wait(ctx context.Context, h *transport.Handle) error {
	return s.session.Wait(ctx, h)
}

// Drain blocks until nothing is in flight.
func (s *Sender) Drain(ctx context.Context) error { return s.session.Drain(ctx) }

// Measure walks the graph under root without sending it.
func (s *Sender) Measure(root graphwire.Ref) (linearize.Stats, error) {
	return linearize.Measure(s.host, root, s.lopts.Policy)
}

// State returns the session's phase.
func (s *Sender) State() transport.State { return s.session.State() }

// Stats returns counters for every graph sent so far.
func (s *Sender) Stats() SenderStats {
	st := s.stats
	st.Transport = s.session.Stats()
	return st
}

// Close drains what is in flight and closes the link.
func (s *Sender) Close(ctx context.Context) error {
	err := s.session.Drain(ctx)
	if cerr := s.session.Close(); err == nil {
		err = cerr
	}
	if err != nil && !errors.IsKind(err, errors.KindClosed) {
		return err
	}
	return nil
}
