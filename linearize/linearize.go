package linearize

import (
	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/internal/frontier"
	"github.com/wippyai/graphwire/interval"
	"github.com/wippyai/graphwire/wire"
)

// Budget bounds one batch. A zero field is unbounded. The check happens
// before each pop, so a batch may end one object past the byte budget.
type Budget struct {
	Objects uint32
	Bytes   uint32
	// BackRefs bounds the back-references of a batch, and with them the
	// size of its metadata message.
	BackRefs uint32
}

// Unbounded linearizes everything in one batch.
var Unbounded = Budget{}

// Options configures a Linearizer.
type Options struct {
	Policy graphwire.Policy
	// NoBackRefs skips deduplication. Only valid for trees.
	NoBackRefs bool
	// MaxIntervalBytes caps interval merging so an interval always fits
	// in one receive region.
	MaxIntervalBytes uint32
	// Verify folds every visit into a digest carried by each batch.
	Verify bool
}

// Root describes what a linearization started from.
type Root struct {
	Type     graphwire.TypeID
	Length   uint32
	Roots    int
	Array    bool
	Iterable bool
}

// Batch is the output of one Linearize call.
type Batch struct {
	Intervals []interval.Interval
	BackRefs  []wire.BackRef
	Token     uint32
	Objects   uint32
	Bytes     uint32
	// Offset is the stream offset of the batch's first payload byte.
	Offset    uint32
	LastVisit uint32
	Digest    uint64
	Done      bool
}

// Linearizer turns an object graph into an ordered byte stream of
// intervals plus back-references to objects already in the stream.
type Linearizer struct {
	model    graphwire.Model
	index    *interval.Index
	frontier *frontier.Frontier[graphwire.Ref]
	digest   *wire.Digest
	fields   []graphwire.Field
	batch    Batch
	root     Root
	opts     Options

	visit    uint32
	backrefs uint32
	token    uint32
	started  bool
	done     bool
}

// New creates a Linearizer over model.
func New(model graphwire.Model, opts Options) *Linearizer {
	l := &Linearizer{
		model: model,
		opts:  opts,
		index: interval.New(interval.Options{
			NoBackRefs: opts.NoBackRefs,
			MaxLength:  opts.MaxIntervalBytes,
		}),
		frontier: frontier.New[graphwire.Ref](opts.Policy),
		token:    wire.FirstToken - 1,
	}
	if opts.Verify {
		l.digest = wire.NewDigest()
	}
	return l
}

// Options returns the linearizer's configuration.
func (l *Linearizer) Options() Options { return l.opts }

func (l *Linearizer) reset() {
	l.index.Reset()
	l.frontier.Reset(l.opts.Policy)
	if l.digest != nil {
		l.digest.Reset()
	}
	l.visit = 0
	l.backrefs = 0
	l.root = Root{}
	l.started = true
	l.done = false
}

// Init starts a new linearization from root. Intervals and back-references
// of any previous linearization are forgotten.
func (l *Linearizer) Init(root graphwire.Ref) error {
	if root == graphwire.Nil {
		return errors.InvalidInput(errors.PhaseLinearize, "nil root")
	}
	l.reset()
	l.root.Roots = 1
	kind, err := l.model.KindOf(root)
	if err != nil {
		return l.fail(err, "root kind")
	}
	if kind == graphwire.KindArray {
		typ, err := l.model.TypeOf(root)
		if err != nil {
			return l.fail(err, "root type")
		}
		l.fields, err = l.model.Fields(root, l.fields[:0])
		if err != nil {
			return l.fail(err, "root elements")
		}
		l.root.Array = true
		l.root.Type = typ
		l.root.Length = uint32(len(l.fields))
	}
	l.frontier.Push(root)
	return nil
}

// InitIterable starts a linearization of several roots sharing one stream.
// The receiver yields them in order. Nil roots are not allowed.
func (l *Linearizer) InitIterable(roots []graphwire.Ref) error {
	if len(roots) == 0 {
		return errors.InvalidInput(errors.PhaseLinearize, "no roots")
	}
	if l.opts.Policy != graphwire.DFS {
		return errors.InvalidInput(errors.PhaseLinearize, "iterable sends require depth first traversal")
	}
	l.reset()
	l.root.Roots = len(roots)
	l.root.Iterable = true
	for i := len(roots) - 1; i >= 0; i-- {
		if roots[i] == graphwire.Nil {
			return errors.InvalidInput(errors.PhaseLinearize, "nil root")
		}
		l.frontier.Push(roots[i])
	}
	return nil
}

// Root returns a description of the current linearization's root.
func (l *Linearizer) Root() Root { return l.root }

// Done reports whether the frontier is exhausted.
func (l *Linearizer) Done() bool { return l.done }

// Linearize advances the traversal until the frontier is empty or the
// budget is reached, producing a new Batch. It returns true when the
// linearization is complete. Calling it again after false resumes exactly
// where the previous batch stopped.
func (l *Linearizer) Linearize(budget Budget) (bool, error) {
	if !l.started {
		return false, errors.New(errors.PhaseLinearize, errors.KindInvalidInput).
			Detail("Linearize before Init").
			Build()
	}
	if l.done {
		return true, nil
	}

	l.index.StartBatch()
	l.token = wire.NextToken(l.token)
	b := &l.batch
	b.Intervals = b.Intervals[:0]
	b.BackRefs = b.BackRefs[:0]
	b.Token = l.token
	b.Offset = l.index.TotalBytes()

	for l.frontier.Len() > 0 {
		if budget.Objects > 0 && l.index.BatchObjects() >= budget.Objects {
			break
		}
		if budget.Bytes > 0 && l.index.BatchBytes() >= budget.Bytes {
			break
		}
		if budget.BackRefs > 0 && uint32(len(b.BackRefs)) >= budget.BackRefs {
			break
		}
		if err := l.step(l.frontier.Pop()); err != nil {
			return false, err
		}
	}

	l.done = l.frontier.Len() == 0
	b.Intervals = l.index.Batch(b.Intervals)
	b.Objects = l.index.BatchObjects()
	b.Bytes = l.index.BatchBytes()
	b.LastVisit = l.visit
	b.Done = l.done
	if l.digest != nil {
		b.Digest = l.digest.Sum()
	}
	return l.done, nil
}

func (l *Linearizer) step(n graphwire.Ref) error {
	l.visit++

	length, err := l.model.ByteLength(n)
	if err != nil {
		return l.fail(err, "object length")
	}
	off, seen, err := l.index.Handle(l.model.Address(n), length)
	if err != nil {
		return l.fail(err, "interval index")
	}
	if seen {
		l.backrefs++
		l.batch.BackRefs = append(l.batch.BackRefs, wire.BackRef{Visit: l.visit, Offset: off})
		if l.digest != nil {
			l.digest.Fold(l.visit, wire.VisitBackRef, off, 0)
		}
		return nil
	}

	if l.digest != nil {
		typ, err := l.model.TypeOf(n)
		if err != nil {
			return l.fail(err, "object type")
		}
		l.digest.Fold(l.visit, wire.VisitNew, length, uint64(typ))
	}

	kind, err := l.model.KindOf(n)
	if err != nil {
		return l.fail(err, "object kind")
	}
	if kind == graphwire.KindLeaf {
		return nil
	}
	l.fields, err = l.model.Fields(n, l.fields[:0])
	if err != nil {
		return l.fail(err, "object fields")
	}
	frontier.PushChildren(l.frontier, kind, l.fields, func(f graphwire.Field) graphwire.Ref { return f.Target })
	return nil
}

func (l *Linearizer) fail(err error, what string) error {
	if errors.IsKind(err, errors.KindInvariant) || errors.IsKind(err, errors.KindOverflow) {
		if e, ok := err.(*errors.Error); ok && !e.HasPosition {
			e.Offset, e.Visit, e.Objects, e.HasPosition = uint64(l.index.TotalBytes()), l.visit, l.index.Objects(), true
		}
		return err
	}
	return errors.New(errors.PhaseLinearize, errors.KindInvariant).
		Cause(err).
		At(uint64(l.index.TotalBytes()), l.visit, l.index.Objects()).
		Detail("host model failed: %s", what).
		Build()
}

// Batch returns the batch produced by the last Linearize call. It is
// overwritten by the next call.
func (l *Linearizer) Batch() *Batch { return &l.batch }

// Visits returns the global visit counter.
func (l *Linearizer) Visits() uint32 { return l.visit }

// Objects returns the number of distinct objects emitted so far.
func (l *Linearizer) Objects() uint32 { return l.index.Objects() }

// Bytes returns the stream length emitted so far.
func (l *Linearizer) Bytes() uint32 { return l.index.TotalBytes() }

// BackRefs returns the number of back-references emitted so far.
func (l *Linearizer) BackRefs() uint32 { return l.backrefs }

// Segments returns the number of intervals emitted so far.
func (l *Linearizer) Segments() int { return l.index.Segments() }

// IndexStats returns the interval index lookup counters.
func (l *Linearizer) IndexStats() interval.Stats { return l.index.Stats() }

// Compact copies the payload of b into dst in stream order.
func Compact(src graphwire.Source, b *Batch, dst []byte) ([]byte, error) {
	for _, iv := range b.Intervals {
		data, err := src.ReadRange(iv.Addr, iv.Length)
		if err != nil {
			return dst, errors.Wrap(errors.PhaseLinearize, errors.KindOutOfBounds, err, "read interval")
		}
		dst = append(dst, data...)
	}
	return dst, nil
}
