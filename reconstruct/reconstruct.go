package reconstruct

import (
	"context"
	"sort"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/internal/frontier"
	"github.com/wippyai/graphwire/wire"
)

// Host is the receiver's object model. Objects arrive carrying the sender's
// type id; Bind replaces it with the local one, after which the Model
// methods answer for the object.
type Host interface {
	graphwire.Model
	RawType(r graphwire.Ref) (uint64, error)
	Bind(r graphwire.Ref, id graphwire.TypeID) error
	SetField(r graphwire.Ref, slot uint32, target graphwire.Ref) error
}

// TypeResolver maps a sender type id to a local type id.
type TypeResolver interface {
	Resolve(ctx context.Context, remote graphwire.TypeID) (graphwire.TypeID, error)
}

// Options configures one reconstruction. They must match the sender's.
type Options struct {
	Policy graphwire.Policy
	// Iterable accepts several roots in one stream.
	Iterable bool
	// Verify folds every visit into a digest compared by CheckDigest.
	Verify bool
}

// Stats counts reconstruction progress.
type Stats struct {
	Objects  uint32
	Bytes    uint32
	Received uint32
	BackRefs uint32
	Visits   uint32
	HintHits uint64
	Pending  int
}

// fixup is a pointer slot whose target has not been materialized yet.
type fixup struct {
	hint *hint
	obj  graphwire.Ref
	slot uint32
}

// hint caches the last remote type seen through one field of one type.
type hint struct {
	remote uint64
	local  graphwire.TypeID
	valid  bool
}

type hintKey struct {
	typ  graphwire.TypeID
	slot uint32
}

// span is a received byte range and its position in the stream.
type span struct {
	addr   uint64
	length uint32
	offset uint32
}

// Reconstructor rebuilds an object graph in place from the byte stream and
// back-references produced by a linearizer. It replays the sender's walk:
// every pending pointer slot popped is one visit; a visit with a matching
// back-reference points at an object already received, any other visit
// takes the next object from the stream.
type Reconstructor struct {
	host     Host
	types    TypeResolver
	pending  *frontier.Frontier[fixup]
	hints    map[hintKey]*hint
	digest   *wire.Digest
	spans    []span
	backrefs []wire.BackRef
	roots    []graphwire.Ref
	fields   []graphwire.Field
	opts     Options

	brNext   int
	cur      int
	received uint32
	cursor   uint32
	ref      uint32
	objects  uint32
	resolved uint32
	hintHits uint64
}

// New creates a Reconstructor writing into host and resolving types
// through types.
func New(host Host, types TypeResolver) *Reconstructor {
	r := &Reconstructor{
		host:    host,
		types:   types,
		pending: frontier.New[fixup](graphwire.DFS),
		hints:   make(map[hintKey]*hint),
	}
	r.Reset(Options{})
	return r
}

// Reset prepares for a new stream. Type hints survive; they only cache
// bindings that are fixed for the connection.
func (r *Reconstructor) Reset(opts Options) {
	r.opts = opts
	r.pending.Reset(opts.Policy)
	r.spans = r.spans[:0]
	r.backrefs = r.backrefs[:0]
	r.roots = r.roots[:0]
	r.brNext, r.cur = 0, 0
	r.received, r.cursor = 0, 0
	r.ref, r.objects, r.resolved = 0, 0, 0
	if opts.Verify {
		if r.digest == nil {
			r.digest = wire.NewDigest()
		}
		r.digest.Reset()
	}
}

// AddBackRefs appends the back-references of the next batch. They must be
// added before that batch's payload.
func (r *Reconstructor) AddBackRefs(refs []wire.BackRef) error {
	if n := len(r.backrefs); n > 0 && len(refs) > 0 && refs[0].Visit <= r.backrefs[n-1].Visit {
		return r.fail(errors.KindProtocol, "back-reference visit %d not after %d", refs[0].Visit, r.backrefs[n-1].Visit)
	}
	r.backrefs = append(r.backrefs, refs...)
	return nil
}

// PushRegion hands over length received bytes at addr, continuing the
// stream, and materializes as much of the graph as they allow. It returns
// the number of stream bytes consumed by this call.
func (r *Reconstructor) PushRegion(ctx context.Context, addr uint64, length uint32) (uint32, error) {
	before := r.cursor
	if length > 0 {
		r.spans = append(r.spans, span{addr: addr, length: length, offset: r.received})
		r.received += length
	}
	err := r.run(ctx)
	return r.cursor - before, err
}

// Continue resumes after AddBackRefs when no new bytes arrived.
func (r *Reconstructor) Continue(ctx context.Context) error {
	return r.run(ctx)
}

func (r *Reconstructor) run(ctx context.Context) error {
	for {
		if r.pending.Len() == 0 {
			if len(r.roots) > 0 && !r.opts.Iterable {
				return nil
			}
			r.ref++
			target, ok, err := r.resolve(ctx, nil)
			if err != nil {
				return err
			}
			if !ok {
				r.ref--
				return nil
			}
			r.roots = append(r.roots, target)
			continue
		}

		f := r.pending.Pop()
		r.ref++
		target, ok, err := r.resolve(ctx, f.hint)
		if err != nil {
			return err
		}
		if !ok {
			r.pending.Unpop(f)
			r.ref--
			return nil
		}
		if err := r.host.SetField(f.obj, f.slot, target); err != nil {
			return r.wrap(err, "store pointer")
		}
	}
}

// resolve returns the object for the current visit, or ok=false when it is
// a stream object that has not arrived yet.
func (r *Reconstructor) resolve(ctx context.Context, h *hint) (graphwire.Ref, bool, error) {
	if r.brNext < len(r.backrefs) {
		br := r.backrefs[r.brNext]
		if br.Visit < r.ref {
			return graphwire.Nil, false, r.fail(errors.KindBackRef, "back-reference for visit %d was skipped", br.Visit)
		}
		if br.Visit == r.ref {
			if br.Offset >= r.cursor {
				return graphwire.Nil, false, r.fail(errors.KindBackRef, "back-reference offset %d not yet materialized", br.Offset)
			}
			addr, ok := r.addrOf(br.Offset)
			if !ok {
				return graphwire.Nil, false, r.fail(errors.KindBackRef, "back-reference offset %d outside received data", br.Offset)
			}
			r.brNext++
			r.resolved++
			if r.digest != nil {
				r.digest.Fold(r.ref, wire.VisitBackRef, br.Offset, 0)
			}
			return graphwire.Ref(addr), true, nil
		}
	}

	for r.cur < len(r.spans) && r.cursor >= r.spans[r.cur].offset+r.spans[r.cur].length {
		r.cur++
	}
	if r.cursor >= r.received {
		return graphwire.Nil, false, nil
	}
	obj, err := r.materialize(ctx, h)
	return obj, err == nil, err
}

func (r *Reconstructor) materialize(ctx context.Context, h *hint) (graphwire.Ref, error) {
	sp := r.spans[r.cur]
	obj := graphwire.Ref(sp.addr + uint64(r.cursor-sp.offset))

	raw, err := r.host.RawType(obj)
	if err != nil {
		return graphwire.Nil, r.wrap(err, "read type word")
	}
	var local graphwire.TypeID
	if h != nil && h.valid && h.remote == raw {
		local = h.local
		r.hintHits++
	} else {
		local, err = r.types.Resolve(ctx, graphwire.TypeID(raw))
		if err != nil {
			return graphwire.Nil, r.position(err)
		}
		if h != nil {
			*h = hint{remote: raw, local: local, valid: true}
		}
	}
	if err := r.host.Bind(obj, local); err != nil {
		return graphwire.Nil, r.wrap(err, "bind type")
	}

	length, err := r.host.ByteLength(obj)
	if err != nil {
		return graphwire.Nil, r.wrap(err, "object length")
	}
	if end := sp.offset + sp.length; r.cursor+length > end {
		return graphwire.Nil, r.fail(errors.KindTruncated, "object of %d bytes crosses region end at %d", length, end)
	}
	if r.digest != nil {
		r.digest.Fold(r.ref, wire.VisitNew, length, raw)
	}
	r.cursor += length
	r.objects++

	kind, err := r.host.KindOf(obj)
	if err != nil {
		return graphwire.Nil, r.wrap(err, "object kind")
	}
	if kind == graphwire.KindLeaf {
		return obj, nil
	}
	r.fields, err = r.host.Fields(obj, r.fields[:0])
	if err != nil {
		return graphwire.Nil, r.wrap(err, "object fields")
	}
	frontier.PushChildren(r.pending, kind, r.fields, func(f graphwire.Field) fixup {
		return fixup{obj: obj, slot: f.Slot, hint: r.hintFor(local, f.Slot)}
	})
	return obj, nil
}

func (r *Reconstructor) hintFor(typ graphwire.TypeID, slot uint32) *hint {
	k := hintKey{typ: typ, slot: slot}
	h, ok := r.hints[k]
	if !ok {
		h = &hint{}
		r.hints[k] = h
	}
	return h
}

func (r *Reconstructor) addrOf(offset uint32) (uint64, bool) {
	i := sort.Search(len(r.spans), func(i int) bool {
		return r.spans[i].offset+r.spans[i].length > offset
	})
	if i == len(r.spans) || r.spans[i].offset > offset {
		return 0, false
	}
	return r.spans[i].addr + uint64(offset-r.spans[i].offset), true
}

// CheckDigest compares the receiver's replay with the sender's digest at
// the end of a batch. All of the batch's payload must have been pushed.
func (r *Reconstructor) CheckDigest(lastVisit uint32, digest uint64) error {
	if r.digest == nil {
		return nil
	}
	if r.ref != lastVisit {
		return r.fail(errors.KindBackRef, "replay reached visit %d, sender stopped at %d", r.ref, lastVisit)
	}
	if sum := r.digest.Sum(); sum != digest {
		return r.fail(errors.KindBackRef, "traversal digest %#x differs from sender's %#x", sum, digest)
	}
	return nil
}

// Complete reports whether every received byte and back-reference has been
// consumed and no pointer is pending.
func (r *Reconstructor) Complete() bool {
	return len(r.roots) > 0 &&
		r.pending.Len() == 0 &&
		r.cursor == r.received &&
		r.brNext == len(r.backrefs)
}

// Finish checks that the stream ended exactly where the graph did.
func (r *Reconstructor) Finish() error {
	switch {
	case len(r.roots) == 0:
		return r.fail(errors.KindTruncated, "stream ended before the root arrived")
	case r.pending.Len() > 0:
		return r.fail(errors.KindTruncated, "stream ended with %d pointers unresolved", r.pending.Len())
	case r.cursor != r.received:
		return r.fail(errors.KindProtocol, "%d received bytes were never reached", r.received-r.cursor)
	case r.brNext != len(r.backrefs):
		return r.fail(errors.KindProtocol, "%d back-references were never used", len(r.backrefs)-r.brNext)
	}
	return nil
}

// Root returns the first root, or Nil before it arrives.
func (r *Reconstructor) Root() graphwire.Ref {
	if len(r.roots) == 0 {
		return graphwire.Nil
	}
	return r.roots[0]
}

// Roots returns every root materialized so far.
func (r *Reconstructor) Roots() []graphwire.Ref { return r.roots }

// Visits returns the replay's visit counter.
func (r *Reconstructor) Visits() uint32 { return r.ref }

// Stats returns progress counters.
func (r *Reconstructor) Stats() Stats {
	return Stats{
		Objects:  r.objects,
		Bytes:    r.cursor,
		Received: r.received,
		BackRefs: r.resolved,
		Visits:   r.ref,
		HintHits: r.hintHits,
		Pending:  r.pending.Len(),
	}
}

func (r *Reconstructor) fail(kind errors.Kind, format string, args ...any) error {
	return errors.New(errors.PhaseReconstruct, kind).
		At(uint64(r.cursor), r.ref, r.objects).
		Detail(format, args...).
		Build()
}

func (r *Reconstructor) wrap(err error, what string) error {
	return errors.New(errors.PhaseReconstruct, errors.KindInvalidData).
		Cause(err).
		At(uint64(r.cursor), r.ref, r.objects).
		Detail("%s", what).
		Build()
}

func (r *Reconstructor) position(err error) error {
	if e, ok := err.(*errors.Error); ok && !e.HasPosition {
		e.Offset, e.Visit, e.Objects, e.HasPosition = uint64(r.cursor), r.ref, r.objects, true
	}
	return err
}
