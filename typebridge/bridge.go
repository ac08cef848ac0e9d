package typebridge

import (
	"context"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/wire"
)

// Namer resolves a remote type id to its name. Implementations usually ask
// the peer process and may block.
type Namer interface {
	NameOf(ctx context.Context, remote graphwire.TypeID) (string, error)
}

// Catalog is the local type system.
type Catalog interface {
	Lookup(name string) (graphwire.TypeID, bool)
	Name(id graphwire.TypeID) (string, bool)
}

// Strategy selects how unknown remote ids are bound.
type Strategy uint8

const (
	// OnDemand asks the Namer the first time a remote id is seen.
	OnDemand Strategy = iota
	// Table uses a type list both endpoints registered in the same order.
	// The sender announces its ids once; no lookups happen afterwards.
	Table
)

func (s Strategy) String() string {
	if s == Table {
		return "table"
	}
	return "ondemand"
}

// Stats counts resolutions.
type Stats struct {
	Hits    uint64
	Lookups uint64
	Bound   int
}

// Bridge maps remote type ids of one connection to local type ids. A
// binding never changes once made. A Bridge is owned by one goroutine.
type Bridge struct {
	catalog  Catalog
	namer    Namer
	cache    map[graphwire.TypeID]graphwire.TypeID
	table    []graphwire.TypeID
	stats    Stats
	strategy Strategy
}

// NewOnDemand creates a bridge that resolves misses through namer.
func NewOnDemand(catalog Catalog, namer Namer) *Bridge {
	return &Bridge{
		catalog:  catalog,
		namer:    namer,
		cache:    make(map[graphwire.TypeID]graphwire.TypeID),
		strategy: OnDemand,
	}
}

// NewTable creates a bridge over a shared, ordered type name list. Every
// name must exist in the local catalog.
func NewTable(catalog Catalog, names []string) (*Bridge, error) {
	b := &Bridge{
		catalog:  catalog,
		cache:    make(map[graphwire.TypeID]graphwire.TypeID),
		table:    make([]graphwire.TypeID, len(names)),
		strategy: Table,
	}
	for i, name := range names {
		id, ok := catalog.Lookup(name)
		if !ok {
			return nil, errors.New(errors.PhaseTypes, errors.KindNotFound).
				Path(name).
				Detail("table type not defined locally").
				Build()
		}
		b.table[i] = id
	}
	return b, nil
}

// Strategy returns the bridge's strategy.
func (b *Bridge) Strategy() Strategy { return b.strategy }

// Stats returns resolution counters.
func (b *Bridge) Stats() Stats {
	s := b.stats
	s.Bound = len(b.cache)
	return s
}

// Resolve returns the local type bound to remote, binding it first if
// needed.
func (b *Bridge) Resolve(ctx context.Context, remote graphwire.TypeID) (graphwire.TypeID, error) {
	if local, ok := b.cache[remote]; ok {
		b.stats.Hits++
		return local, nil
	}
	if b.strategy == Table || b.namer == nil {
		return 0, errors.New(errors.PhaseTypes, errors.KindTypeUnresolved).
			Value(remote).
			Detail("remote type %d was never announced", remote).
			Build()
	}

	b.stats.Lookups++
	name, err := b.namer.NameOf(ctx, remote)
	if err != nil {
		return 0, errors.New(errors.PhaseTypes, errors.KindTypeUnresolved).
			Value(remote).
			Cause(err).
			Detail("naming lookup for remote type %d failed", remote).
			Build()
	}
	local, ok := b.catalog.Lookup(name)
	if !ok {
		return 0, errors.New(errors.PhaseTypes, errors.KindTypeUnresolved).
			Path(name).
			Value(remote).
			Detail("remote type %d has no local counterpart", remote).
			Build()
	}
	b.cache[remote] = local
	return local, nil
}

// Bind records remote -> local. Rebinding to a different local type is a
// protocol violation.
func (b *Bridge) Bind(remote, local graphwire.TypeID) error {
	if cur, ok := b.cache[remote]; ok {
		if cur != local {
			return errors.Protocol(errors.PhaseTypes, "remote type %d already bound to %d, not %d", remote, cur, local)
		}
		return nil
	}
	b.cache[remote] = local
	return nil
}

// Entries returns the announcement a sender transmits in Table mode: for
// every slot, the sender's local id of that slot's type.
func (b *Bridge) Entries() []wire.TypeEntry {
	out := make([]wire.TypeEntry, len(b.table))
	for i, id := range b.table {
		out[i] = wire.TypeEntry{Remote: uint64(id), Slot: uint32(i)}
	}
	return out
}

// Install binds the remote ids announced by a sender in Table mode.
func (b *Bridge) Install(entries []wire.TypeEntry) error {
	for _, e := range entries {
		if int(e.Slot) >= len(b.table) {
			return errors.Protocol(errors.PhaseTypes, "type table slot %d out of range (%d slots)", e.Slot, len(b.table))
		}
		if err := b.Bind(graphwire.TypeID(e.Remote), b.table[e.Slot]); err != nil {
			return err
		}
	}
	return nil
}
