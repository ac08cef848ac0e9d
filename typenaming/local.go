package typenaming

import (
	"context"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/typebridge"
)

// Local names types from a catalog in the same process.
type Local struct {
	catalog typebridge.Catalog
}

// NewLocal returns a namer backed by catalog.
func NewLocal(catalog typebridge.Catalog) *Local {
	return &Local{catalog: catalog}
}

// NameOf implements typebridge.Namer.
func (l *Local) NameOf(ctx context.Context, id graphwire.TypeID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(errors.PhaseNaming, errors.KindCanceled, err, "name lookup")
	}
	name, ok := l.catalog.Name(id)
	if !ok {
		return "", notFound(id)
	}
	return name, nil
}

func notFound(id graphwire.TypeID) error {
	return errors.New(errors.PhaseNaming, errors.KindNotFound).
		Value(id).
		Detail("type %d is not in the catalog", id).
		Build()
}
