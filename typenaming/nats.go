package typenaming

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/typebridge"
)

// DefaultSubject is the request subject a catalog answers on.
const DefaultSubject = "graphwire.types.name"

// DefaultTimeout bounds a name request without a context deadline.
const DefaultTimeout = 2 * time.Second

// Requests carry the type id as 8 little endian bytes. Replies carry the
// name; an empty reply means unknown.

// Responder answers name requests for a catalog on a NATS subject.
type Responder struct {
	catalog typebridge.Catalog
	sub     *nats.Subscription
}

// NewResponder subscribes catalog to subject on nc. Requests from several
// responders in the same queue group are load balanced.
func NewResponder(nc *nats.Conn, subject, queue string, catalog typebridge.Catalog) (*Responder, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	r := &Responder{catalog: catalog}
	handler := func(m *nats.Msg) {
		var reply []byte
		if len(m.Data) == 8 {
			id := graphwire.TypeID(binary.LittleEndian.Uint64(m.Data))
			if name, ok := r.catalog.Name(id); ok {
				reply = []byte(name)
			}
		}
		if err := m.Respond(reply); err != nil {
			Logger().Warn("name reply failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	}
	var err error
	if queue != "" {
		r.sub, err = nc.QueueSubscribe(subject, queue, handler)
	} else {
		r.sub, err = nc.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, errors.Wrap(errors.PhaseNaming, errors.KindInvalidInput, err, "subscribe "+subject)
	}
	Logger().Info("answering type names", zap.String("subject", subject))
	return r, nil
}

// Close stops answering.
func (r *Responder) Close() error {
	return r.sub.Unsubscribe()
}

// NATSClient queries a catalog exposed by a Responder.
type NATSClient struct {
	nc      *nats.Conn
	subject string
}

// NewNATSClient creates a client requesting on subject.
func NewNATSClient(nc *nats.Conn, subject string) *NATSClient {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSClient{nc: nc, subject: subject}
}

// NameOf implements typebridge.Namer. Without a deadline on ctx the request
// gives up after DefaultTimeout.
func (c *NATSClient) NameOf(ctx context.Context, id graphwire.TypeID) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	var req [8]byte
	binary.LittleEndian.PutUint64(req[:], uint64(id))
	msg, err := c.nc.RequestWithContext(ctx, c.subject, req[:])
	if err != nil {
		return "", errors.New(errors.PhaseNaming, errors.KindCompletion).
			Value(id).
			Cause(err).
			Detail("name request on %s", c.subject).
			Build()
	}
	if len(msg.Data) == 0 {
		return "", notFound(id)
	}
	return string(msg.Data), nil
}
