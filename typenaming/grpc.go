package typenaming

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/typebridge"
)

// ServiceName is the gRPC service exposing a type catalog.
const ServiceName = "graphwire.typenaming.v1.Naming"

const nameOfMethod = "/" + ServiceName + "/NameOf"

// namingServer is the handler type of the service description.
type namingServer interface {
	nameOf(ctx context.Context, id *wrapperspb.UInt64Value) (*wrapperspb.StringValue, error)
}

func nameOfHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(namingServer).nameOf(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: nameOfMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(namingServer).nameOf(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*namingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NameOf", Handler: nameOfHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "graphwire/typenaming.proto",
}

// Server serves a catalog over gRPC together with the standard health
// service.
type Server struct {
	catalog typebridge.Catalog
	server  *grpc.Server
	health  *health.Server
}

// NewServer creates a gRPC server for catalog.
func NewServer(catalog typebridge.Catalog, opts ...grpc.ServerOption) *Server {
	s := &Server{
		catalog: catalog,
		server:  grpc.NewServer(opts...),
		health:  health.NewServer(),
	}
	s.server.RegisterService(&serviceDesc, s)
	grpc_health_v1.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) nameOf(_ context.Context, id *wrapperspb.UInt64Value) (*wrapperspb.StringValue, error) {
	name, ok := s.catalog.Name(graphwire.TypeID(id.GetValue()))
	if !ok {
		return nil, status.Errorf(codes.NotFound, "type %d is not in the catalog", id.GetValue())
	}
	return wrapperspb.String(name), nil
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	Logger().Info("serving type catalog", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return errors.Wrap(errors.PhaseNaming, errors.KindClosed, err, "serve")
	}
	return nil
}

// Stop drains in-flight calls, forcing the stop when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-ctx.Done():
		Logger().Warn("type catalog graceful stop timed out")
		s.server.Stop()
	case <-done:
	}
}

// Client queries a remote catalog over gRPC.
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewClient wraps an established connection. A zero timeout leaves
// deadlines to the caller's context.
func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

// NameOf implements typebridge.Namer.
func (c *Client) NameOf(ctx context.Context, id graphwire.TypeID) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, nameOfMethod, wrapperspb.UInt64(uint64(id)), out); err != nil {
		if status.Code(err) == codes.NotFound {
			return "", notFound(id)
		}
		return "", errors.New(errors.PhaseNaming, errors.KindCompletion).
			Value(id).
			Cause(err).
			Detail("remote name lookup").
			Build()
	}
	return out.GetValue(), nil
}

// Healthy asks the remote health service whether the naming service is
// serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := grpc_health_v1.NewHealthClient(c.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, errors.Wrap(errors.PhaseNaming, errors.KindCompletion, err, "health check")
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}
