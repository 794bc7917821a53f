package resolver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/graph-automaton/internal/rule"
)

const (
	// ServiceName is the gRPC service remote rule servers expose.
	ServiceName = "vgauto.resolver.v1.Resolver"
	// ResolveMethod is the full method name of the unary Resolve call.
	ResolveMethod = "/" + ServiceName + "/Resolve"
)

// #region client
// GRPC resolves nodes on a remote rule server.
type GRPC struct {
	name string
	conn grpc.ClientConnInterface
	// closer is nil when the connection was injected.
	closer interface{ Close() error }
}

// NewGRPC connects to the rule server at addr.
func NewGRPC(name, addr string, opts ...grpc.DialOption) (*GRPC, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPC{name: name, conn: conn, closer: conn}, nil
}

// NewGRPCWithConn uses an existing connection, which the caller closes.
func NewGRPCWithConn(name string, conn grpc.ClientConnInterface) *GRPC {
	return &GRPC{name: name, conn: conn}
}

func (g *GRPC) Name() string { return g.name }

// Close shuts down an owned connection.
func (g *GRPC) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer.Close()
}

func (g *GRPC) Resolve(ctx context.Context, rc *rule.Context) (rule.Outcome, error) {
	return Instrument(ctx, g.name, rc, func(ctx context.Context) (rule.Outcome, error) {
		req, err := EncodeRequest(rc)
		if err != nil {
			return rule.Outcome{}, err
		}
		reply := &structpb.Struct{}
		if err := g.conn.Invoke(ctx, ResolveMethod, req, reply); err != nil {
			return rule.Outcome{}, fmt.Errorf("resolve rpc: %w", err)
		}
		return DecodeReply(reply)
	})
}

// #endregion client

// #region server
// ResolverServer is the server side of the Resolve service.
type ResolverServer interface {
	Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server exposes a Resolver, typically a Local rule, over gRPC.
type Server struct {
	backend Resolver
	log     zerolog.Logger
}

// NewServer serves backend.
func NewServer(backend Resolver, log zerolog.Logger) *Server {
	return &Server{backend: backend, log: log.With().Str("component", "resolver-server").Logger()}
}

// Register installs the service on s.
func (srv *Server) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, srv)
}

func (srv *Server) Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rc, err := DecodeRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := srv.backend.Resolve(ctx, rc)
	if err != nil {
		srv.log.Warn().Err(err).Uint64("node", uint64(rc.NodeID)).Msg("backend resolve failed")
		return nil, err
	}
	srv.log.Debug().Uint64("node", uint64(rc.NodeID)).Str("kind", out.Kind.String()).Msg("resolved")
	return EncodeReply(out)
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResolverServer).Resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResolveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ResolverServer).Resolve(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResolverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Resolve", Handler: resolveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vgauto/resolver/v1/resolver.proto",
}

// #endregion server
