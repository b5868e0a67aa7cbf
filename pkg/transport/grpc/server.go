// Package grpc serves the node API over gRPC with a JSON codec. It mirrors
// the HTTP routes one method per route and reuses the transport payloads.
package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	hstatus "github.com/amirimatin/swarm-token-server/pkg/health"
	obsmetrics "github.com/amirimatin/swarm-token-server/pkg/observability/metrics"
	"github.com/amirimatin/swarm-token-server/pkg/observability/tracing"
	"github.com/amirimatin/swarm-token-server/pkg/transport"
)

const serviceName = "swarmtoken.v1.Node"

type empty struct{}

// TokenRequest selects the join token role.
type TokenRequest struct {
	Role string `json:"role"`
}

// Server implements transport.RPCServer over gRPC.
type Server struct {
	bind   string
	logger zerolog.Logger
	tlsCfg *tls.Config

	mu  sync.Mutex
	lis net.Listener
	srv *grpc.Server
	hs  *health.Server
}

func NewServer(bind string, logger zerolog.Logger) *Server {
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type nodeServer interface {
	handlers() transport.Handlers
}

type nodeImpl struct {
	h        transport.Handlers
	onHealth func(hstatus.Status)
}

func (n *nodeImpl) handlers() transport.Handlers { return n.h }

func (n *nodeImpl) health(ctx context.Context, _ *empty) (*transport.HealthResponse, error) {
	if n.h.LocalHealth == nil {
		return nil, status.Error(codes.Unimplemented, "Not Implemented")
	}
	out := n.h.LocalHealth(ctx)
	if n.onHealth != nil {
		n.onHealth(out.Status)
	}
	return &out, nil
}

func (n *nodeImpl) clusterHealth(ctx context.Context, _ *empty) (*transport.ClusterHealthResponse, error) {
	if n.h.ClusterHealth == nil {
		return nil, status.Error(codes.Unimplemented, "Not Implemented")
	}
	out, err := n.h.ClusterHealth(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &out, nil
}

func (n *nodeImpl) token(ctx context.Context, in *TokenRequest) (*transport.TokenResponse, error) {
	if n.h.Token == nil {
		return nil, status.Error(codes.Unimplemented, "Not Implemented")
	}
	out, err := n.h.Token(ctx, in.Role)
	if err != nil {
		return nil, toStatus(err)
	}
	return &out, nil
}

func (n *nodeImpl) nodes(ctx context.Context, _ *empty) (*transport.NodesResponse, error) {
	if n.h.Nodes == nil {
		return nil, status.Error(codes.Unimplemented, "Not Implemented")
	}
	out, err := n.h.Nodes(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &out, nil
}

func (n *nodeImpl) managers(ctx context.Context, _ *empty) (*transport.ManagersResponse, error) {
	if n.h.Managers == nil {
		return nil, status.Error(codes.Unimplemented, "Not Implemented")
	}
	out, err := n.h.Managers(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &out, nil
}

func (n *nodeImpl) reload(ctx context.Context, _ *empty) (*transport.ManagersResponse, error) {
	if n.h.Reload == nil {
		return nil, status.Error(codes.Unimplemented, "Not Implemented")
	}
	out, err := n.h.Reload(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &out, nil
}

// toStatus maps a handler error to a gRPC status carrying only the short
// message of a *transport.Error.
func toStatus(err error) error {
	var te *transport.Error
	if !errors.As(err, &te) {
		return status.Error(codes.Internal, "Internal Server Error")
	}
	switch te.Code {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, te.Message)
	case http.StatusNotFound:
		return status.Error(codes.NotFound, te.Message)
	case http.StatusNotImplemented:
		return status.Error(codes.Unimplemented, te.Message)
	case http.StatusServiceUnavailable:
		return status.Error(codes.Unavailable, te.Message)
	default:
		return status.Error(codes.Internal, te.Message)
	}
}

// unary builds a hand-written method descriptor for call.
func unary[Req, Resp any](name string, call func(*nodeImpl, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			n := srv.(*nodeImpl)
			if interceptor == nil {
				return call(n, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(n, ctx, req.(*Req))
			})
		},
	}
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*nodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Health", (*nodeImpl).health),
		unary("ClusterHealth", (*nodeImpl).clusterHealth),
		unary("Token", (*nodeImpl).token),
		unary("Nodes", (*nodeImpl).nodes),
		unary("Managers", (*nodeImpl).managers),
		unary("Reload", (*nodeImpl).reload),
	},
}

// interceptor records a span, the call metric and an access log line.
func (s *Server) interceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	ctx, end := tracing.StartSpan(ctx, "grpc"+info.FullMethod)
	defer end()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	obsmetrics.GRPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
	s.logger.Info().Str("method", info.FullMethod).Str("code", code.String()).Dur("duration", time.Since(start)).Msg("call")
	return resp, err
}

// Start listens on the bind address and serves h until ctx is canceled or
// Stop is called.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(s.interceptor),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	srv.RegisterService(&nodeServiceDesc, &nodeImpl{h: h, onHealth: s.SetServing})

	s.mu.Lock()
	s.lis, s.srv, s.hs = lis, srv, hs
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("grpc: server error")
		}
	}()
	return nil
}

// SetServing reports the local health through the standard gRPC health
// service. It is updated on every Health call.
func (s *Server) SetServing(st hstatus.Status) {
	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()
	if hs == nil {
		return
	}
	v := healthpb.HealthCheckResponse_NOT_SERVING
	if st == hstatus.StatusHealthy {
		v = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(serviceName, v)
}

// Addr returns the listening address once started, else the bind address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop stops gracefully, falling back to a hard stop after ctx or 2s.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	done := make(chan struct{})
	go func() { srv.GracefulStop(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	case <-time.After(2 * time.Second):
		srv.Stop()
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
