package creatorrpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rendis/stagecraft/internal/assembly"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Server hosts in-process creator services behind the creator RPC.
type Server struct {
	services map[string]assembly.CreatorService
	logger   *slog.Logger
}

// NewServer hosts services by name. A nil logger means slog.Default().
func NewServer(logger *slog.Logger, services ...assembly.CreatorService) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{services: make(map[string]assembly.CreatorService, len(services)), logger: logger}
	for _, svc := range services {
		s.services[svc.Name()] = svc
	}
	return s
}

// Resolve runs the named service.
func (s *Server) Resolve(ctx context.Context, call *ResolveCall) (*schema.ResolveResponse, error) {
	svc, ok := s.services[call.Service]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "creator service %q is not hosted here", call.Service)
	}
	if call.Request == nil {
		return nil, status.Error(codes.InvalidArgument, "missing resolve request")
	}

	start := time.Now()
	resp, err := svc.Resolve(ctx, call.Request)
	log := s.logger.With(slog.String("service", call.Service),
		slog.Int("dependencies", len(call.Request.Dependencies)),
		slog.Duration("elapsed", time.Since(start)))
	if err != nil {
		log.WarnContext(ctx, "resolve failed", slog.String("error", err.Error()))
		return nil, toStatus(err)
	}
	if resp == nil {
		resp = &schema.ResolveResponse{}
	}
	resp.Service = call.Service
	log.DebugContext(ctx, "resolved", slog.Int("nodes", len(resp.Nodes)))
	return resp, nil
}

// Describe lists the hosted services sorted by name.
func (s *Server) Describe(context.Context, *DescribeRequest) (*DescribeResponse, error) {
	out := &DescribeResponse{Services: make([]ServiceInfo, 0, len(s.services))}
	for name, svc := range s.services {
		out.Services = append(out.Services, ServiceInfo{Name: name, Kinds: svc.Kinds()})
	}
	sort.Slice(out.Services, func(i, j int) bool { return out.Services[i].Name < out.Services[j].Name })
	return out, nil
}

// Serve registers the server on a new gRPC server and serves lis until ctx
// is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	RegisterCreatorServer(gs, s)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	s.logger.InfoContext(ctx, "creator server listening", slog.String("addr", lis.Addr().String()),
		slog.Int("services", len(s.services)))

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

var codeToStatus = map[string]codes.Code{
	schema.ErrCodeValidation:         codes.InvalidArgument,
	schema.ErrCodeNotFound:           codes.NotFound,
	schema.ErrCodeTimeout:            codes.DeadlineExceeded,
	schema.ErrCodeServiceUnavailable: codes.Unavailable,
	schema.ErrCodeCancelled:          codes.Canceled,
}

func toStatus(err error) error {
	if se, ok := schema.AsStageError(err); ok {
		if c, ok := codeToStatus[se.Code]; ok {
			return status.Error(c, se.Message)
		}
		return status.Error(codes.Internal, se.Message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Unknown, err.Error())
}
