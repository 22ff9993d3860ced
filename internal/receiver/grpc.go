package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/fidde/cardinality_sketch/internal/observability"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// GRPCReceiver handles OTLP gRPC requests.
type GRPCReceiver struct {
	colmetricspb.UnimplementedMetricsServiceServer
	pipeline
	server   *grpc.Server
	listener net.Listener
	addr     string
}

// NewGRPCReceiver creates a new gRPC receiver.
func NewGRPCReceiver(addr string, sink Sink, logger *slog.Logger, metrics *observability.Metrics) *GRPCReceiver {
	r := &GRPCReceiver{
		pipeline: newPipeline(sink, logger, metrics),
		addr:     addr,
	}

	r.server = grpc.NewServer()

	// Register OTLP services with wrapper types to avoid method name conflicts
	colmetricspb.RegisterMetricsServiceServer(r.server, r)
	coltracepb.RegisterTraceServiceServer(r.server, &traceService{GRPCReceiver: r})
	collogspb.RegisterLogsServiceServer(r.server, &logsService{GRPCReceiver: r})

	// Register reflection service for debugging with grpcurl
	reflection.Register(r.server)

	return r
}

// Start listens on the configured address and serves until Shutdown.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return r.Serve(lis)
}

// Serve serves on an existing listener.
func (r *GRPCReceiver) Serve(lis net.Listener) error {
	r.listener = lis
	r.logger.Info("OTLP gRPC receiver listening", "addr", lis.Addr().String())
	return r.server.Serve(lis)
}

// Shutdown gracefully stops the server, forcing it when ctx expires first.
func (r *GRPCReceiver) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.server.Stop()
		return ctx.Err()
	}
}

// Export implements the MetricsService Export RPC.
func (r *GRPCReceiver) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	obs, err := r.metricsAnalyzer.Analyze(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to analyze metrics: %v", err)
	}

	rejected := r.deliver(models.SignalMetrics, obs)
	return &colmetricspb.ExportMetricsServiceResponse{
		PartialSuccess: &colmetricspb.ExportMetricsPartialSuccess{
			ErrorMessage: rejectionMessage(rejected),
		},
	}, nil
}

// traceService uses a separate type to avoid method name conflicts.
type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	*GRPCReceiver
}

// Export implements the TraceService Export RPC.
func (s *traceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	obs, err := s.tracesAnalyzer.Analyze(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to analyze traces: %v", err)
	}

	rejected := s.deliver(models.SignalTraces, obs)
	return &coltracepb.ExportTraceServiceResponse{
		PartialSuccess: &coltracepb.ExportTracePartialSuccess{
			ErrorMessage: rejectionMessage(rejected),
		},
	}, nil
}

// logsService uses a separate type to avoid method name conflicts.
type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	*GRPCReceiver
}

// Export implements the LogsService Export RPC.
func (s *logsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	obs, err := s.logsAnalyzer.Analyze(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to analyze logs: %v", err)
	}

	rejected := s.deliver(models.SignalLogs, obs)
	return &collogspb.ExportLogsServiceResponse{
		PartialSuccess: &collogspb.ExportLogsPartialSuccess{
			ErrorMessage: rejectionMessage(rejected),
		},
	}, nil
}
