package receiver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/fidde/cardinality_sketch/internal/observability"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// maxBodySize limits decompressed request bodies.
const maxBodySize = 32 << 20

// HTTPReceiver handles OTLP HTTP requests.
type HTTPReceiver struct {
	pipeline
	server *http.Server
}

// NewHTTPReceiver creates a new HTTP receiver.
func NewHTTPReceiver(addr string, sink Sink, logger *slog.Logger, metrics *observability.Metrics) *HTTPReceiver {
	r := &HTTPReceiver{pipeline: newPipeline(sink, logger, metrics)}

	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return r
}

// Handler returns the OTLP/HTTP routes.
func (r *HTTPReceiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/metrics", r.handleMetrics)
	mux.HandleFunc("/v1/traces", r.handleTraces)
	mux.HandleFunc("/v1/logs", r.handleLogs)
	mux.HandleFunc("/health", r.handleHealth)
	return mux
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start() error {
	r.logger.Info("OTLP HTTP receiver listening", "addr", r.server.Addr)
	return r.server.ListenAndServe()
}

// Serve serves on an existing listener.
func (r *HTTPReceiver) Serve(lis net.Listener) error {
	r.logger.Info("OTLP HTTP receiver listening", "addr", lis.Addr().String())
	return r.server.Serve(lis)
}

// Shutdown gracefully shuts down the HTTP server.
func (r *HTTPReceiver) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

func (r *HTTPReceiver) handleMetrics(w http.ResponseWriter, req *http.Request) {
	var exportReq colmetricspb.ExportMetricsServiceRequest
	if !r.decode(w, req, &exportReq) {
		return
	}

	obs, err := r.metricsAnalyzer.Analyze(&exportReq)
	if err != nil {
		r.logger.Error("metrics analysis failed", "error", err)
		http.Error(w, fmt.Sprintf("Failed to analyze metrics: %v", err), http.StatusInternalServerError)
		return
	}

	rejected := r.deliver(models.SignalMetrics, obs)
	r.writeResponse(w, req, &colmetricspb.ExportMetricsServiceResponse{
		PartialSuccess: &colmetricspb.ExportMetricsPartialSuccess{ErrorMessage: rejectionMessage(rejected)},
	})
}

func (r *HTTPReceiver) handleTraces(w http.ResponseWriter, req *http.Request) {
	var exportReq coltracepb.ExportTraceServiceRequest
	if !r.decode(w, req, &exportReq) {
		return
	}

	obs, err := r.tracesAnalyzer.Analyze(&exportReq)
	if err != nil {
		r.logger.Error("trace analysis failed", "error", err)
		http.Error(w, fmt.Sprintf("Failed to analyze traces: %v", err), http.StatusInternalServerError)
		return
	}

	rejected := r.deliver(models.SignalTraces, obs)
	r.writeResponse(w, req, &coltracepb.ExportTraceServiceResponse{
		PartialSuccess: &coltracepb.ExportTracePartialSuccess{ErrorMessage: rejectionMessage(rejected)},
	})
}

func (r *HTTPReceiver) handleLogs(w http.ResponseWriter, req *http.Request) {
	var exportReq collogspb.ExportLogsServiceRequest
	if !r.decode(w, req, &exportReq) {
		return
	}

	obs, err := r.logsAnalyzer.Analyze(&exportReq)
	if err != nil {
		r.logger.Error("log analysis failed", "error", err)
		http.Error(w, fmt.Sprintf("Failed to analyze logs: %v", err), http.StatusInternalServerError)
		return
	}

	rejected := r.deliver(models.SignalLogs, obs)
	r.writeResponse(w, req, &collogspb.ExportLogsServiceResponse{
		PartialSuccess: &collogspb.ExportLogsPartialSuccess{ErrorMessage: rejectionMessage(rejected)},
	})
}

// decode reads the request body into msg and writes the error response when
// that fails. Protobuf is tried first (the OTLP default), then JSON.
func (r *HTTPReceiver) decode(w http.ResponseWriter, req *http.Request, msg proto.Message) bool {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	defer req.Body.Close()

	var reader io.Reader = req.Body
	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to decompress: %v", err), http.StatusBadRequest)
			return false
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodySize+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read body: %v", err), http.StatusBadRequest)
		return false
	}
	if len(body) > maxBodySize {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return false
	}

	if err := proto.Unmarshal(body, msg); err != nil {
		unmarshaler := protojson.UnmarshalOptions{DiscardUnknown: true}
		if jsonErr := unmarshaler.Unmarshal(body, msg); jsonErr != nil {
			r.logger.Warn("failed to parse OTLP request",
				"path", req.URL.Path,
				"content_type", req.Header.Get("Content-Type"),
				"protobuf_error", err,
				"json_error", jsonErr)
			http.Error(w, fmt.Sprintf("Failed to parse request: protobuf error: %v, json error: %v", err, jsonErr), http.StatusBadRequest)
			return false
		}
	}
	return true
}

func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeResponse answers in JSON when the request was JSON and in protobuf
// otherwise.
func (r *HTTPReceiver) writeResponse(w http.ResponseWriter, req *http.Request, resp proto.Message) {
	contentType := "application/x-protobuf"
	marshal := proto.Marshal
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		contentType = "application/json"
		marshal = protojson.Marshal
	}

	respBytes, err := marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(respBytes); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		r.logger.Debug("writing response", "error", err)
	}
}
