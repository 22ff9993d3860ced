// Package api provides the REST API over the sketch registry.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fidde/cardinality_sketch/internal/observability"
	"github.com/fidde/cardinality_sketch/internal/registry"
	"github.com/fidde/cardinality_sketch/internal/storage"
	"github.com/fidde/cardinality_sketch/internal/storage/sessions"
	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Options configures the API server. Store and Sessions are optional; the
// routes that need them answer 503 when they are missing.
type Options struct {
	Addr     string
	Registry *registry.Registry
	Store    storage.Store
	Sessions *sessions.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	Version  string
}

// Server is the REST API server.
type Server struct {
	registry *registry.Registry
	store    storage.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	version  string
	router   *chi.Mux
	server   *http.Server
}

// PaginationParams contains pagination parameters from query string.
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps a paginated response with metadata.
type PaginatedResponse struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// parsePaginationParams extracts pagination parameters from request.
// Defaults: limit=100, offset=0, max_limit=1000
func parsePaginationParams(r *http.Request) PaginationParams {
	const (
		defaultLimit = 100
		maxLimit     = 1000
	)

	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return PaginationParams{Limit: limit, Offset: offset}
}

// paginateSlice applies pagination to a slice.
func paginateSlice[T any](items []T, params PaginationParams) PaginatedResponse {
	total := len(items)
	start := params.Offset
	if start >= total {
		return PaginatedResponse{
			Data:   []T{},
			Total:  total,
			Limit:  params.Limit,
			Offset: params.Offset,
		}
	}

	end := min(start+params.Limit, total)
	return PaginatedResponse{
		Data:    items[start:end],
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: end < total,
	}
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		registry: opts.Registry,
		store:    opts.Store,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		version:  opts.Version,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)

		r.Get("/sketches", s.listSketches)
		r.Post("/sketches", s.createSketch)
		r.Get("/sketches/{name}", s.getSketch)
		r.Delete("/sketches/{name}", s.deleteSketch)
		r.Post("/sketches/{name}/values", s.addValues)
		r.Get("/sketches/{name}/count", s.countSketch)
		r.Post("/sketches/{name}/merge", s.mergeSketch)
		r.Get("/sketches/{name}/raw", s.exportRaw)
		r.Put("/sketches/{name}/raw", s.importRaw)

		r.Post("/union", s.unionSketches)

		r.Post("/admin/snapshot", s.snapshot)
		r.Post("/admin/clear", s.clearAll)

		if opts.Sessions != nil {
			h := NewSessionHandler(opts.Sessions, opts.Registry, s.logger)
			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions", h.CreateSession)
			r.Post("/sessions/import", h.ImportSession)
			r.Get("/sessions/{name}", h.GetSessionMetadata)
			r.Delete("/sessions/{name}", h.DeleteSession)
			r.Post("/sessions/{name}/load", h.LoadSession)
			r.Get("/sessions/{name}/export", h.ExportSession)
		}
	})

	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics.Handler())
	}

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("API server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// nameParam returns the unescaped {name} URL parameter. Sketch names may
// contain '/', which clients send as %2F.
func nameParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "name"))
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyExists),
		errors.Is(err, hyperloglog.ErrIncompatibleSketch),
		errors.Is(err, hyperloglog.ErrWeightedUnsupported),
		errors.Is(err, registry.ErrTooManySketches),
		errors.Is(err, models.ErrTooManySessions):
		return http.StatusConflict
	case errors.Is(err, models.ErrSessionTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrInvalidName),
		errors.Is(err, models.ErrInvalidSessionName),
		errors.Is(err, hyperloglog.ErrInvalidPrecision),
		errors.Is(err, hyperloglog.ErrInvalidConfig),
		errors.Is(err, hyperloglog.ErrInvalidWeight),
		errors.Is(err, hyperloglog.ErrMalformedBuffer),
		errors.Is(err, hyperloglog.ErrBufferTooSmall),
		errors.Is(err, hyperloglog.ErrNoSketches),
		errors.Is(err, hyperloglog.ErrUnknownHash),
		errors.Is(err, hyperloglog.ErrUnknownVariant),
		errors.Is(err, registry.ErrWeightsMismatch),
		errors.Is(err, sessions.ErrEmptySession):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes err with the status statusFor picks.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	respondError(w, status, err.Error())
}
