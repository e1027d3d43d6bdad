// Package server implements the compute protocol's HTTP surface: content
// negotiation, authorization, expression reconstruction, dispatch to the
// compute engine, and the error taxonomy clients rely on.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbordata/arbor/pkg/engine"
	"github.com/arbordata/arbor/pkg/expr"
	"github.com/arbordata/arbor/pkg/format"
	"github.com/arbordata/arbor/pkg/registry"
	"github.com/arbordata/arbor/pkg/telemetry"
)

// ResolveFunc turns a resource descriptor from an /add payload into a live
// dataset. The spider package provides the standard implementation.
type ResolveFunc func(descriptor any) (engine.Dataset, error)

// Options configure a Server. Registry is required; everything else has a
// working default.
type Options struct {
	Registry  registry.Registry
	Formats   *format.Registry
	Auth      Authorizer
	Profiling ProfileConfig
	Engine    engine.Engine
	// ExtraOperations is a secondary constructor namespace consulted after
	// the core catalogue and before the engine's.
	ExtraOperations map[string]expr.Constructor
	Resolve         ResolveFunc
	ComputeTimeout  time.Duration
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

// Server serves a dataset registry over the compute protocol. All fields
// are fixed at construction; the registry is the only collaborator that
// changes afterwards, and only through /add.
type Server struct {
	registry       registry.Registry
	formats        *format.Registry
	auth           Authorizer
	profiling      ProfileConfig
	engine         engine.Engine
	resolver       *expr.Resolver
	resolve        ResolveFunc
	computeTimeout time.Duration
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
}

// New validates the options and builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("server: a dataset registry is required")
	}
	if !opts.Profiling.Allowed && (opts.Profiling.Output != "" || opts.Profiling.ByDefault) {
		return nil, fmt.Errorf("server: cannot set profiler output or profile-by-default when profiling is not allowed")
	}
	if opts.Profiling.Allowed {
		if opts.Profiling.Output == "" {
			opts.Profiling.Output = defaultProfileDir
		}
		if opts.Profiling.Output != SinkResponse {
			if err := os.MkdirAll(opts.Profiling.Output, 0o755); err != nil {
				return nil, fmt.Errorf("server: ensure profiler output dir: %w", err)
			}
		}
	}

	formats := opts.Formats
	if formats == nil {
		formats = format.DefaultRegistry()
	}
	auth := opts.Auth
	if auth == nil {
		auth = AllowAll
	}
	eng := opts.Engine
	if eng == nil {
		eng = engine.NewInMemory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	resolve := opts.Resolve
	if resolve == nil {
		resolve = func(any) (engine.Dataset, error) {
			return nil, fmt.Errorf("no resource resolver configured")
		}
	}

	resolver := expr.NewResolver(
		expr.CoreCatalogue(),
		expr.MapCatalogue(opts.ExtraOperations),
		eng.Catalogue(),
	)

	metrics.SetDatasetCount(len(opts.Registry.Names()))

	return &Server{
		registry:       opts.Registry,
		formats:        formats,
		auth:           auth,
		profiling:      opts.Profiling,
		engine:         eng,
		resolver:       resolver,
		resolve:        resolve,
		computeTimeout: opts.ComputeTimeout,
		logger:         logger,
		metrics:        metrics,
		tracer:         otel.Tracer("arbor/server"),
	}, nil
}

// Handler assembles the HTTP routes. Every endpoint answers cross-origin
// callers; browser clients talk to the protocol directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /datashape", s.instrument("datashape", s.handleDatashape))
	mux.Handle("POST /compute", s.instrument("compute", s.handleCompute))
	mux.Handle("POST /add", s.instrument("add", s.handleAdd))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return allowAllOrigins(mux)
}

// allowAllOrigins opens every route to cross-origin requests and answers
// preflights without touching the mux.
func allowAllOrigins(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument wraps a handler with request logging and metrics.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		s.logger.Debug("received request",
			"endpoint", endpoint,
			"method", r.Method,
			"remote_addr", r.RemoteAddr,
		)

		h(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(endpoint, status, time.Since(start))
	})
}

// errorEnvelope is the JSON error model shared by every endpoint. It keeps
// a stable machine-readable code and never carries internal traces.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	status, code := classify(err)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="arbor"`)
	}

	var traceID string
	if span := trace.SpanFromContext(r.Context()); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
	}

	s.logger.Warn("request failed",
		"endpoint", endpoint,
		"status", status,
		"code", code,
		"error", err,
	)
	if endpoint == "compute" && status >= 500 {
		s.metrics.RecordComputeError(code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(errorEnvelope{
		Code:    code,
		Message: err.Error(),
		TraceID: traceID,
	}); encodeErr != nil {
		s.logger.Error("failed to encode error response", "error", encodeErr)
	}
}

// authorize runs the auth predicate; a nil Credentials means the request
// carried none.
func (s *Server) authorize(r *http.Request) error {
	if !s.auth(credentialsFromRequest(r)) {
		return ErrUnauthorized
	}
	return nil
}

// statusRecorder tracks the response status and suppresses duplicate
// WriteHeader calls.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
