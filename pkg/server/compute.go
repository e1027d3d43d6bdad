package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arbordata/arbor/pkg/engine"
	"github.com/arbordata/arbor/pkg/expr"
	"github.com/arbordata/arbor/pkg/format"
	"github.com/arbordata/arbor/pkg/wire"
)

// leafAlias is the reserved namespace key bound to the hosted data for
// every compute request.
const leafAlias = ":leaf"

// requestPayload is the decoded body of a compute request.
type requestPayload struct {
	Expr               any
	Namespace          map[string]any
	ComputeOptions     map[string]any
	MaterializeOptions map[string]any
	Profile            *bool
	ProfilerOutput     string
}

func parsePayload(raw any) (*requestPayload, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload must be a mapping, got %T", format.ErrMalformedPayload, raw)
	}
	p := &requestPayload{}
	var err error
	if p.Expr, ok = m["expr"]; !ok {
		return nil, fmt.Errorf("%w: payload has no expr", format.ErrMalformedPayload)
	}
	if p.Namespace, err = optionalMapping(m, "namespace"); err != nil {
		return nil, err
	}
	if p.ComputeOptions, err = optionalMapping(m, "compute_options"); err != nil {
		return nil, err
	}
	if p.MaterializeOptions, err = optionalMapping(m, "materialize_options"); err != nil {
		return nil, err
	}
	if raw, ok := m["profile"]; ok {
		b, isBool := raw.(bool)
		if !isBool {
			return nil, fmt.Errorf("%w: profile must be a bool, got %T", format.ErrMalformedPayload, raw)
		}
		p.Profile = &b
	}
	if raw, ok := m["profiler_output"]; ok {
		s, isString := raw.(string)
		if !isString {
			return nil, fmt.Errorf("%w: profiler_output must be a string, got %T", format.ErrMalformedPayload, raw)
		}
		p.ProfilerOutput = s
	}
	return p, nil
}

func optionalMapping(m map[string]any, key string) (map[string]any, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	mapping, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a mapping, got %T", format.ErrMalformedPayload, key, raw)
	}
	return mapping, nil
}

// handleCompute runs the dispatch state machine for one request: negotiate,
// decode, profile setup, binding, execute, materialize, profile teardown,
// encode. Each step either advances or terminates with a classified error;
// there is no branching back.
func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.writeError(w, r, "compute", err)
		return
	}

	serial, err := s.formats.Negotiate(r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, "compute", err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, "compute", fmt.Errorf("%w: %s", format.ErrMalformedPayload, err))
		return
	}
	raw, err := serial.Decode(body)
	if err != nil {
		s.writeError(w, r, "compute", err)
		return
	}
	payload, err := parsePayload(raw)
	if err != nil {
		s.writeError(w, r, "compute", err)
		return
	}

	requestID := uuid.New().String()
	logger := s.logger.With("request_id", requestID)

	// Profiling policy, then scoped capture. The deferred Stop guarantees
	// the profiler is released on every exit path below, including
	// transport aborts.
	requestedOutput := payload.ProfilerOutput
	if requestedOutput == "" {
		requestedOutput = s.profiling.Output
	}
	wantsProfile := payload.Profile != nil && *payload.Profile
	profiling := s.profiling.Allowed &&
		(wantsProfile || (s.profiling.ByDefault && requestedOutput != ""))
	if wantsProfile && !s.profiling.Allowed {
		s.writeError(w, r, "compute", ErrProfilingDisabled)
		return
	}

	var prof *capture
	if profiling {
		if s.profiling.Output == SinkResponse && requestedOutput != SinkResponse {
			s.writeError(w, r, "compute", ErrProfilingSinkForbidden)
			return
		}
		if prof, err = startCapture(); err != nil {
			s.writeError(w, r, "compute", err)
			return
		}
		defer prof.Stop()
	}

	// Bind the designated leaf to the hosted data and rebuild the tree.
	namespace := make(map[string]any, len(payload.Namespace)+1)
	for alias, value := range payload.Namespace {
		namespace[alias] = value
	}
	leaf := expr.SymbolOf("leaf", s.registry.Shape())
	namespace[leafAlias] = leaf

	decoded, err := wire.FromTree(payload.Expr, wire.DecodeOptions{
		Namespace: namespace,
		Resolver:  s.resolver,
	})
	if err != nil {
		s.writeError(w, r, "compute", err)
		return
	}
	root, ok := decoded.(expr.Expr)
	if !ok {
		s.writeError(w, r, "compute", fmt.Errorf("%w: got %T", ErrBadExpression, decoded))
		return
	}
	leaves := expr.Leaves(root)
	if len(leaves) != 1 {
		s.writeError(w, r, "compute", fmt.Errorf("%w: found %d", ErrMultipleLeaves, len(leaves)))
		return
	}

	ctx := r.Context()
	if s.computeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.computeTimeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "compute")
	defer span.End()
	span.SetAttributes(
		attribute.String("arbor.expr.op", root.Op()),
		attribute.String("arbor.request_id", requestID),
	)

	logger.Info("computing expression", "expr", root.Text(), "format", serial.Name())

	binding := map[*expr.Symbol]engine.Dataset{leaves[0]: s.registry}
	result, err := s.engine.Compute(ctx, root, binding, payload.ComputeOptions)
	if err != nil {
		span.RecordError(err)
		s.writeError(w, r, "compute", fmt.Errorf("computation failed: %w", err))
		return
	}

	materialized, err := serial.Materialize(result, root.Shape(), payload.MaterializeOptions)
	if err != nil {
		span.RecordError(err)
		s.writeError(w, r, "compute", fmt.Errorf("materialization failed: %w", err))
		return
	}

	response := map[string]any{
		"datashape": root.Shape().String(),
		"data":      materialized,
		"names":     root.Fields(),
	}

	if prof != nil {
		prof.Stop()
		if requestedOutput == SinkResponse {
			response["profiler_output"] = prof.Bytes()
		} else {
			path, err := writeProfile(requestedOutput, root, prof.Bytes())
			if err != nil {
				s.writeError(w, r, "compute", fmt.Errorf("profile persistence failed: %w", err))
				return
			}
			logger.Debug("profile written", "path", path)
		}
	}

	out, err := serial.Encode(response)
	if err != nil {
		s.writeError(w, r, "compute", fmt.Errorf("response encoding failed: %w", err))
		return
	}
	w.Header().Set("Content-Type", format.MediaType(serial.Name()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}
