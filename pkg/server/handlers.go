package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/arbordata/arbor/pkg/engine"
	"github.com/arbordata/arbor/pkg/format"
	"github.com/arbordata/arbor/pkg/registry"
)

// handleDatashape renders the inferred type of the whole hosted registry
// as plain text.
func (s *Server) handleDatashape(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.writeError(w, r, "datashape", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.registry.Shape().String())
}

// handleAdd merges newly resolved resources into the live registry.
// Merging is best effort per entry: descriptors that resolve are
// installed, descriptors that do not are reported by name, and the two
// precondition failures (immutable registry, non-mapping payload) reject
// the whole request with 422.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.writeError(w, r, "add", err)
		return
	}

	serial, err := s.formats.Negotiate(r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, "add", err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, "add", fmt.Errorf("%w: %s", format.ErrMalformedPayload, err))
		return
	}
	raw, err := serial.Decode(body)
	if err != nil {
		s.writeError(w, r, "add", err)
		return
	}

	mutable, ok := s.registry.(registry.Mutable)
	if !ok {
		s.writeError(w, r, "add", fmt.Errorf("%w: registry is %T", ErrRegistryNotMutable, s.registry))
		return
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		s.writeError(w, r, "add", fmt.Errorf("%w: got %T", ErrPayloadNotMapping, raw))
		return
	}

	resolved := make(map[string]engine.Dataset, len(payload))
	failed := make(map[string]string)
	for name, descriptor := range payload {
		ds, err := s.resolve(descriptor)
		if err != nil {
			failed[name] = err.Error()
			continue
		}
		resolved[name] = ds
	}
	mutable.Merge(resolved)
	s.metrics.SetDatasetCount(len(s.registry.Names()))

	s.logger.Info("registry updated", "merged", len(resolved), "failed", len(failed))

	if len(failed) == 0 {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "OK")
		return
	}
	out, err := serial.Encode(map[string]any{"status": "OK", "failed": failed})
	if err != nil {
		s.writeError(w, r, "add", fmt.Errorf("response encoding failed: %w", err))
		return
	}
	w.Header().Set("Content-Type", format.MediaType(serial.Name()))
	if _, err := w.Write(out); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
