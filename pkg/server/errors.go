package server

import (
	"errors"

	"github.com/arbordata/arbor/pkg/expr"
	"github.com/arbordata/arbor/pkg/format"
	"github.com/arbordata/arbor/pkg/wire"

	"github.com/arbordata/arbor/pkg/engine"
)

// Protocol error kinds. Every failure surfaced to a client maps onto
// exactly one of these; nothing propagates past the dispatch handler.
var (
	ErrUnauthorized           = errors.New("bad auth token")
	ErrProfilingDisabled      = errors.New("profiling is disabled on this server")
	ErrProfilingSinkForbidden = errors.New("local filesystem profiler output is disabled on this server, only ':response' is allowed")
	ErrMultipleLeaves         = errors.New("expression must have exactly one leaf symbol")
	ErrBadExpression          = errors.New("payload expression is not an expression tree")
	ErrRegistryNotMutable     = errors.New("hosted data registry does not support updates")
	ErrPayloadNotMapping      = errors.New("payload is not a mapping of name to resource descriptor")
)

// classify converts any mid-request failure into the client-visible status
// and machine-readable code.
func classify(err error) (status int, code string) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return 401, "UNAUTHORIZED"
	case errors.Is(err, format.ErrUnsupportedContentType):
		return 415, "UNSUPPORTED_CONTENT_TYPE"
	case errors.Is(err, format.ErrUnknownFormat):
		return 415, "UNKNOWN_FORMAT"
	case errors.Is(err, format.ErrMalformedPayload):
		return 400, "MALFORMED_PAYLOAD"
	case errors.Is(err, ErrProfilingDisabled):
		return 403, "PROFILING_DISABLED"
	case errors.Is(err, ErrProfilingSinkForbidden):
		return 403, "PROFILING_SINK_FORBIDDEN"
	case errors.Is(err, expr.ErrUnresolvableOperation):
		return 400, "UNRESOLVABLE_OPERATION"
	case errors.Is(err, wire.ErrExpressionConstruction):
		return 400, "EXPRESSION_CONSTRUCTION_FAILED"
	case errors.Is(err, ErrBadExpression), errors.Is(err, ErrMultipleLeaves):
		return 400, "BAD_EXPRESSION"
	case errors.Is(err, ErrRegistryNotMutable):
		return 422, "REGISTRY_NOT_MUTABLE"
	case errors.Is(err, ErrPayloadNotMapping):
		return 422, "PAYLOAD_NOT_MAPPING"
	case errors.Is(err, engine.ErrNotSupported):
		return 501, "COMPUTATION_UNSUPPORTED"
	default:
		return 500, "COMPUTATION_FAILED"
	}
}
