package orchestrator

import (
	"errors"
	"fmt"

	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

// Error kinds. Match with errors.Is.
var (
	// ErrTransportFailure means the live backend was unreachable or rejected the request.
	ErrTransportFailure = errors.New("transport failure")
	// ErrSchemaFailure means the live backend returned an unusable payload.
	ErrSchemaFailure = errors.New("schema failure")
	// ErrBackendUnavailable means no usable live backend is configured.
	// It only drives routing and is never returned to callers.
	ErrBackendUnavailable = errors.New("live backend unavailable")
	// ErrTotalFailure means both backends failed. It is the only kind
	// returned from Refresh and the mutation operations.
	ErrTotalFailure = errors.New("total failure")
)

// OpError reports a failed operation.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// liveError classifies an error from a live call.
func liveError(op string, err error) *OpError {
	kind := ErrTransportFailure
	if errors.Is(err, types.ErrMalformedPayload) || errors.Is(err, types.ErrMissingSection) {
		kind = ErrSchemaFailure
	}
	return &OpError{Op: op, Kind: kind, Err: err}
}

func totalFailure(op string, liveErr, syntheticErr error) *OpError {
	return &OpError{Op: op, Kind: ErrTotalFailure, Err: errors.Join(liveErr, syntheticErr)}
}

// ErrorCode returns a short machine-readable code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTotalFailure):
		return "total_failure"
	case errors.Is(err, ErrSchemaFailure):
		return "schema_failure"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "transport_failure"
	}
}
