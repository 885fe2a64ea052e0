package mcp

import (
	"github.com/lumenize/lumenize-sub005/internal/apperr"
)

// errorToResponse maps a domain error to its JSON-RPC wire shape following
// the error-kind-to-boundary-behavior table. Anything that isn't a
// recognized *apperr.Error is an unexpected internal failure.
func (d *Dispatcher) errorToResponse(id any, err error) JSONRPCResponse {
	domainErr, ok := apperr.As(err)
	if !ok {
		d.log.Error("mcp: unhandled internal error", "error", err)
		return errorResponse(id, CodeInternalError, "internal error")
	}

	code := jsonRPCCodeForKind(domainErr.Kind)
	resp := errorResponse(id, code, domainErr.Error())
	if domainErr.Kind == apperr.KindBaselineStale {
		resp.Error.Data = map[string]any{"retryable": true}
	}
	return resp
}

func jsonRPCCodeForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindParameterValidation,
		apperr.KindEntityTypeNotFound,
		apperr.KindEntityNotFound,
		apperr.KindSnapshotNotFound,
		apperr.KindEntityDeleted,
		apperr.KindInvalidURI,
		apperr.KindInvalidStubPath,
		apperr.KindMissingInstanceName,
		apperr.KindMultipleBindingsFound,
		apperr.KindBaselineStale:
		return CodeInvalidParams
	case apperr.KindToolNotFound:
		return CodeMethodNotFound
	case apperr.KindEntityTypeAlreadyExists,
		apperr.KindToolExecution,
		apperr.KindIdentityConflict,
		apperr.KindEnvelopeVersionMismatch:
		return CodeInternalError
	case apperr.KindInitializationRequired:
		return CodeInvalidRequest
	default:
		return CodeInternalError
	}
}

// IsNotFoundFamily reports whether err maps to the not-found/deleted family
// that should return 404 at the HTTP boundary, for transports that expose
// resources/read over plain HTTP in addition to JSON-RPC.
func IsNotFoundFamily(err error) bool {
	domainErr, ok := apperr.As(err)
	if !ok {
		return false
	}
	switch domainErr.Kind {
	case apperr.KindEntityTypeNotFound, apperr.KindEntityNotFound, apperr.KindSnapshotNotFound, apperr.KindEntityDeleted:
		return true
	}
	return false
}
