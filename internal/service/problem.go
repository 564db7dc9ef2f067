package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/CZERTAINLY/katago-server/internal/engine"
	"github.com/CZERTAINLY/katago-server/internal/model"
	"github.com/CZERTAINLY/katago-server/internal/protocol"
	"github.com/CZERTAINLY/katago-server/internal/router"
)

// StatusClientClosedRequest is the non standard status for callers that gave
// up before the answer came.
const StatusClientClosedRequest = 499

var (
	ErrNotReady     = errors.New("engine is not ready")
	ErrShuttingDown = errors.New("service is shutting down")
)

// ToProblem maps any error of the call path to a problem detail, keeping
// err as its cause.
func ToProblem(err error) *model.Problem {
	var (
		problem *model.Problem
		verr    *protocol.ValidationError
		eerr    *protocol.EngineError
		perr    *protocol.ProtocolError
		lerr    *engine.LaunchError
		werr    *engine.WriteError
		derr    *router.DuplicateIDError
	)
	switch {
	case errors.As(err, &problem):
		return problem
	case errors.As(err, &verr):
		return model.NewProblem(http.StatusBadRequest, "Invalid Request", err.Error()).WithCause(err)
	case errors.As(err, &eerr):
		return model.NewProblem(http.StatusUnprocessableEntity, "Engine Rejected Request", eerr.Message).WithCause(err)
	case errors.As(err, &lerr):
		// handshake timeouts included
		return model.NewProblem(http.StatusServiceUnavailable, "Service Unavailable", err.Error()).WithCause(err)
	case errors.Is(err, context.Canceled):
		return model.NewProblem(StatusClientClosedRequest, "Client Closed Request", err.Error()).WithCause(err)
	case errors.Is(err, router.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.NewProblem(http.StatusGatewayTimeout, "Analysis Timeout", err.Error()).WithCause(err)
	case errors.As(err, &werr),
		errors.Is(err, engine.ErrProcessDied),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrShuttingDown),
		errors.Is(err, router.ErrClosed):
		return model.NewProblem(http.StatusServiceUnavailable, "Service Unavailable", err.Error()).WithCause(err)
	case errors.As(err, &perr):
		return model.NewProblem(http.StatusInternalServerError, "Protocol Error", err.Error()).WithCause(err)
	case errors.As(err, &derr):
		return model.NewProblem(http.StatusInternalServerError, "Internal Error", err.Error()).WithCause(err)
	default:
		return model.NewProblem(http.StatusInternalServerError, "Internal Error", err.Error()).WithCause(err)
	}
}

// fail converts err and logs it at a level matching its status.
func fail(ctx context.Context, err error, correlationID string) *model.Problem {
	problem := ToProblem(err).WithCorrelationID(correlationID)

	var (
		perr *protocol.ProtocolError
		derr *router.DuplicateIDError
	)
	switch {
	case errors.As(err, &perr):
		slog.ErrorContext(ctx, "malformed engine response", "error", err, "raw", string(perr.Raw))
	case errors.As(err, &derr):
		slog.ErrorContext(ctx, "correlation id collision", "error", err)
	case problem.Status >= http.StatusInternalServerError:
		slog.WarnContext(ctx, "call failed", "status", problem.Status, "error", err)
	default:
		slog.DebugContext(ctx, "call rejected", "status", problem.Status, "error", err)
	}
	return problem
}
