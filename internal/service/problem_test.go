package service_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/katago-server/internal/engine"
	"github.com/CZERTAINLY/katago-server/internal/protocol"
	"github.com/CZERTAINLY/katago-server/internal/router"
	"github.com/CZERTAINLY/katago-server/internal/service"
)

func TestToProblem(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    error
		then     int
	}{
		{
			scenario: "validation",
			given:    &protocol.ValidationError{Fields: []protocol.FieldError{{Field: "komi", Message: "must be finite"}}},
			then:     http.StatusBadRequest,
		},
		{
			scenario: "engine rejects",
			given:    &protocol.EngineError{ID: "3", Message: "Illegal move"},
			then:     http.StatusUnprocessableEntity,
		},
		{
			scenario: "caller canceled",
			given:    fmt.Errorf("waiting: %w", context.Canceled),
			then:     service.StatusClientClosedRequest,
		},
		{
			scenario: "analysis timeout",
			given:    router.ErrTimeout,
			then:     http.StatusGatewayTimeout,
		},
		{
			scenario: "handshake timeout",
			given:    &engine.LaunchError{Path: "katago", Err: fmt.Errorf("handshake: %w", router.ErrTimeout)},
			then:     http.StatusServiceUnavailable,
		},
		{
			scenario: "handshake deadline",
			given:    &engine.LaunchError{Path: "katago", Err: context.DeadlineExceeded},
			then:     http.StatusServiceUnavailable,
		},
		{
			scenario: "write into dead engine",
			given:    &engine.WriteError{Err: engine.ErrProcessDied},
			then:     http.StatusServiceUnavailable,
		},
		{
			scenario: "engine died",
			given:    fmt.Errorf("%w: stdout closed", engine.ErrProcessDied),
			then:     http.StatusServiceUnavailable,
		},
		{
			scenario: "malformed response",
			given:    &protocol.ProtocolError{ID: "3", Raw: []byte("{"), Reason: "decoding analysis"},
			then:     http.StatusInternalServerError,
		},
		{
			scenario: "id collision",
			given:    &router.DuplicateIDError{ID: "3"},
			then:     http.StatusInternalServerError,
		},
		{
			scenario: "unknown",
			given:    errors.New("boom"),
			then:     http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			problem := service.ToProblem(tc.given)
			require.Equal(t, tc.then, problem.Status)
			require.ErrorIs(t, problem, tc.given)
		})
	}
}
