package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/orchestrator"
	"rollup-swap/internal/schedule"
)

var (
	errNotFound         = errors.New("swap not found")
	errBadRequest       = errors.New("malformed request")
	errNoRoute          = errors.New("no such route")
	errMethodNotAllowed = errors.New("method not allowed")
	errUnauthenticated  = errors.New("missing client signature")
	errForbidden        = errors.New("client signature does not verify")
)

// statusFor maps a handler error to an HTTP status code. Errors that are
// not protocol, state or validation failures come from the rollup.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, errNoRoute):
		return http.StatusNotFound
	case errors.Is(err, errMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnprofitableDeal),
		errors.Is(err, schedule.ErrInvalidAgreement):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrSessionBusy),
		errors.Is(err, orchestrator.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrAccountNotReady):
		return http.StatusTooEarly
	case errors.Is(err, cosign.ErrProtocol),
		errors.Is(err, orchestrator.ErrInvalidSignatureShare):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInsufficientDeposit):
		return http.StatusPaymentRequired
	case errors.Is(err, orchestrator.ErrDeadlinePassed):
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, fmt.Errorf("%w: %s", errNoRoute, r.URL.Path))
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, fmt.Errorf("%w: %s %s", errMethodNotAllowed, r.Method, r.URL.Path))
}
