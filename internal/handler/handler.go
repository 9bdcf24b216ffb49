package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/segyhp/tutoring-contracts/internal/middleware"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
	"github.com/segyhp/tutoring-contracts/pkg/response"
)

const maxBodyBytes = 1 << 20

// statusFor maps an error kind to the HTTP status returned to clients.
func statusFor(err error) int {
	switch {
	case errors.Is(err, customError.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, customError.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, customError.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, customError.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, customError.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, customError.ErrIntegrity), errors.Is(err, customError.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, customError.ErrEmailDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err for the client. Only the code and message of a
// BusinessError leave the process; wrapped causes are logged.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := statusFor(err)

	var businessErr *customError.BusinessError
	if !errors.As(err, &businessErr) {
		logger.Error("unhandled error", "path", r.URL.Path, "error", err)
		response.CodedError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "code", businessErr.Code, "error", err)
	}
	if businessErr.RetryAfter > 0 {
		seconds := int(math.Ceil(businessErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	response.CodedError(w, status, businessErr.Code, businessErr.Message)
}

func decode(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return customError.WrapValidation(err)
	}
	if err := v.Struct(dst); err != nil {
		return customError.WrapValidation(err)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, customError.WrapValidation(err)
	}
	return id, nil
}

// actor returns the authenticated caller. Routes are mounted behind
// middleware.Auth, so a missing actor is a wiring error.
func actor(w http.ResponseWriter, r *http.Request) (middleware.Actor, bool) {
	a, ok := middleware.ActorFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
	}
	return a, ok
}

// clientIP prefers the first X-Forwarded-For hop set by the ingress.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
