package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/felipepmaragno/keyproxy/internal/domain"
)

// statusClientClosed is logged and counted when the caller goes away before
// the upstream answers. Nothing reaches the client.
const statusClientClosed = 499

var kindStatus = map[domain.Kind]int{
	domain.KindUnauthenticated:     http.StatusUnauthorized,
	domain.KindForbidden:           http.StatusForbidden,
	domain.KindBadRequest:          http.StatusBadRequest,
	domain.KindNotFound:            http.StatusNotFound,
	domain.KindRateLimitExceeded:   http.StatusTooManyRequests,
	domain.KindQuotaExceeded:       http.StatusTooManyRequests,
	domain.KindUpstreamUnavailable: http.StatusBadGateway,
	domain.KindUpstreamAuthFailed:  http.StatusBadGateway,
	domain.KindNotImplemented:      http.StatusNotImplemented,
	domain.KindNotSupported:        http.StatusNotImplemented,
	domain.KindConfiguration:       http.StatusInternalServerError,
	domain.KindInternal:            http.StatusInternalServerError,
}

func statusFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return statusClientClosed
	}
	if status, ok := kindStatus[domain.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// publicMessage is the text a caller may see. Server-side failures never
// expose their cause.
func publicMessage(err error) string {
	var de *domain.Error
	if !errors.As(err, &de) || de.Message == "" {
		return "Internal server error"
	}
	if de.Kind == domain.KindInternal || de.Kind == domain.KindConfiguration {
		return "Internal server error"
	}
	return de.Message
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) int {
	status := statusFor(err)
	attrs := []any{
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"error", err,
	}

	switch {
	case status == statusClientClosed:
		slog.Info("client closed request", attrs...)
		return status
	case status >= 500:
		slog.Error("request failed", attrs...)
	default:
		slog.Info("request rejected", attrs...)
	}

	var de *domain.Error
	if errors.As(err, &de) && de.RetryAfter > 0 {
		secs := int(math.Ceil(de.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Message: publicMessage(err),
		Type:    domain.KindOf(err).String(),
		Code:    status,
	}})
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
