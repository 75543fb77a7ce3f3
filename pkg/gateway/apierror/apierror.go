package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vango-go/vai-order/pkg/core"
)

// Body is the wire form of an error.
type Body struct {
	Type          core.ErrorType `json:"type"`
	Code          string         `json:"code,omitempty"`
	Message       string         `json:"message"`
	Param         string         `json:"param,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	RetryAfter    *int           `json:"retry_after,omitempty"`
	Retryable     bool           `json:"retryable"`
	ProviderError string         `json:"provider_error,omitempty"`
}

type Envelope struct {
	Error Body `json:"error"`
}

// FromError maps err to its wire body and HTTP status.
func FromError(err error, requestID string) (Body, int) {
	if err == nil {
		return Body{}, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return Body{
			Type:      core.ErrAPI,
			Code:      "timeout",
			Message:   "request timeout",
			RequestID: requestID,
			Retryable: true,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return Body{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		body := Body{
			Type:       coreErr.Type,
			Code:       coreErr.Code,
			Message:    coreErr.Message,
			Param:      coreErr.Param,
			RequestID:  requestID,
			RetryAfter: coreErr.RetryAfter,
			Retryable:  coreErr.IsRetryable(),
		}
		if pe, ok := coreErr.ProviderError.(error); ok && pe != nil {
			body.ProviderError = pe.Error()
		}
		return body, statusFor(coreErr)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Body{
			Type:      core.ErrInvalidRequest,
			Code:      core.CodeInvalidArgument,
			Message:   "malformed JSON body: " + err.Error(),
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return Body{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFor(e *core.Error) int {
	switch e.Type {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrGone:
		return http.StatusGone
	case core.ErrConflict:
		return http.StatusConflict
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return 529
	case core.ErrProvider:
		if e.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case core.ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Write sends err as a JSON envelope. Rate-limit errors also set Retry-After.
func Write(w http.ResponseWriter, err error, requestID string) {
	body, status := FromError(err, requestID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if body.RetryAfter != nil && *body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(*body.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: body})
}

