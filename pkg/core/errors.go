package core

import (
	"errors"
	"fmt"
)

// Error represents an ordering-service error. Errors compare equal under
// errors.Is when their codes match, so the package-level sentinels below can
// be used as targets.
type Error struct {
	Type          ErrorType `json:"type"`
	Message       string    `json:"message"`
	Param         string    `json:"param,omitempty"`
	Code          string    `json:"code,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	ProviderError any       `json:"provider_error,omitempty"`
	RetryAfter    *int      `json:"retry_after,omitempty"`
	Transient     bool      `json:"transient,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrGone           ErrorType = "gone_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrProvider       ErrorType = "provider_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
)

const (
	CodeInvalidArgument        = "invalid_argument"
	CodeSessionNotFound        = "session_not_found"
	CodeSessionExpired         = "session_expired"
	CodeTurnNotFound           = "turn_not_found"
	CodeInvalidAudio           = "invalid_audio"
	CodeRateLimited            = "rate_limited"
	CodeProviderFailure        = "provider_failure"
	CodeEmptyOrder             = "empty_order"
	CodeAlreadyFinalized       = "already_finalized"
	CodeConcurrentModification = "concurrent_modification"
	CodeConnectionNotFound     = "connection_not_found"
	CodeItemNotFound           = "item_not_found"
	CodeInvalidToken           = "invalid_token"
)

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidArgument        = &Error{Type: ErrInvalidRequest, Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrSessionNotFound        = &Error{Type: ErrNotFound, Code: CodeSessionNotFound, Message: "session not found"}
	ErrSessionExpired         = &Error{Type: ErrGone, Code: CodeSessionExpired, Message: "session expired"}
	ErrTurnNotFound           = &Error{Type: ErrNotFound, Code: CodeTurnNotFound, Message: "turn not found"}
	ErrInvalidAudio           = &Error{Type: ErrInvalidRequest, Code: CodeInvalidAudio, Message: "invalid audio"}
	ErrRateLimited            = &Error{Type: ErrRateLimit, Code: CodeRateLimited, Message: "rate limited"}
	ErrProviderFailure        = &Error{Type: ErrProvider, Code: CodeProviderFailure, Message: "provider failure"}
	ErrEmptyOrder             = &Error{Type: ErrInvalidRequest, Code: CodeEmptyOrder, Message: "order has no items"}
	ErrAlreadyFinalized       = &Error{Type: ErrConflict, Code: CodeAlreadyFinalized, Message: "order already finalized"}
	ErrConcurrentModification = &Error{Type: ErrConflict, Code: CodeConcurrentModification, Message: "session is being finalized"}
	ErrConnectionNotFound     = &Error{Type: ErrNotFound, Code: CodeConnectionNotFound, Message: "connection not found"}
	ErrItemNotFound           = &Error{Type: ErrNotFound, Code: CodeItemNotFound, Message: "menu item not found"}
	ErrInvalidToken           = &Error{Type: ErrAuthentication, Code: CodeInvalidToken, Message: "invalid token"}
)

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	if e.Code == "" || t.Code == "" {
		return e == t
	}
	return e.Code == t.Code
}

// With returns a copy of the sentinel with a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	out := *e
	out.Message = fmt.Sprintf(format, args...)
	return &out
}

// NewInvalidArgument creates an invalid argument error.
func NewInvalidArgument(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Code:    CodeInvalidArgument,
		Message: message,
		Param:   param,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Code:       CodeRateLimited,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewProviderError wraps a failure from an external provider.
func NewProviderError(provider string, underlying error, transient bool) *Error {
	return &Error{
		Type:          ErrProvider,
		Code:          CodeProviderFailure,
		Message:       fmt.Sprintf("%s: %v", provider, underlying),
		ProviderError: underlying,
		Transient:     transient,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI:
		return true
	case ErrProvider:
		return e.Transient
	case ErrConflict:
		return e.Code == CodeConcurrentModification
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if ue, ok := e.ProviderError.(error); ok {
		return ue
	}
	return nil
}

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Type == ErrProvider && ce.Transient
	}
	return false
}
