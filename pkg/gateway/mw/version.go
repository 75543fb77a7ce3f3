package mw

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/gateway/apierror"
)

const (
	apiVersionHeader    = "X-VAI-Version"
	supportedAPIVersion = "1"
)

// APIVersion rejects unknown X-VAI-Version values on /v1 routes and echoes
// the served version on their responses.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldValidateAPIVersion(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(apiVersionHeader, supportedAPIVersion)

		for _, version := range parseHeaderCSVValues(r.Header.Values(apiVersionHeader)) {
			if version == supportedAPIVersion {
				continue
			}
			reqID, _ := RequestIDFrom(r.Context())
			apierror.Write(w, &core.Error{
				Type:    core.ErrInvalidRequest,
				Code:    "unsupported_version",
				Message: "unsupported API version " + strconv.Quote(version),
				Param:   apiVersionHeader,
			}, reqID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Preflights and socket upgrades carry no version header.
func shouldValidateAPIVersion(r *http.Request) bool {
	if r.Method == http.MethodOptions || isWebSocketUpgrade(r) {
		return false
	}
	return isV1Path(r.URL.Path)
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func parseHeaderCSVValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			out = append(out, trimmed)
		}
	}
	return out
}
