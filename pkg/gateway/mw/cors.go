package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/gateway/apierror"
	"github.com/vango-go/vai-order/pkg/gateway/config"
)

// ErrOriginNotAllowed is returned to browser callers outside the allowlist.
var ErrOriginNotAllowed = &core.Error{
	Type:    core.ErrPermission,
	Code:    "origin_not_allowed",
	Message: "origin is not allowed",
	Param:   "Origin",
}

var corsAllowedMethods = "GET, POST, DELETE, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-Request-ID",
	apiVersionHeader,
}, ", ")

// Location carries the created session URL.
var corsExposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"Retry-After",
	"X-Duration-Ms",
	"Location",
	apiVersionHeader,
}, ", ")

// OriginAllowed reports whether a request from origin may proceed. Requests
// without an Origin header are not browser cross-origin calls and pass.
func OriginAllowed(cfg config.Config, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}

func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		preflight := r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""

		if preflight {
			if origin == "" || !OriginAllowed(cfg, origin) {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, ErrOriginNotAllowed, reqID)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Disallowed origins still reach the handler; the browser withholds
		// the response.
		if origin != "" && OriginAllowed(cfg, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
