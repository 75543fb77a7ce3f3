// Package principal turns a caller into the bucket key used by the
// per-principal limiter.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/vai-order/pkg/gateway/auth"
	"github.com/vango-go/vai-order/pkg/gateway/config"
	"github.com/vango-go/vai-order/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey   Kind = "api_key"
	KindCustomer Kind = "customer"
	KindIP       Kind = "ip"
	KindAnon     Kind = "anonymous"
)

type Resolved struct {
	Kind Kind
	// Raw is the raw resolved identifier. It must not be logged.
	Raw string
	// Key is a hashed identifier suitable for in-memory maps.
	Key string
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

// Resolve keys the request by the principal the auth middleware attached,
// falling back to the client IP.
func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}
	p, _ := auth.PrincipalFrom(r.Context())
	return Of(p, r, cfg)
}

// Of keys an explicit principal. Realtime sockets authenticate inside the
// handler, so they pass the principal here instead of through the context.
func Of(p *auth.Principal, r *http.Request, cfg config.Config) Resolved {
	if p != nil {
		switch {
		case p.Kind == auth.KindToken && p.CustomerID != "":
			return Resolved{Kind: KindCustomer, Raw: p.CustomerID, Key: ratelimit.PrincipalKeyFromCustomer(p.CustomerID)}
		case strings.TrimSpace(p.APIKey) != "":
			return Resolved{Kind: KindAPIKey, Raw: p.APIKey, Key: ratelimit.PrincipalKeyFromAPIKey(p.APIKey)}
		}
	}
	if ip := clientIP(r, cfg.TrustProxyHeaders); ip != "" {
		return Resolved{Kind: KindIP, Raw: ip, Key: ratelimit.PrincipalKeyFromIP(ip)}
	}
	return anonymous
}

// proxyHeaders are consulted in order when proxy headers are trusted.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}
	if trustProxyHeaders {
		for _, name := range proxyHeaders {
			// X-Forwarded-For lists the client first.
			first, _, _ := strings.Cut(r.Header.Get(name), ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

// parseIP accepts a bare address or host:port and returns the canonical form.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
