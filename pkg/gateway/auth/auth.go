// Package auth identifies callers. HTTP requests present API keys as bearer
// tokens; realtime sockets present either an API key or a realtime token in
// their hello.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/gateway/config"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindToken  Kind = "realtime_token"
)

// Principal is an authenticated caller. APIKey is set for KindAPIKey and must
// not be logged; CustomerID is set for KindToken.
type Principal struct {
	Kind       Kind
	APIKey     string
	CustomerID string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || scheme != "Bearer" {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(message string) *core.Error {
	return &core.Error{Type: core.ErrAuthentication, Code: "unauthorized", Message: message}
}

// CheckAPIKey applies mode to a presented key. A nil principal with a nil
// error leaves the caller anonymous.
func CheckAPIKey(mode config.AuthMode, keys map[string]struct{}, key string) (*Principal, error) {
	switch mode {
	case config.AuthModeDisabled:
		return nil, nil
	case config.AuthModeOptional, config.AuthModeRequired:
	default:
		return nil, core.NewAPIError("invalid auth_mode")
	}

	key = strings.TrimSpace(key)
	if key == "" {
		if mode == config.AuthModeRequired {
			return nil, unauthorized("missing api key")
		}
		return nil, nil
	}
	if _, ok := keys[key]; !ok {
		return nil, unauthorized("invalid api key")
	}
	return &Principal{Kind: KindAPIKey, APIKey: key}, nil
}
