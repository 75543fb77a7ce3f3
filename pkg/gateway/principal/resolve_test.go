package principal

import (
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-order/pkg/gateway/auth"
	"github.com/vango-go/vai-order/pkg/gateway/config"
	"github.com/vango-go/vai-order/pkg/gateway/ratelimit"
)

func TestResolve_PrefersAttachedPrincipal(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/sessions", nil)
	r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{Kind: auth.KindAPIKey, APIKey: "vai_sk_1"}))

	got := Resolve(r, config.Config{})
	if got.Kind != KindAPIKey || got.Key != ratelimit.PrincipalKeyFromAPIKey("vai_sk_1") {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestOf_TokenPrincipalKeysByCustomer(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/realtime", nil)
	got := Of(&auth.Principal{Kind: auth.KindToken, CustomerID: "c1"}, r, config.Config{})
	if got.Kind != KindCustomer || got.Key != ratelimit.PrincipalKeyFromCustomer("c1") {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestResolve_ClientIP(t *testing.T) {
	tests := []struct {
		name   string
		trust  bool
		header map[string]string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.9:5555", want: "10.0.0.9"},
		{name: "proxy headers ignored", remote: "10.0.0.9:5555", header: map[string]string{"X-Real-IP": "1.2.3.4"}, want: "10.0.0.9"},
		{name: "real ip", trust: true, remote: "10.0.0.9:5555", header: map[string]string{"X-Real-IP": "1.2.3.4"}, want: "1.2.3.4"},
		{name: "forwarded for first hop", trust: true, remote: "10.0.0.9:5555", header: map[string]string{"X-Forwarded-For": "5.6.7.8, 10.0.0.1"}, want: "5.6.7.8"},
		{name: "cloudflare wins", trust: true, remote: "10.0.0.9:5555", header: map[string]string{"CF-Connecting-IP": "9.9.9.9", "X-Real-IP": "1.2.3.4"}, want: "9.9.9.9"},
		{name: "garbage header falls back", trust: true, remote: "10.0.0.9:5555", header: map[string]string{"X-Real-IP": "nope"}, want: "10.0.0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			got := Resolve(r, config.Config{TrustProxyHeaders: tt.trust})
			if got.Kind != KindIP || got.Raw != tt.want {
				t.Fatalf("resolved=%+v, want ip %s", got, tt.want)
			}
		})
	}
}

func TestResolve_Anonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = ""
	if got := Resolve(r, config.Config{}); got.Kind != KindAnon {
		t.Fatalf("resolved=%+v", got)
	}
	if got := Resolve(nil, config.Config{}); got.Kind != KindAnon {
		t.Fatalf("nil request resolved=%+v", got)
	}
}
