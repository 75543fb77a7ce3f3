package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/vango-go/vai-order/pkg/core"
)

// Token is a short-lived credential for one realtime provider session.
type Token struct {
	Value       string    `json:"token"`
	SessionType string    `json:"session_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenIssuer mints ephemeral tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, customerID, sessionType string, ttl time.Duration) (Token, error)
}

const jwtIssuer = "vai-order"

type tokenClaims struct {
	SessionType string `json:"session_type"`
	jwt.RegisteredClaims
}

// JWTIssuer signs HS256 tokens and tracks their single use.
type JWTIssuer struct {
	secret []byte
	now    func() time.Time

	mu       sync.Mutex
	redeemed map[string]redemption
}

type redemption struct {
	sessionID string
	expiresAt time.Time
}

// RedeemedToken is the verified content of a redeemed token.
type RedeemedToken struct {
	ID          string
	CustomerID  string
	SessionType string
	ExpiresAt   time.Time
}

func NewJWTIssuer(secret []byte, now func() time.Time) (*JWTIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return &JWTIssuer{secret: secret, now: now, redeemed: make(map[string]redemption)}, nil
}

// Issue implements TokenIssuer.
func (i *JWTIssuer) Issue(_ context.Context, customerID, sessionType string, ttl time.Duration) (Token, error) {
	now := i.now()
	exp := now.Add(ttl)
	claims := tokenClaims{
		SessionType: sessionType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    jwtIssuer,
			Subject:   customerID,
			Audience:  jwt.ClaimStrings{sessionType},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, SessionType: sessionType, ExpiresAt: exp.Truncate(time.Second)}, nil
}

func (i *JWTIssuer) parse(token, sessionType string) (*tokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(sessionType),
		jwt.WithIssuer(jwtIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	claims := &tokenClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}); err != nil {
		return nil, core.ErrInvalidToken.With("invalid token: %v", err)
	}
	if claims.ID == "" {
		return nil, core.ErrInvalidToken.With("token has no id")
	}
	return claims, nil
}

// Verify checks token's signature, audience and expiry without binding it.
func (i *JWTIssuer) Verify(token, sessionType string) (RedeemedToken, error) {
	if strings.TrimSpace(token) == "" {
		return RedeemedToken{}, core.ErrInvalidToken.With("token is required")
	}
	claims, err := i.parse(token, sessionType)
	if err != nil {
		return RedeemedToken{}, err
	}
	return redeemedFrom(claims), nil
}

// Redeem verifies token for sessionType and binds it to sessionID. A token
// already bound to a different session is rejected; redeeming again for the
// same session succeeds.
func (i *JWTIssuer) Redeem(token, sessionType, sessionID string) (RedeemedToken, error) {
	if strings.TrimSpace(token) == "" || sessionID == "" {
		return RedeemedToken{}, core.ErrInvalidToken.With("token and session are required")
	}
	claims, err := i.parse(token, sessionType)
	if err != nil {
		return RedeemedToken{}, err
	}

	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, r := range i.redeemed {
		if now.After(r.expiresAt) {
			delete(i.redeemed, id)
		}
	}
	if r, ok := i.redeemed[claims.ID]; ok && r.sessionID != sessionID {
		return RedeemedToken{}, core.ErrInvalidToken.With("token already used by another session")
	}
	i.redeemed[claims.ID] = redemption{sessionID: sessionID, expiresAt: claims.ExpiresAt.Time}
	return redeemedFrom(claims), nil
}

func redeemedFrom(claims *tokenClaims) RedeemedToken {
	return RedeemedToken{
		ID:          claims.ID,
		CustomerID:  claims.Subject,
		SessionType: claims.SessionType,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
}

// AuthTokenCreator is the subset of genai's AuthTokens service used here.
type AuthTokenCreator interface {
	Create(ctx context.Context, config *genai.CreateAuthTokenConfig) (*genai.AuthToken, error)
}

// GeminiIssuer mints Gemini Live ephemeral tokens limited to one use.
type GeminiIssuer struct {
	tokens AuthTokenCreator
	now    func() time.Time
	// StartWindow bounds how long the client has to open its session.
	StartWindow time.Duration
}

func NewGeminiIssuer(tokens AuthTokenCreator, now func() time.Time) *GeminiIssuer {
	if now == nil {
		now = time.Now
	}
	return &GeminiIssuer{tokens: tokens, now: now, StartWindow: time.Minute}
}

// Issue implements TokenIssuer.
func (g *GeminiIssuer) Issue(ctx context.Context, _ string, sessionType string, ttl time.Duration) (Token, error) {
	now := g.now()
	exp := now.Add(ttl)
	start := g.StartWindow
	if start <= 0 || start > ttl {
		start = ttl
	}
	tok, err := g.tokens.Create(ctx, &genai.CreateAuthTokenConfig{
		ExpireTime:           exp,
		NewSessionExpireTime: now.Add(start),
		Uses:                 genai.Ptr[int32](1),
	})
	if err != nil {
		return Token{}, core.NewProviderError("gemini", err, false)
	}
	if tok == nil || tok.Name == "" {
		return Token{}, core.NewProviderError("gemini", errors.New("empty auth token"), false)
	}
	return Token{Value: tok.Name, SessionType: sessionType, ExpiresAt: exp}, nil
}
