// Package auth guards the HTTP API with a static API key or an HS256 bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const APIKeyHeader = "X-API-Key"

var (
	ErrUnauthenticated = errors.New("authentication required: X-API-Key or Bearer token")
	ErrMissingScope    = errors.New("missing required scope")
)

type Config struct {
	APIKey    string
	JWTSecret string
	// Scope, when set, must appear in the token's space separated "scope" claim
	// or its "roles" array.
	Scope string
}

// Principal identifies the caller of an authenticated request.
type Principal struct {
	Subject string
	Method  string
}

type ctxKey struct{}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// Verifier checks request credentials.
type Verifier struct {
	cfg Config
}

func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg}
}

// Enabled reports whether any credential is configured. A disabled verifier
// accepts every request.
func (v *Verifier) Enabled() bool {
	return v.cfg.APIKey != "" || v.cfg.JWTSecret != ""
}

// VerifyRequest authenticates r, trying the API key header first.
func (v *Verifier) VerifyRequest(r *http.Request) (Principal, error) {
	if !v.Enabled() {
		return Principal{Subject: "anonymous", Method: "none"}, nil
	}
	if key := r.Header.Get(APIKeyHeader); key != "" && v.cfg.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(v.cfg.APIKey)) == 1 {
			return Principal{Subject: "api-key", Method: "api_key"}, nil
		}
		return Principal{}, errors.New("invalid API key")
	}
	authHeader := r.Header.Get("Authorization")
	if v.cfg.JWTSecret != "" && len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return v.verifyToken(strings.TrimSpace(authHeader[7:]))
	}
	return Principal{}, ErrUnauthenticated
}

func (v *Verifier) verifyToken(tokenStr string) (Principal, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(v.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return Principal{}, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid claims")
	}
	if v.cfg.Scope != "" && !hasScope(claims, v.cfg.Scope) {
		return Principal{}, ErrMissingScope
	}
	sub, _ := claims.GetSubject()
	return Principal{Subject: sub, Method: "jwt"}, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == want {
				return true
			}
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// Middleware rejects unauthenticated requests with 401 and stores the
// Principal in the request context.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.VerifyRequest(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = fmt.Fprintf(w, `{"detail":%q}`, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
