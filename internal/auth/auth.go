package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/vasiliy-maslov/lumashop-service/internal/config"
)

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

type Authorizer struct {
	secret []byte
	issuer string
	policy Policy
}

func NewAuthorizer(cfg config.AuthConfig) (*Authorizer, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	policy, err := PolicyFromConfig(cfg.Policy)
	if err != nil {
		return nil, err
	}
	return &Authorizer{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, policy: policy}, nil
}

// Require authenticates the bearer token and checks the caller's role
// against the policy for capability. It answers 401 for a missing or invalid
// token and 403 when the role is not allowed.
func (a *Authorizer) Require(capability Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w, "invalid_request", "missing bearer token")
				return
			}

			claims, err := a.parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("auth: rejected token")
				unauthorized(w, "invalid_token", "invalid jwt")
				return
			}

			if !a.policy.Allows(claims.Role, capability) {
				hlog.FromRequest(r).Warn().
					Str("subject", claims.Subject).
					Str("role", string(claims.Role)).
					Str("capability", string(capability)).
					Msg("auth: capability denied")
				forbidden(w, "insufficient_scope", "role is not allowed to perform this action")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func (a *Authorizer) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	if claims.Subject == "" {
		return nil, errors.New("auth: token has no subject")
	}
	role, err := ParseRole(string(claims.Role))
	if err != nil {
		return nil, err
	}
	claims.Role = role
	return claims, nil
}

// NewToken signs an HS256 token for subject with role. Used by tooling and
// tests; the service itself does not issue tokens.
func NewToken(secret, issuer, subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return signed, nil
}

func unauthorized(w http.ResponseWriter, code, desc string) {
	deny(w, http.StatusUnauthorized, code, desc)
}

func forbidden(w http.ResponseWriter, code, desc string) {
	deny(w, http.StatusForbidden, code, desc)
}

func deny(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "error",
		"message": http.StatusText(status),
		"errors":  []string{desc},
	})
}
