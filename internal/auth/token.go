package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"coursechat/pkg/types"
)

var (
	ErrMissingToken = errors.New("authorization token is missing")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrWeakSecret   = errors.New("jwt secret must be at least 32 bytes")
)

var validate = validator.New()

// Claims carries the principal inside a signed token
type Claims struct {
	UserID string `json:"user_id" validate:"required,max=64"`
	Role   string `json:"role" validate:"required,oneof=admin instructor student"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 bearer tokens
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// New creates an Authenticator. Tokens it issues expire after ttl.
func New(secret, issuer string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// GenerateToken signs a token for the principal
func (a *Authenticator) GenerateToken(principal types.Principal) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: principal.ID,
		Role:   string(principal.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	if err := validate.Struct(claims); err != nil {
		return "", fmt.Errorf("invalid principal: %w", err)
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken checks signature, expiry, issuer and claim shape
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if err := validate.Struct(claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// Principal converts validated claims
func (c *Claims) Principal() types.Principal {
	return types.Principal{ID: c.UserID, Role: types.Role(c.Role)}
}

// Authenticate reads a bearer token from the Authorization header, or from
// the token query parameter for browser WebSocket clients.
// Failures wrap types.ErrUnauthenticated.
func (a *Authenticator) Authenticate(r *http.Request) (types.Principal, error) {
	tokenString := ""
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return types.Principal{}, fmt.Errorf("%w: %w", types.ErrUnauthenticated, ErrInvalidToken)
		}
		tokenString = strings.TrimSpace(value)
	} else {
		tokenString = r.URL.Query().Get("token")
	}

	if tokenString == "" {
		return types.Principal{}, fmt.Errorf("%w: %w", types.ErrUnauthenticated, ErrMissingToken)
	}

	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: %w", types.ErrUnauthenticated, err)
	}
	return claims.Principal(), nil
}

type contextKey struct{}

// WithPrincipal stores the authenticated principal on ctx
func WithPrincipal(ctx context.Context, principal types.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, principal)
}

// PrincipalFromContext returns the principal set by WithPrincipal
func PrincipalFromContext(ctx context.Context) (types.Principal, bool) {
	principal, ok := ctx.Value(contextKey{}).(types.Principal)
	return principal, ok
}
