package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnauthenticated is returned when a request carries no valid bearer token
var ErrUnauthenticated = errors.New("unauthenticated")

// User represents an authenticated user from JWT token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	jwksURL string
	keySet  jwk.Set
	issuer  string
}

// NewJWTVerifier creates a verifier whose key set is refreshed in the
// background by the jwk cache. The first fetch happens here so that a bad
// JWKS URL fails at startup.
func NewJWTVerifier(ctx context.Context, jwksURL, issuer string, refresh time.Duration) (*JWTVerifier, error) {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{
		jwksURL: jwksURL,
		keySet:  jwk.NewCachedSet(cache, jwksURL),
		issuer:  issuer,
	}, nil
}

// NewStaticVerifier verifies against a fixed key set
func NewStaticVerifier(set jwk.Set, issuer string) *JWTVerifier {
	return &JWTVerifier{keySet: set, issuer: issuer}
}

// UserFromRequest extracts and validates the bearer token of r
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthenticated)
	}

	user := &User{ID: userID}
	if v, ok := token.Get("email"); ok {
		user.Email, _ = v.(string)
	}
	if v, ok := token.Get("name"); ok {
		user.Name, _ = v.(string)
	}
	return user, nil
}
