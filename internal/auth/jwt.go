// Package auth verifies client identity tokens for the WebSocket gateway.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/holorelay/holorelay/internal/errkind"
)

// Identity is the verified caller the gateway acts on behalf of.
type Identity struct {
	Subject  string
	TenantID string
	Scopes   []string
}

// HasScope reports whether the identity carries the given scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenVerifier turns a raw bearer token into an Identity. Failures carry
// the Policy kind so the gateway closes with 1008.
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}

// Claims is the expected JWT payload.
type Claims struct {
	TenantID string   `json:"tenantID"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errkind.Newf(errkind.KindPolicy,
					"unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
	)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindPolicy, err, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errkind.New(errkind.KindPolicy, "invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errkind.New(errkind.KindPolicy, "token missing sub claim")
	}
	if claims.TenantID == "" {
		return nil, errkind.New(errkind.KindPolicy, "token missing tenantID claim")
	}

	return &Identity{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Scopes:   claims.Scopes,
	}, nil
}

// Sign issues a token for the given identity. Used by tooling and tests.
func (v *JWTVerifier) Sign(identity *Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		TenantID: identity.TenantID,
		Scopes:   identity.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "holorelay",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ExtractToken pulls the bearer token from the query string (the usual
// place for WebSocket clients) or the Authorization header.
func ExtractToken(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errkind.New(errkind.KindPolicy, "no token in query or Authorization header")
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errkind.New(errkind.KindPolicy, "malformed Authorization header")
	}
	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}
