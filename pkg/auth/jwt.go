// Package auth issues and validates the bearer tokens the HTTP façade
// requires on every route except /health.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTService signs and validates HMAC-signed bearer tokens identifying the
// principal that triggered a build (a CI webhook relay, a dashboard user,
// an operator's CLI session).
type JWTService struct {
	secret     []byte
	issuer     string
	expiration time.Duration
}

// Claims identifies the triggering principal on an authenticated request.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// NewJWTService constructs a JWTService. secret is the HMAC signing key
// (configuration's http.jwt_secret); expiration defaults to 24h when zero.
func NewJWTService(secret string, expiration time.Duration) (*JWTService, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTService{secret: []byte(secret), issuer: "gpubuild", expiration: expiration}, nil
}

// GenerateToken issues a bearer token for principal, carrying role (used
// only for coarse operator/readonly distinctions, not fine-grained RBAC).
func (j *JWTService) GenerateToken(principal, role string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(j.expiration)

	claims := &Claims{
		Subject: principal,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   principal,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and verifies tokenString, returning its claims.
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Role constants distinguish operators (who may cancel and retry any build)
// from ordinary principals (who may submit builds and read the status of
// any build and of the queue, but may not cancel or retry).
const (
	RoleOperator = "operator"
	RolePrincipal = "principal"
)
