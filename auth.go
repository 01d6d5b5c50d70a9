package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer     = "iqkms"
	DefaultTokenTTL = 24 * time.Hour
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type JWTClaims struct {
	jwt.RegisteredClaims
}

// AuthManager mints and verifies the HS256 bearer tokens presented on the
// websocket upgrade request.
type AuthManager struct {
	secret []byte
}

func NewAuthManager(secret string) (*AuthManager, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth secret must be at least 32 bytes")
	}
	return &AuthManager{secret: []byte(secret)}, nil
}

// GenerateToken returns a token for subject valid for ttl.
func (am *AuthManager) GenerateToken(subject string, ttl time.Duration) (*JWTClaims, string, error) {
	if subject == "" {
		return nil, "", errors.New("subject cannot be empty")
	}
	if ttl <= 0 {
		return nil, "", errors.New("ttl must be positive")
	}

	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(am.secret)
	if err != nil {
		return nil, "", err
	}

	return &claims, tokenString, nil
}

// VerifyToken checks signature, issuer and expiry. Every failure wraps
// ErrInvalidToken.
func (am *AuthManager) VerifyToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(*jwt.Token) (any, error) {
		return am.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims, nil
}

// Authenticate reads "Authorization: Bearer <token>" and returns the token
// subject as the connection's user id.
func (am *AuthManager) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", ErrMissingToken
	}

	claims, err := am.VerifyToken(strings.TrimSpace(tokenString))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
