package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the identity collaborator supplies for every caller. GlobalRole is
// carried for attribution only; channel permissions never consult it.
type Identity struct {
	UserID     string
	GlobalRole string
}

// Provider resolves an opaque bearer credential into an Identity.
type Provider interface {
	Identify(ctx context.Context, token string) (Identity, error)
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, userID, globalRole string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: globalRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// TokenProvider verifies HS256 tokens minted by the identity service.
type TokenProvider struct {
	secret []byte
}

func NewTokenProvider(secret string) *TokenProvider {
	return &TokenProvider{secret: []byte(secret)}
}

func (p *TokenProvider) Identify(_ context.Context, token string) (Identity, error) {
	claims, err := ParseToken(p.secret, token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.Subject, GlobalRole: claims.Role}, nil
}
