package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingSecret = errors.New("jwt secret is empty")

// RoleUser is the role of tokens issued to recording users
const RoleUser = "user"

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator signs and validates HS256 tokens with a shared secret
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an authenticator for secret
func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// GenerateUserToken generates a JWT token for user authentication
func (a *Authenticator) GenerateUserToken(userID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &JWTClaims{
		UserID: userID,
		Role:   RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (a *Authenticator) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{},
		func(token *jwt.Token) (interface{}, error) {
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
