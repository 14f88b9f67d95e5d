package relay

import (
	"errors"
	"time"

	"peercall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid relay token")
	ErrExpiredToken = errors.New("relay token expired")
)

// Claims is the JWT payload the relay authenticates connections with.
type Claims struct {
	UserID domain.UserID `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenMinter issues short-lived HS256 tokens for relay connections. A
// fresh token is minted for every dial, so reconnects never reuse an
// expired credential.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenMinter(secret string, ttl time.Duration) *TokenMinter {
	return &TokenMinter{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

func (m *TokenMinter) Mint(user domain.UserID) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and verifies a token minted by Mint. Rejects any
// signing method other than HMAC.
func (m *TokenMinter) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
