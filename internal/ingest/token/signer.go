// Package token issues and redeems the one-time upload urls handed out by the
// presign endpoint.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken     = errors.New("invalid upload token")
	ErrExpiredToken     = errors.New("upload token has expired")
	ErrInvalidAlgorithm = errors.New("invalid signing algorithm")
	ErrEmptySecretKey   = errors.New("secret key cannot be empty")
	ErrWeakSecretKey    = errors.New("secret key must be at least 32 characters")
	ErrInvalidDuration  = errors.New("duration must be positive")
)

// Claims describe the single segment an upload token allows
type Claims struct {
	SiteID        string `json:"site"`
	SessionID     string `json:"sid"`
	VisitorID     string `json:"vid"`
	ContentLength int64  `json:"len"`
	Encoding      string `json:"enc,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs and verifies upload tokens with HS256
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer whose tokens live for ttl
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecretKey
	}
	if len(secret) < 32 {
		return nil, ErrWeakSecretKey
	}
	if ttl <= 0 {
		return nil, ErrInvalidDuration
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issue signs claims with a fresh token id and expiry. The id is returned
// alongside the token and doubles as the segment id.
func (s *Signer) Issue(claims Claims) (string, string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	return signed, claims.ID, nil
}

// Verify checks signature and expiry and returns the claims
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAlgorithm
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
