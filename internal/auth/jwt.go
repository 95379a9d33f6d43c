package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTCfg holds bearer token configuration.
type JWTCfg struct {
	HS256Secret string        // HMAC secret for HS256 tokens
	TTL         time.Duration // lifetime of issued tokens
}

// IssueToken signs a short-lived HS256 bearer token for a principal.
func (c JWTCfg) IssueToken(principalID uuid.UUID) (string, error) {
	ttl := c.TTL
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": principalID.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(c.HS256Secret))
}

// parseSubject validates a bearer token and returns its subject.
func (c JWTCfg) parseSubject(tok string) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(c.HS256Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpired
		}
		return "", ErrUnauthenticated
	}
	if !t.Valid {
		return "", ErrUnauthenticated
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrUnauthenticated
	}
	return sub, nil
}
