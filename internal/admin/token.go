package admin

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokenRevoked is returned by Verify for a token passed to Revoke.
var ErrTokenRevoked = errors.New("token has been revoked")

// TokenClaims are the JWT claims of an admin session token.
type TokenClaims struct {
	jwt.RegisteredClaims
	AdminID string `json:"admin_id"`
}

// TokenIssuer issues and verifies HS256 admin session tokens. Logged-out
// token ids are remembered until the token would have expired anyway.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewTokenIssuer creates a TokenIssuer. A zero ttl selects 24 hours.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		secret:  secret,
		issuer:  issuer,
		ttl:     ttl,
		revoked: make(map[string]time.Time),
	}
}

// TTL returns the lifetime of issued tokens.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue creates a signed token for adminID.
func (t *TokenIssuer) Issue(adminID string) (string, error) {
	now := time.Now().UTC()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		AdminID: adminID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&TokenClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.AdminID == "" {
		return nil, fmt.Errorf("invalid admin token claims")
	}

	t.mu.Lock()
	_, revoked := t.revoked[claims.ID]
	t.mu.Unlock()
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke rejects the token with claims for the rest of its lifetime.
func (t *TokenIssuer) Revoke(claims *TokenClaims) {
	exp := time.Now().Add(t.ttl)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, until := range t.revoked {
		if now.After(until) {
			delete(t.revoked, id)
		}
	}
	t.revoked[claims.ID] = exp
}
