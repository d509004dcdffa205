// Package auth verifies bearer credentials presented on connect and refresh.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pscheid92/entitysync/internal/domain"
)

// Verifier validates HMAC-signed JWTs and extracts the session claims.
type Verifier struct {
	signingKey []byte
}

// NewVerifier creates a verifier for tokens signed with the given HMAC key.
func NewVerifier(signingKey []byte) (*Verifier, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	return &Verifier{signingKey: signingKey}, nil
}

// Verify parses and validates tokenString. Signature, expiry, and the
// presence of subject and expiry claims are all checked; any failure maps
// to domain.ErrInvalidToken so callers need a single failure class.
func (v *Verifier) Verify(tokenString string) (domain.TokenClaims, error) {
	var claims jwt.RegisteredClaims

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return domain.TokenClaims{}, fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}
	if !token.Valid {
		return domain.TokenClaims{}, domain.ErrInvalidToken
	}

	if claims.Subject == "" {
		return domain.TokenClaims{}, fmt.Errorf("%w: missing subject claim", domain.ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return domain.TokenClaims{}, fmt.Errorf("%w: missing expiry claim", domain.ErrInvalidToken)
	}

	out := domain.TokenClaims{
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

var _ domain.TokenVerifier = (*Verifier)(nil)
