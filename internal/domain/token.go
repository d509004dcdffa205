package domain

import "time"

// TokenClaims is the decoded payload of a verified bearer credential.
type TokenClaims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenVerifier validates a bearer credential and returns its claims.
type TokenVerifier interface {
	Verify(token string) (TokenClaims, error)
}
