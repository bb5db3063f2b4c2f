package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrEmptyToken = errors.New("empty token")

// Claims carried by the assessment API's bearer token
type Claims struct {
	Sub    string `json:"sub"`
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseUnverified reads the claims of a bearer token without checking its signature.
// The signing key belongs to the server; the client only needs the subject and expiry.
func ParseUnverified(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrEmptyToken
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// User returns the user the token was issued to
func (c *Claims) User() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.Sub != "":
		return c.Sub
	default:
		return c.RegisteredClaims.Subject
	}
}

// ExpiresWithin reports whether the token expires before now+d. Tokens without an
// expiry never do.
func (c *Claims) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.Time.After(now.Add(d))
}

// Expired reports whether the token is already past its expiry at now
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresWithin(now, 0)
}
