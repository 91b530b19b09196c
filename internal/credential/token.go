// Package credential reads the manager identity carried by a session token.
// Signatures are checked by the backend; nothing here trusts the token for
// authorization.
package credential

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/autopeer-io/fleetsync/internal/fleet"
)

// Claims are the session token claims this client looks at.
type Claims struct {
	ManagerID int64  `json:"manager_id"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Parse decodes the claims of token without verifying its signature.
func Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("credential: empty token")
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ManagerFromToken returns the manager_id claim of token.
func ManagerFromToken(token string) (fleet.ManagerID, error) {
	claims, err := Parse(token)
	if err != nil {
		return 0, err
	}
	if claims.ManagerID <= 0 {
		return 0, errors.New("credential: missing manager_id")
	}
	return fleet.ManagerID(claims.ManagerID), nil
}

// Expired reports whether the token carries an expiry before now.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(c.ExpiresAt.Time)
}
