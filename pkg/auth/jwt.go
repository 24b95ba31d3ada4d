package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
)

// Role is an event surface a connection may use.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

// Claims carried by the bearer token presented at the websocket handshake.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Identity is an authenticated user with its allowed role set.
type Identity struct {
	UserID string
	Roles  []Role
}

// HasRole reports whether the identity may use the given event surface.
func (id Identity) HasRole(role Role) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verify checks signature and expiry of an HS256 bearer token and returns
// the identity it carries. Token issuance lives outside this service.
func Verify(tokenString, secret string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, apperrors.Authentication("Invalid or expired token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, apperrors.ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, apperrors.Authentication("Token has no subject", nil)
	}

	roles := make([]Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		switch Role(r) {
		case RoleCustomer, RoleDriver:
			roles = append(roles, Role(r))
		}
	}
	if len(roles) == 0 {
		return Identity{}, apperrors.Authentication("Token carries no usable role", nil)
	}

	return Identity{UserID: claims.Subject, Roles: roles}, nil
}
