package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject string, roles []string, expiresIn time.Duration, secret string) string {
	t.Helper()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

// TestVerify_ValidToken tests a well-formed token yields its identity
func TestVerify_ValidToken(t *testing.T) {
	token := signToken(t, "u1", []string{"customer", "driver"}, time.Hour, testSecret)

	identity, err := Verify(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)
	assert.True(t, identity.HasRole(RoleCustomer))
	assert.True(t, identity.HasRole(RoleDriver))
}

// TestVerify_Rejections tests the failure modes
func TestVerify_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "Wrong secret",
			token: signToken(t, "u1", []string{"customer"}, time.Hour, "other-secret"),
		},
		{
			name:  "Expired",
			token: signToken(t, "u1", []string{"customer"}, -time.Minute, testSecret),
		},
		{
			name:  "No subject",
			token: signToken(t, "", []string{"customer"}, time.Hour, testSecret),
		},
		{
			name:  "No usable role",
			token: signToken(t, "u1", []string{"admin"}, time.Hour, testSecret),
		},
		{
			name:  "Garbage",
			token: "not.a.token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.token, testSecret)
			assert.Error(t, err)
		})
	}
}

// TestHasRole tests role membership checks
func TestHasRole(t *testing.T) {
	identity := Identity{UserID: "u1", Roles: []Role{RoleCustomer}}

	assert.True(t, identity.HasRole(RoleCustomer))
	assert.False(t, identity.HasRole(RoleDriver))
}
