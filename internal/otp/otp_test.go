package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestGenerate_Format tests codes are numeric with the requested length
func TestGenerate_Format(t *testing.T) {
	for _, n := range []int{4, 6} {
		code := Generate(n)
		assert.Len(t, code, n)
		for _, c := range code {
			assert.True(t, c >= '0' && c <= '9', "code %q must be numeric", code)
		}
	}
}

// TestGenerate_Varies tests consecutive codes are not constant
func TestGenerate_Varies(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		seen[Generate(4)] = true
	}
	assert.Greater(t, len(seen), 1, "50 draws should not all collide")
}
