package otp

import (
	"crypto/rand"
	"math/big"
)

const digits = "0123456789"

// Generate returns an n-digit numeric code. OTPs here are a
// human-verifiable shared secret between customer and driver, read aloud
// at pickup and dropoff; they are not credentials.
func Generate(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(digits)))
	for i := range out {
		idx, _ := rand.Int(rand.Reader, max)
		out[i] = digits[idx.Int64()]
	}
	return string(out)
}
