package share

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"

	"github.com/tvoe/clipshare/internal/domain"
)

const (
	// DefaultDigits gives 900,000 possible tokens
	DefaultDigits = 6

	// DefaultMaxAttempts bounds re-rolls after a token collision
	DefaultMaxAttempts = 5

	maxDigits = 18
)

// TokenGenerator draws fixed-width numeric tokens uniformly from [10^(d-1), 10^d)
type TokenGenerator struct {
	digits int
	low    *big.Int
	span   *big.Int
}

// NewTokenGenerator creates a generator for tokens of the given digit width
func NewTokenGenerator(digits int) (*TokenGenerator, error) {
	if digits < 1 || digits > maxDigits {
		return nil, fmt.Errorf("token width must be between 1 and %d digits, got %d", maxDigits, digits)
	}
	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits-1)), nil)
	high := new(big.Int).Mul(low, big.NewInt(10))
	return &TokenGenerator{
		digits: digits,
		low:    low,
		span:   new(big.Int).Sub(high, low),
	}, nil
}

// Digits returns the token width
func (g *TokenGenerator) Digits() int {
	return g.digits
}

// Generate returns a cryptographically random token
func (g *TokenGenerator) Generate() (int64, error) {
	n, err := rand.Int(rand.Reader, g.span)
	if err != nil {
		return 0, fmt.Errorf("failed to generate random number: %w", err)
	}
	return n.Add(n, g.low).Int64(), nil
}

// Parse validates the textual form of a token. Anything that could never have been
// issued is reported as NotFound, the same as an unknown token.
func (g *TokenGenerator) Parse(raw string) (int64, error) {
	if len(raw) != g.digits || raw[0] == '0' {
		return 0, domain.NotFoundf("share link not found")
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, domain.NotFoundf("share link not found")
		}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.NotFoundf("share link not found")
	}
	return id, nil
}
