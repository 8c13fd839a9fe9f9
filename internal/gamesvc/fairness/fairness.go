// Package fairness implements the commit/reveal scheme behind every round:
// a secret seed, its published keccak256 commitment, and the crash point the
// seed deterministically produces.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	SeedBytes = 32

	// DefaultHouseEdgeBps is 3%.
	DefaultHouseEdgeBps = 300

	// crash points are handled in hundredths
	minCrashCents = 101
	maxCrashCents = 10000

	prefixDigits = 13 // 52 bits of the sha256 digest
	bpsScale     = 10000
)

var prefixMax = big.NewInt(0xfffffffffffff)

// MinCrash is the lowest crash point a round can record.
var MinCrash = decimal.New(minCrashCents, -2)

// GenerateSeed draws a fresh secret from crypto/rand, hex encoded.
func GenerateSeed() (string, error) {
	b := make([]byte, SeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSeed returns the 0x-prefixed keccak256 of the seed's utf8 bytes. This
// is the value published when betting opens.
func HashSeed(seed string) string {
	return crypto.Keccak256Hash([]byte(seed)).Hex()
}

// VerifySeed reports whether a revealed seed matches its published hash.
func VerifySeed(seed, hash string) bool {
	return strings.EqualFold(HashSeed(seed), hash)
}

// DeriveCrashMultiplier maps a seed to its crash point in [1.01, 100.00].
//
// The first 13 hex digits of sha256(seed) are read as h and normalised to
// r = h / 0xfffffffffffff, scaled by (1 - edge). The crash point is
// floor(99 / (1 - r)) / 100. Everything is done on integers so the result
// is the same on every platform.
func DeriveCrashMultiplier(seed string, houseEdgeBps int64) decimal.Decimal {
	if houseEdgeBps < 0 {
		houseEdgeBps = 0
	}
	if houseEdgeBps >= bpsScale {
		houseEdgeBps = bpsScale - 1
	}

	sum := sha256.Sum256([]byte(seed))
	digest := hex.EncodeToString(sum[:])
	h, _ := strconv.ParseUint(digest[:prefixDigits], 16, 64) // always valid hex

	// 1 - r = (M*S - h*(S-e)) / (M*S), so 99/(1-r) = 99*M*S / (M*S - h*(S-e))
	ms := new(big.Int).Mul(prefixMax, big.NewInt(bpsScale))
	num := new(big.Int).Mul(big.NewInt(99), ms)
	den := new(big.Int).Mul(new(big.Int).SetUint64(h), big.NewInt(bpsScale-houseEdgeBps))
	den.Sub(ms, den)

	cents := int64(maxCrashCents)
	if den.Sign() > 0 {
		q := new(big.Int).Quo(num, den)
		if q.IsInt64() && q.Int64() < maxCrashCents {
			cents = q.Int64()
		}
	}
	if cents < minCrashCents {
		cents = minCrashCents
	}
	return decimal.New(cents, -2)
}
