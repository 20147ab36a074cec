// Package feed handles price-feed identifier parsing and validation, and the
// conversion of raw oracle integers into human-readable decimal prices.
package feed

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// feedIDRegex matches a 32-byte feed identifier, optionally 0x-prefixed.
// Example: 0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43
var feedIDRegex = regexp.MustCompile(`^(0x)?([0-9a-fA-F]{64})$`)

// sourceRegex matches an oracle source name such as "hermes" or "pyth-beta".
var sourceRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

var (
	ErrInvalidFeedID = errors.New("feed: invalid feed id")
	ErrInvalidSource = errors.New("feed: invalid price source name")
)

// Feed is a parsed feed identifier.
type Feed struct {
	ID  common.Hash `json:"id"`
	Hex string      `json:"hex"` // canonical lowercase 0x-prefixed form
}

// Parse parses and validates a feed identifier.
// Format: [0x]{64 hex chars}
func Parse(id string) (*Feed, error) {
	matches := feedIDRegex.FindStringSubmatch(strings.TrimSpace(id))
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected 32-byte hex)", ErrInvalidFeedID, id)
	}
	h := common.HexToHash(matches[2])
	return &Feed{ID: h, Hex: h.Hex()}, nil
}

// Canonical returns the canonical form of id, or an error if it is invalid.
func Canonical(id string) (string, error) {
	f, err := Parse(id)
	if err != nil {
		return "", err
	}
	return f.Hex, nil
}

// ValidateSource checks the name of an oracle source.
func ValidateSource(name string) error {
	if !sourceRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSource, name)
	}
	return nil
}

// Scale converts a raw price with the given number of decimals into a
// decimal value: price * 10^-decimals.
func Scale(price uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(price), -int32(decimals))
}

// ScaleExpo is Scale for a signed raw price and signed exponent as returned
// by an oracle.
func ScaleExpo(price int64, expo int32) decimal.Decimal {
	return decimal.New(price, expo)
}
