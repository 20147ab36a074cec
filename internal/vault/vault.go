// Package vault derives the custody address of a House and authorizes
// transfers of funds between balances.
//
// A House vault has no private key. Its address is derived from the House
// id and a one-byte bump so that the hash is not a valid secp256k1
// x-coordinate; nobody can sign for it. Transfers out of a vault are
// authorized by presenting the derivation seeds instead of a signature.
package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AuthorityPrefix is the first seed of every House vault derivation.
const AuthorityPrefix = "house_authority"

var (
	ErrUnauthorized      = errors.New("vault: transfer not authorized")
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	ErrOnCurve           = errors.New("vault: derived address is on curve")
	ErrNoBump            = errors.New("vault: unable to find a viable bump")
	ErrZeroAmount        = errors.New("vault: transfer amount must be positive")
)

func seedHash(houseID string, bump uint8) []byte {
	return ethcrypto.Keccak256([]byte(AuthorityPrefix), []byte(houseID), []byte{bump})
}

// onCurve reports whether hash, read as a compressed public key x-coordinate,
// names a point on secp256k1.
func onCurve(hash []byte) bool {
	compressed := make([]byte, 0, 33)
	compressed = append(compressed, 0x02)
	compressed = append(compressed, hash...)
	_, err := ethcrypto.DecompressPubkey(compressed)
	return err == nil
}

// CreateAuthority derives the vault address for houseID and bump. It fails
// with ErrOnCurve when the bump yields a hash that could carry a key.
func CreateAuthority(houseID string, bump uint8) (common.Address, error) {
	h := seedHash(houseID, bump)
	if onCurve(h) {
		return common.Address{}, ErrOnCurve
	}
	return common.BytesToAddress(h[12:]), nil
}

// FindAuthority searches bumps from 255 down and returns the first viable
// vault address for houseID together with its bump.
func FindAuthority(houseID string) (common.Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateAuthority(houseID, uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return common.Address{}, 0, fmt.Errorf("%w for house %s", ErrNoBump, houseID)
}

// Signer authorizes debits from one balance. A user signs for their own
// address; a House vault signs with its derivation seeds.
type Signer struct {
	Address common.Address
	HouseID string // empty for a user signer
	Bump    uint8
}

// UserSigner is the signer of a user-owned balance. The caller identity must
// already be authenticated.
func UserSigner(addr common.Address) Signer {
	return Signer{Address: addr}
}

// HouseSigner builds the signer of a House vault from its stored bump.
func HouseSigner(houseID string, bump uint8) (Signer, error) {
	addr, err := CreateAuthority(houseID, bump)
	if err != nil {
		return Signer{}, err
	}
	return Signer{Address: addr, HouseID: houseID, Bump: bump}, nil
}

// Verify checks that s may debit from.
func (s Signer) Verify(from common.Address) error {
	if s.HouseID != "" {
		addr, err := CreateAuthority(s.HouseID, s.Bump)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if addr != s.Address {
			return ErrUnauthorized
		}
	}
	if s.Address != from || from == (common.Address{}) {
		return ErrUnauthorized
	}
	return nil
}

// Transfer moves Amount base units from From to To.
type Transfer struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount uint64         `json:"amount"`
	Signer Signer         `json:"-"`
}

// Authorize validates the transfer without looking at balances.
func (t Transfer) Authorize() error {
	if t.Amount == 0 {
		return ErrZeroAmount
	}
	return t.Signer.Verify(t.From)
}

// Balances maps an owner to its balance in base units.
type Balances map[common.Address]uint64

// Apply authorizes and executes transfers in order against b. Either all of
// them take effect or b is left untouched.
func Apply(b Balances, transfers []Transfer) error {
	next := make(map[common.Address]uint64, 2*len(transfers))
	get := func(a common.Address) uint64 {
		if v, ok := next[a]; ok {
			return v
		}
		return b[a]
	}
	for i, t := range transfers {
		if err := t.Authorize(); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		from := get(t.From)
		if from < t.Amount {
			return fmt.Errorf("transfer %d from %s: %w", i, t.From.Hex(), ErrInsufficientFunds)
		}
		next[t.From] = from - t.Amount
		to := get(t.To)
		if to+t.Amount < to {
			return fmt.Errorf("transfer %d to %s: balance overflow", i, t.To.Hex())
		}
		next[t.To] = to + t.Amount
	}
	for a, v := range next {
		b[a] = v
	}
	return nil
}
