package ledger

import (
	"math"
	"math/bits"

	"github.com/holiman/uint256"
)

// MultiplierPrecision is the fixed-point scale of House.Multiplier.
const MultiplierPrecision uint64 = 1_000_000_000

var precision = uint256.NewInt(MultiplierPrecision)

// ProfitAmount returns floor(stake * multiplier / 10^9). The product is taken
// in 256 bits; a quotient that does not fit in 64 bits is ErrOverflow.
func ProfitAmount(stake, multiplier uint64) (uint64, error) {
	var product uint256.Int
	product.Mul(uint256.NewInt(stake), uint256.NewInt(multiplier))
	product.Div(&product, precision)
	if !product.IsUint64() {
		return 0, ErrOverflow
	}
	return product.Uint64(), nil
}

func add64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

func sub64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

func inc32(a uint32) (uint32, error) {
	if a == math.MaxUint32 {
		return 0, ErrOverflow
	}
	return a + 1, nil
}

func dec32(a uint32) (uint32, error) {
	if a == 0 {
		return 0, ErrOverflow
	}
	return a - 1, nil
}

func addExpiry(createdAt, duration int64) (int64, error) {
	if duration > 0 && createdAt > math.MaxInt64-duration {
		return 0, ErrOverflow
	}
	return createdAt + duration, nil
}
