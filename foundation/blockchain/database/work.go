package database

import (
	"errors"
	"fmt"
	"math/big"
)

// oneLsh256 is 1 shifted left 256 bits.
var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// ErrInsufficientWork is returned when a block hash does not meet its target.
var ErrInsufficientWork = errors.New("block hash does not satisfy the target")

// HashToBig converts a hash into a big integer, reading the bytes as a big
// endian number.
func HashToBig(hash Hash) *big.Int {
	return new(big.Int).SetBytes(hash[:])
}

// CompactToBig converts the compact representation used in the Bits field
// of a block header into a big integer. The compact form is an unsigned
// 8 bit exponent followed by a sign bit and a 23 bit mantissa:
//
//	N = (-1^sign) * mantissa * 256^(exponent-3)
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if isNegative {
		bn = bn.Neg(bn)
	}

	return bn
}

// BigToCompact converts a big integer into the compact representation.
// Precision is lost for numbers that need more than 23 bits of mantissa.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	var mantissa uint32
	exponent := uint(len(n.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(n.Uint64())
		mantissa <<= 8 * (3 - exponent)
	} else {
		tn := new(big.Int).Abs(n)
		mantissa = uint32(tn.Rsh(tn, 8*(exponent-3)).Uint64())
	}

	// The sign bit is part of the mantissa, so shift it out and bump the
	// exponent when the top mantissa bit is set.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent<<24) | mantissa
	if n.Sign() < 0 {
		compact |= 0x00800000
	}

	return compact
}

// CalcWork calculates the work represented by a block with the specified
// bits: 2^256 / (target+1).
func CalcWork(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}

	denominator := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(oneLsh256, denominator)
}

// CheckProofOfWork validates the hash satisfies the target and that the
// target is in the allowed range.
func CheckProofOfWork(hash Hash, bits uint32, powLimit *big.Int) error {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("target for bits %08x is not positive", bits)
	}

	if target.Cmp(powLimit) > 0 {
		return fmt.Errorf("target for bits %08x is above the proof of work limit", bits)
	}

	if HashToBig(hash).Cmp(target) > 0 {
		return ErrInsufficientWork
	}

	return nil
}
