package math

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FormatScaled renders an 18-decimal amount as a human-readable decimal,
// e.g. 1500000000000000000 -> "1.5". Used for logs and query responses only;
// all arithmetic stays in uint256.
func FormatScaled(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -ScaleDecimals).String()
}

// ParseScaled is the inverse of FormatScaled. Digits beyond 18 decimals are
// truncated.
func ParseScaled(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, ErrUnderflow
	}
	wei := d.Shift(ScaleDecimals).Truncate(0).BigInt()
	z, overflow := uint256.FromBig(wei)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}
