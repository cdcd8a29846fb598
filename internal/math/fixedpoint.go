package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ScaleDecimals is the number of decimals carried by rates and amounts.
const ScaleDecimals = 18

var (
	// Scale is the rate denominator S = 10^18.
	Scale = uint256.NewInt(1_000_000_000_000_000_000)

	ErrOverflow       = errors.New("arithmetic overflow")
	ErrUnderflow      = errors.New("arithmetic underflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// Mul returns a * b, failing instead of wrapping at 2^256.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%s * %s: %w", a.Dec(), b.Dec(), ErrOverflow)
	}
	return z, nil
}

// MulDiv computes a * b / d. The product is checked before the division
// narrows it, and the quotient truncates toward zero.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	product, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return product.Div(product, d), nil
}

func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%s + %s: %w", a.Dec(), b.Dec(), ErrOverflow)
	}
	return z, nil
}

func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("%s - %s: %w", a.Dec(), b.Dec(), ErrUnderflow)
	}
	return z, nil
}

// Units returns n whole units at 18 decimals (n * 10^18).
// Panics on overflow; intended for constants and tests.
func Units(n uint64) *uint256.Int {
	z, err := Mul(uint256.NewInt(n), Scale)
	if err != nil {
		panic(err)
	}
	return z
}

// ParseAmount parses a base-10 amount string.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return z, nil
}

// Clone returns a copy of v, treating nil as zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
