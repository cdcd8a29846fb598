package fee

import (
	fpmath "KeepTrade/internal/math"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// MinFeeBase is the smallest accepted multiplier denominator.
const MinFeeBase = 1000

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrInvalidFeeBase = errors.New("invalid fee base")
)

// Requirements are governance-token balance thresholds for tier selection.
type Requirements struct {
	KeeperL1 *uint256.Int // validated for ordering, never consulted by KeeperMultiplier
	KeeperL2 *uint256.Int
	KeeperL3 *uint256.Int
	Discount *uint256.Int // trader discount threshold
}

// Multipliers are fee fractions expressed over Base.
type Multipliers struct {
	KeeperL1 uint64
	KeeperL2 uint64
	KeeperL3 uint64
	Basic    uint64
	Discount uint64
	Base     uint64
}

// Config is the full fee configuration read by the tier engine.
type Config struct {
	Requirements Requirements
	Multipliers  Multipliers
}

// DefaultConfig matches the production deployment: 1%/0.3%/0% keeper tiers,
// 0.2%/0% trader tiers over a base of 10000.
func DefaultConfig() Config {
	return Config{
		Requirements: Requirements{
			KeeperL1: new(uint256.Int),
			KeeperL2: fpmath.Units(100_000),
			KeeperL3: fpmath.Units(500_000),
			Discount: fpmath.Units(10_000),
		},
		Multipliers: Multipliers{
			KeeperL1: 100,
			KeeperL2: 30,
			KeeperL3: 0,
			Basic:    20,
			Discount: 0,
			Base:     10_000,
		},
	}
}

// Clone returns a deep copy so callers cannot alias stored thresholds.
func (c Config) Clone() Config {
	return Config{
		Requirements: Requirements{
			KeeperL1: fpmath.Clone(c.Requirements.KeeperL1),
			KeeperL2: fpmath.Clone(c.Requirements.KeeperL2),
			KeeperL3: fpmath.Clone(c.Requirements.KeeperL3),
			Discount: fpmath.Clone(c.Requirements.Discount),
		},
		Multipliers: c.Multipliers,
	}
}

// ValidateRequirements checks keeperL1 <= keeperL2 <= keeperL3.
func ValidateRequirements(r Requirements) error {
	if r.KeeperL1 == nil || r.KeeperL2 == nil || r.KeeperL3 == nil || r.Discount == nil {
		return fmt.Errorf("requirements must all be set: %w", ErrInvalidOrder)
	}
	if r.KeeperL1.Gt(r.KeeperL2) {
		return fmt.Errorf("keeper l1 requirement (%s) > l2 (%s): %w",
			r.KeeperL1.Dec(), r.KeeperL2.Dec(), ErrInvalidOrder)
	}
	if r.KeeperL2.Gt(r.KeeperL3) {
		return fmt.Errorf("keeper l2 requirement (%s) > l3 (%s): %w",
			r.KeeperL2.Dec(), r.KeeperL3.Dec(), ErrInvalidOrder)
	}
	return nil
}

// ValidateMultipliers checks keeper and trader multipliers are non-increasing
// by tier and that the base is usable as a denominator.
func ValidateMultipliers(m Multipliers) error {
	if m.KeeperL1 < m.KeeperL2 || m.KeeperL2 < m.KeeperL3 {
		return fmt.Errorf("keeper fees out of order (%d, %d, %d): %w",
			m.KeeperL1, m.KeeperL2, m.KeeperL3, ErrInvalidOrder)
	}
	if m.Basic < m.Discount {
		return fmt.Errorf("trade fees out of order (%d, %d): %w",
			m.Basic, m.Discount, ErrInvalidOrder)
	}
	if m.Base < MinFeeBase {
		return fmt.Errorf("fee base %d below minimum %d: %w", m.Base, MinFeeBase, ErrInvalidFeeBase)
	}
	// A multiplier equal to the base would zero the effective base.
	if m.KeeperL1 >= m.Base || m.Basic >= m.Base {
		return fmt.Errorf("multipliers (%d, %d) must be below fee base %d: %w",
			m.KeeperL1, m.Basic, m.Base, ErrInvalidFeeBase)
	}
	return nil
}

// Validate checks both halves of the configuration.
func (c Config) Validate() error {
	if err := ValidateRequirements(c.Requirements); err != nil {
		return err
	}
	return ValidateMultipliers(c.Multipliers)
}
