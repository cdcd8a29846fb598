package fee

import (
	fpmath "KeepTrade/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

// KeeperMultiplier selects the keeper tier from a live governance-token
// balance. Only the L2 and L3 thresholds are consulted; everything below L2
// pays the L1 multiplier.
func KeeperMultiplier(cfg Config, balance *uint256.Int) uint64 {
	switch {
	case balance.Lt(cfg.Requirements.KeeperL2):
		return cfg.Multipliers.KeeperL1
	case balance.Lt(cfg.Requirements.KeeperL3):
		return cfg.Multipliers.KeeperL2
	default:
		return cfg.Multipliers.KeeperL3
	}
}

// TraderMultiplier selects the trader tier from a live balance.
func TraderMultiplier(cfg Config, balance *uint256.Int) uint64 {
	if balance.Lt(cfg.Requirements.Discount) {
		return cfg.Multipliers.Basic
	}
	return cfg.Multipliers.Discount
}

// Quote is the fee state for one fill, computed at fill time.
type Quote struct {
	KeeperMul uint64
	TraderMul uint64
	Base      *uint256.Int // effective base, 0 < Base <= Scale
}

// NewQuote computes the effective base:
//
//	base = S
//	base -= base * Mk / feeBase
//	base -= base * Mt / feeBase
func NewQuote(cfg Config, keeperBalance, traderBalance *uint256.Int) (Quote, error) {
	q := Quote{
		KeeperMul: KeeperMultiplier(cfg, keeperBalance),
		TraderMul: TraderMultiplier(cfg, traderBalance),
	}

	feeBase := uint256.NewInt(cfg.Multipliers.Base)
	base := fpmath.Clone(fpmath.Scale)

	for _, mul := range []uint64{q.KeeperMul, q.TraderMul} {
		cut, err := fpmath.MulDiv(base, uint256.NewInt(mul), feeBase)
		if err != nil {
			return Quote{}, fmt.Errorf("fee cut: %w", err)
		}
		if base, err = fpmath.Sub(base, cut); err != nil {
			return Quote{}, fmt.Errorf("fee cut: %w", err)
		}
	}
	if base.IsZero() {
		return Quote{}, fmt.Errorf("effective base is zero: %w", ErrInvalidFeeBase)
	}

	q.Base = base
	return q, nil
}

// AmountIn is how much destination asset a keeper supplies to consume
// amountOut of escrow: amountOut * rate / base.
func (q Quote) AmountIn(amountOut, rate *uint256.Int) (*uint256.Int, error) {
	return fpmath.MulDiv(amountOut, rate, q.Base)
}

// ConsumedFor inverts AmountIn: offered * base / rate.
func (q Quote) ConsumedFor(offered, rate *uint256.Int) (*uint256.Int, error) {
	return fpmath.MulDiv(offered, q.Base, rate)
}

// AmountInForNativeLeg applies the fee to a native-denominated amount:
// amount * base / S.
func (q Quote) AmountInForNativeLeg(amount *uint256.Int) (*uint256.Int, error) {
	return fpmath.MulDiv(amount, q.Base, fpmath.Scale)
}

// TraderAmountOut is the trader's fee-free receipt: amountIn * rate / S.
func TraderAmountOut(amountIn, rate *uint256.Int) (*uint256.Int, error) {
	return fpmath.MulDiv(amountIn, rate, fpmath.Scale)
}
