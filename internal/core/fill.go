package core

import (
	"KeepTrade/internal/fee"
	fpmath "KeepTrade/internal/math"
	"KeepTrade/internal/state"
	"fmt"

	"github.com/holiman/uint256"
)

// fillPlan is the settlement of one fill, computed before any state changes.
type fillPlan struct {
	Full        bool
	Consumed    *uint256.Int // escrow leaving the trade
	Supplied    *uint256.Int // destination leg the keeper pays
	Refund      *uint256.Int // offered - supplied
	TraderOut   *uint256.Int
	KeeperOut   *uint256.Int
	ProtocolOut *uint256.Int
}

// maxIn is the destination amount that fully fills t at quote q.
func maxIn(t *state.Trade, q fee.Quote) (*uint256.Int, error) {
	if t.Type == state.TradeTypeNativeToAsset {
		// fee is taken from the native escrow, the keeper pays the raw rate
		return fee.TraderAmountOut(t.CurrentFromAmount, t.Rate)
	}
	return q.AmountIn(t.CurrentFromAmount, t.Rate)
}

func planFill(t *state.Trade, q fee.Quote, offered *uint256.Int) (fillPlan, error) {
	if offered == nil || offered.IsZero() {
		return fillPlan{}, fmt.Errorf("zero offer: %w", ErrInvalidAmount)
	}

	full, err := maxIn(t, q)
	if err != nil {
		return fillPlan{}, fmt.Errorf("max in: %w", err)
	}

	p := fillPlan{}
	if !offered.Lt(full) {
		p.Full = true
		p.Consumed = fpmath.Clone(t.CurrentFromAmount)
		p.Supplied = full
	} else {
		if t.Type == state.TradeTypeNativeToAsset {
			p.Consumed, err = fpmath.MulDiv(offered, fpmath.Scale, t.Rate)
		} else {
			p.Consumed, err = q.ConsumedFor(offered, t.Rate)
		}
		if err != nil {
			return fillPlan{}, fmt.Errorf("consumed: %w", err)
		}
		if p.Consumed.IsZero() {
			return fillPlan{}, fmt.Errorf("offer %s consumes nothing: %w", offered.Dec(), ErrInvalidAmount)
		}
		// clamp to the remaining escrow
		if !p.Consumed.Lt(t.CurrentFromAmount) {
			p.Full = true
			p.Consumed = fpmath.Clone(t.CurrentFromAmount)
		}
		p.Supplied = fpmath.Clone(offered)
	}
	if p.Refund, err = fpmath.Sub(offered, p.Supplied); err != nil {
		return fillPlan{}, fmt.Errorf("refund: %w", err)
	}

	if t.Type == state.TradeTypeNativeToAsset {
		p.TraderOut = fpmath.Clone(p.Supplied)
		if p.KeeperOut, err = q.AmountInForNativeLeg(p.Consumed); err != nil {
			return fillPlan{}, fmt.Errorf("keeper native leg: %w", err)
		}
		if p.ProtocolOut, err = fpmath.Sub(p.Consumed, p.KeeperOut); err != nil {
			return fillPlan{}, fmt.Errorf("protocol native leg: %w", err)
		}
		return p, nil
	}

	if p.TraderOut, err = fee.TraderAmountOut(p.Consumed, t.Rate); err != nil {
		return fillPlan{}, fmt.Errorf("trader out: %w", err)
	}
	if p.ProtocolOut, err = fpmath.Sub(p.Supplied, p.TraderOut); err != nil {
		return fillPlan{}, fmt.Errorf("protocol out: %w", err)
	}
	p.KeeperOut = fpmath.Clone(p.Consumed)
	return p, nil
}
