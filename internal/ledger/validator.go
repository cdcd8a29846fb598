package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks custody invariants
type InvariantValidator struct {
	tracker *BalanceTracker
	escrow  common.Address
}

func NewInvariantValidator(tracker *BalanceTracker, escrow common.Address) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
		escrow:  escrow,
	}
}

// ValidateBatchBalance verifies the batch is well-formed before settlement.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateEscrow verifies the escrow account holds exactly the open escrow
// per asset. expected must include every asset with a non-zero open amount.
func (v *InvariantValidator) ValidateEscrow(expected map[common.Address]*uint256.Int) error {
	held := v.tracker.HoldingsOf(v.escrow)

	for asset, want := range expected {
		got, ok := held[asset]
		if !ok {
			got = new(uint256.Int)
		}
		if !got.Eq(want) {
			return fmt.Errorf("escrow %s holds %s, open trades require %s",
				NewAccountKey(v.escrow, asset).AccountPath(), got.Dec(), want.Dec())
		}
		delete(held, asset)
	}
	for asset, got := range held {
		if got.IsZero() {
			continue
		}
		return fmt.Errorf("escrow %s holds %s with no open trades",
			NewAccountKey(v.escrow, asset).AccountPath(), got.Dec())
	}
	return nil
}

// ValidateGlobalBalance verifies that, per asset, the sum of all balances
// equals what entered through the external boundary.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if issued := v.tracker.Issued(asset); !issued.Eq(total) {
			return fmt.Errorf("global balance for %s is %s, issued %s",
				NewAccountKey(ExternalHolder, asset).AccountPath(), total.Dec(), issued.Dec())
		}
	}

	return nil
}
