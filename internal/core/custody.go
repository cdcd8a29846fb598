package core

import (
	"KeepTrade/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Custodian moves assets. Settle applies every transfer in the batch or none.
// A native push to a holder that refuses it fails the batch with
// ledger.ErrTransferRefused.
type Custodian interface {
	Settle(batch *ledger.Batch) error
	BalanceOf(holder, asset common.Address) *uint256.Int
}

// BalanceOracle reports governance-token balances used for fee tiers.
type BalanceOracle interface {
	BalanceOf(holder common.Address) *uint256.Int
}

var (
	_ Custodian     = (*ledger.BalanceTracker)(nil)
	_ BalanceOracle = (*ledger.TokenOracle)(nil)
)

// undoLog collects compensating actions for in-memory effects made before
// settlement. rollback runs them newest first.
type undoLog []func()

func (u *undoLog) push(f func()) {
	*u = append(*u, f)
}

func (u undoLog) rollback() {
	for i := len(u) - 1; i >= 0; i-- {
		u[i]()
	}
}
