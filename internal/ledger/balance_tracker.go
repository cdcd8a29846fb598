package ledger

import (
	fpmath "KeepTrade/internal/math"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferRefused   = errors.New("native transfer refused")
)

// BalanceTracker maintains in-memory custody balances. Batches settle
// atomically: either every journal applies or none does.
// Not thread-safe: owned by the single-threaded core.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	issued   map[common.Address]*uint256.Int // asset -> total entered through ExternalHolder
	refusing map[common.Address]bool         // holders that reject native pushes
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		issued:   make(map[common.Address]*uint256.Int),
		refusing: make(map[common.Address]bool),
	}
}

// GetBalance returns a copy of the current balance for an account.
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	return fpmath.Clone(bt.balances[key])
}

// BalanceOf returns holder's balance of asset.
func (bt *BalanceTracker) BalanceOf(holder, asset common.Address) *uint256.Int {
	return bt.GetBalance(NewAccountKey(holder, asset))
}

// Issued returns the total amount of asset that entered custody.
func (bt *BalanceTracker) Issued(asset common.Address) *uint256.Int {
	return fpmath.Clone(bt.issued[asset])
}

// SetRefusesNative marks holder as rejecting (or accepting) native pushes.
func (bt *BalanceTracker) SetRefusesNative(holder common.Address, refuse bool) {
	if refuse {
		bt.refusing[holder] = true
		return
	}
	delete(bt.refusing, holder)
}

// ApplyBatch settles all journals in order. Each payer must cover its debit
// at the point the journal applies; a failure leaves every balance untouched.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	scratch := make(map[AccountKey]*uint256.Int)
	scratchIssued := make(map[common.Address]*uint256.Int)

	get := func(key AccountKey) *uint256.Int {
		if v, ok := scratch[key]; ok {
			return v
		}
		v := fpmath.Clone(bt.balances[key])
		scratch[key] = v
		return v
	}

	for _, j := range batch.Journals {
		if IsNative(j.DebitAccount.Asset) && bt.refusing[j.DebitAccount.Holder] {
			return fmt.Errorf("push to %s: %w", j.DebitAccount.Holder.Hex(), ErrTransferRefused)
		}

		if j.CreditAccount.IsExternal() {
			asset := j.CreditAccount.Asset
			total, ok := scratchIssued[asset]
			if !ok {
				total = fpmath.Clone(bt.issued[asset])
			}
			next, err := fpmath.Add(total, j.Amount)
			if err != nil {
				return fmt.Errorf("issue %s: %w", j.CreditAccount.AccountPath(), err)
			}
			scratchIssued[asset] = next
		} else {
			payer := get(j.CreditAccount)
			if payer.Lt(j.Amount) {
				return fmt.Errorf("%s has %s, needs %s: %w",
					j.CreditAccount.AccountPath(), payer.Dec(), j.Amount.Dec(), ErrInsufficientFunds)
			}
			payer.Sub(payer, j.Amount)
		}

		if j.DebitAccount.IsExternal() {
			return fmt.Errorf("journal %s pays the external boundary", j.JournalID)
		}
		receiver := get(j.DebitAccount)
		if _, overflow := receiver.AddOverflow(receiver, j.Amount); overflow {
			return fmt.Errorf("credit %s: %w", j.DebitAccount.AccountPath(), fpmath.ErrOverflow)
		}
	}

	for key, v := range scratch {
		if v.IsZero() {
			delete(bt.balances, key)
			continue
		}
		bt.balances[key] = v
	}
	for asset, v := range scratchIssued {
		bt.issued[asset] = v
	}
	return nil
}

// Settle applies batch atomically. It is the custody entry point used by the
// trade engine.
func (bt *BalanceTracker) Settle(batch *Batch) error {
	return bt.ApplyBatch(batch)
}

// ComputeGlobalBalance sums every tracked balance per asset.
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)
	for key, balance := range bt.balances {
		total, ok := totals[key.Asset]
		if !ok {
			total = new(uint256.Int)
			totals[key.Asset] = total
		}
		total.Add(total, balance)
	}
	return totals
}

// HoldingsOf returns every non-zero balance held by holder, keyed by asset.
func (bt *BalanceTracker) HoldingsOf(holder common.Address) map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int)
	for key, balance := range bt.balances {
		if key.Holder == holder {
			out[key.Asset] = fpmath.Clone(balance)
		}
	}
	return out
}

// Snapshot returns a deep copy of balances and issuance for persistence.
func (bt *BalanceTracker) Snapshot() (map[AccountKey]*uint256.Int, map[common.Address]*uint256.Int) {
	balances := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		balances[k] = fpmath.Clone(v)
	}
	issued := make(map[common.Address]*uint256.Int, len(bt.issued))
	for k, v := range bt.issued {
		issued[k] = fpmath.Clone(v)
	}
	return balances, issued
}

// Restore replaces all state with a previously taken snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]*uint256.Int, issued map[common.Address]*uint256.Int) {
	bt.balances = make(map[AccountKey]*uint256.Int, len(balances))
	for k, v := range balances {
		if !v.IsZero() {
			bt.balances[k] = fpmath.Clone(v)
		}
	}
	bt.issued = make(map[common.Address]*uint256.Int, len(issued))
	for k, v := range issued {
		bt.issued[k] = fpmath.Clone(v)
	}
}

// TokenOracle reads live governance-token balances out of a tracker.
type TokenOracle struct {
	tracker *BalanceTracker
	token   common.Address
}

func NewTokenOracle(tracker *BalanceTracker, token common.Address) *TokenOracle {
	return &TokenOracle{tracker: tracker, token: token}
}

func (o *TokenOracle) BalanceOf(holder common.Address) *uint256.Int {
	return o.tracker.BalanceOf(holder, o.token)
}
