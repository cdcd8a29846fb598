package state

import (
	fpmath "KeepTrade/internal/math"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidTradeID   = errors.New("invalid trade id")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// TradeLedger is the arena of trade records keyed by id, with a gapless id
// allocator. Tombstoned trades are dropped from the arena; their ids are never
// reissued.
// Not thread-safe: only accessed from the single-threaded core.
type TradeLedger struct {
	nextID uint64
	trades map[uint64]*Trade
}

func NewTradeLedger() *TradeLedger {
	return &TradeLedger{
		trades: make(map[uint64]*Trade),
	}
}

// NextID returns the id the next Create will assign.
func (l *TradeLedger) NextID() uint64 {
	return l.nextID
}

// Create stores a new trade with CurrentFromAmount = amount and returns it.
// Index fields are left for the ActiveIndex to fill in.
func (l *TradeLedger) Create(
	tt TradeType,
	owner, fromAsset, toAsset common.Address,
	amount, rate *uint256.Int,
) (*Trade, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("zero trade amount: %w", ErrInvalidAmount)
	}
	if rate == nil || rate.IsZero() {
		return nil, fmt.Errorf("zero trade rate: %w", ErrInvalidAmount)
	}

	t := &Trade{
		ID:                l.nextID,
		Type:              tt,
		Owner:             owner,
		FromAsset:         fromAsset,
		ToAsset:           toAsset,
		TotalFromAmount:   fpmath.Clone(amount),
		CurrentFromAmount: fpmath.Clone(amount),
		Rate:              fpmath.Clone(rate),
	}
	l.trades[t.ID] = t
	l.nextID++
	return t, nil
}

// Get returns the live record for an active trade.
func (l *TradeLedger) Get(id uint64) (*Trade, error) {
	t, ok := l.trades[id]
	if !ok || !t.IsActive() {
		return nil, fmt.Errorf("trade %d: %w", id, ErrInvalidTradeID)
	}
	return t, nil
}

// UpdateRate replaces the rate of an active trade. Only the owner may call it.
func (l *TradeLedger) UpdateRate(id uint64, rate *uint256.Int, caller common.Address) error {
	t, err := l.Get(id)
	if err != nil {
		return err
	}
	if t.Owner != caller {
		return fmt.Errorf("only trade owner could change rate of %d: %w", id, ErrPermissionDenied)
	}
	if rate == nil || rate.IsZero() {
		return fmt.Errorf("zero trade rate: %w", ErrInvalidAmount)
	}
	t.Rate = fpmath.Clone(rate)
	return nil
}

// Consume decrements CurrentFromAmount by amount and returns what remains.
// Consuming the full remainder tombstones the trade.
func (l *TradeLedger) Consume(id uint64, amount *uint256.Int) (*uint256.Int, error) {
	t, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() || amount.Gt(t.CurrentFromAmount) {
		return nil, fmt.Errorf("consume %s of %s on trade %d: %w",
			amount.Dec(), t.CurrentFromAmount.Dec(), id, ErrInvalidAmount)
	}
	remaining := new(uint256.Int).Sub(t.CurrentFromAmount, amount)
	t.CurrentFromAmount = remaining
	if remaining.IsZero() {
		delete(l.trades, id)
	}
	return fpmath.Clone(remaining), nil
}

// Tombstone zeroes a trade and drops it from the arena, returning the escrow
// it held.
func (l *TradeLedger) Tombstone(id uint64) (*uint256.Int, error) {
	t, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	held := t.CurrentFromAmount
	t.CurrentFromAmount = new(uint256.Int)
	delete(l.trades, id)
	return held, nil
}

// Put reinstates a record, used to roll back a failed command and to restore
// from a snapshot.
func (l *TradeLedger) Put(t *Trade) {
	l.trades[t.ID] = t
}

// Uncreate reverses the most recent Create.
func (l *TradeLedger) Uncreate(id uint64) {
	if id+1 != l.nextID {
		panic(fmt.Sprintf("FATAL: uncreate %d but next id is %d", id, l.nextID))
	}
	delete(l.trades, id)
	l.nextID--
}

// SetNextID is used by snapshot restore only.
func (l *TradeLedger) SetNextID(next uint64) {
	l.nextID = next
}

// Len returns the number of active trades.
func (l *TradeLedger) Len() int {
	return len(l.trades)
}

// All returns the active trades ordered by id.
func (l *TradeLedger) All() []*Trade {
	out := make([]*Trade, 0, len(l.trades))
	for _, t := range l.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenEscrow sums CurrentFromAmount per escrowed asset.
func (l *TradeLedger) OpenEscrow() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)
	for _, t := range l.trades {
		total, ok := totals[t.FromAsset]
		if !ok {
			total = new(uint256.Int)
			totals[t.FromAsset] = total
		}
		total.Add(total, t.CurrentFromAmount)
	}
	return totals
}

// Lookup returns the live record for id, or nil.
func (l *TradeLedger) Lookup(id uint64) *Trade {
	return l.trades[id]
}
