package core

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/fee"
	"KeepTrade/internal/ledger"
	fpmath "KeepTrade/internal/math"
	"KeepTrade/internal/state"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Engine owns the trade ledger, the active index and governance, and drives
// custody for create, fill and cancel. Every operation either commits all of
// its effects and transfers or none of them.
// Not thread-safe: owned by the single-threaded core.
type Engine struct {
	trades     *state.TradeLedger
	index      *state.ActiveIndex
	governance *state.Governance
	custody    Custodian
	oracle     BalanceOracle
	journals   *ledger.JournalGenerator
	logger     zerolog.Logger
}

// Meta identifies the command an operation runs for. Ref seeds the
// settlement batch id.
type Meta struct {
	Ref       string
	Sequence  int64
	Timestamp int64
}

// Result is what a successful operation produced.
type Result struct {
	Records []event.Record
	Batch   *ledger.Batch // nil when no assets moved
}

// QuoteView is the live cost of fully filling a trade for one keeper.
type QuoteView struct {
	TradeID   uint64
	TradeType state.TradeType
	Current   *uint256.Int
	Rate      *uint256.Int
	KeeperMul uint64
	TraderMul uint64
	Base      *uint256.Int
	MaxIn     *uint256.Int
}

func NewEngine(
	governance *state.Governance,
	custody Custodian,
	oracle BalanceOracle,
	escrow common.Address,
	logger zerolog.Logger,
) *Engine {
	trades := state.NewTradeLedger()
	return &Engine{
		trades:     trades,
		index:      state.NewActiveIndex(trades.Lookup),
		governance: governance,
		custody:    custody,
		oracle:     oracle,
		journals:   ledger.NewJournalGenerator(escrow),
		logger:     logger,
	}
}

// --- Custody intake ---

// Deposit issues amount of asset to holder.
func (e *Engine) Deposit(m Meta, holder, asset common.Address, amount *uint256.Int) (Result, error) {
	if amount == nil || amount.IsZero() {
		return Result{}, fmt.Errorf("zero deposit: %w", ErrInvalidAmount)
	}
	batch := e.journals.NewBatch(m.Ref, m.Sequence, m.Timestamp).Deposit(holder, asset, amount).Build()
	if err := e.custody.Settle(batch); err != nil {
		return Result{}, fmt.Errorf("deposit: %w", err)
	}
	return Result{
		Records: []event.Record{&event.Deposited{
			Holder: holder.Hex(),
			Asset:  asset.Hex(),
			Amount: amount.Dec(),
		}},
		Batch: batch,
	}, nil
}

// --- Creation ---

func (e *Engine) CreateAssetToAsset(m Meta, owner, fromAsset, toAsset common.Address, amount, rate *uint256.Int) (uint64, Result, error) {
	return e.Create(m, state.TradeTypeAssetToAsset, owner, fromAsset, toAsset, amount, rate)
}

func (e *Engine) CreateNativeToAsset(m Meta, owner, toAsset common.Address, amount, rate *uint256.Int) (uint64, Result, error) {
	return e.Create(m, state.TradeTypeNativeToAsset, owner, ledger.NativeAsset, toAsset, amount, rate)
}

func (e *Engine) CreateAssetToNative(m Meta, owner, fromAsset common.Address, amount, rate *uint256.Int) (uint64, Result, error) {
	return e.Create(m, state.TradeTypeAssetToNative, owner, fromAsset, ledger.NativeAsset, amount, rate)
}

// Create records a trade, indexes it, and escrows the source leg from owner.
func (e *Engine) Create(
	m Meta,
	tt state.TradeType,
	owner, fromAsset, toAsset common.Address,
	amount, rate *uint256.Int,
) (uint64, Result, error) {
	if err := state.ValidateLegs(tt, fromAsset, toAsset); err != nil {
		return 0, Result{}, fmt.Errorf("%v: %w", err, ErrInvalidTradeType)
	}

	t, err := e.trades.Create(tt, owner, fromAsset, toAsset, amount, rate)
	if err != nil {
		return 0, Result{}, err
	}
	var undo undoLog
	undo.push(func() { e.trades.Uncreate(t.ID) })
	e.index.Insert(t)
	undo.push(func() { e.index.Remove(t) })

	batch := e.journals.NewBatch(m.Ref, m.Sequence, m.Timestamp).
		Pull(owner, fromAsset, amount, ledger.JournalTypeEscrow).
		Build()
	if err := e.custody.Settle(batch); err != nil {
		undo.rollback()
		return 0, Result{}, fmt.Errorf("escrow trade %d: %w", t.ID, err)
	}
	e.mustHoldEscrow(fromAsset)

	e.logger.Debug().
		Uint64("trade_id", t.ID).
		Str("type", tt.String()).
		Str("owner", owner.Hex()).
		Str("amount", fpmath.FormatScaled(amount)).
		Msg("trade created")

	return t.ID, Result{
		Records: []event.Record{&event.TradeCreated{
			TradeID:   t.ID,
			TradeType: tt.String(),
			Owner:     owner.Hex(),
			FromAsset: fromAsset.Hex(),
			ToAsset:   toAsset.Hex(),
			Amount:    amount.Dec(),
			Rate:      rate.Dec(),
		}},
		Batch: batch,
	}, nil
}

// --- Fill ---

// Fill lets keeper take up to offered of the destination leg against trade id.
// tt is the entry point the keeper used and must match the trade.
func (e *Engine) Fill(m Meta, keeper common.Address, id uint64, tt state.TradeType, offered *uint256.Int) (Result, error) {
	t, err := e.trades.Get(id)
	if err != nil {
		return Result{}, err
	}
	if t.Type != tt {
		return Result{}, fmt.Errorf("trade %d is %s, filled as %s: %w", id, t.Type, tt, ErrInvalidTradeType)
	}

	q, err := e.quoteFor(t, keeper)
	if err != nil {
		return Result{}, err
	}
	plan, err := planFill(t, q, offered)
	if err != nil {
		return Result{}, fmt.Errorf("fill trade %d: %w", id, err)
	}

	var undo undoLog
	if plan.Full {
		rec := e.index.Remove(t)
		undo.push(func() { e.index.Undo(rec) })
	}
	prev := t.CurrentFromAmount
	remaining, err := e.trades.Consume(id, plan.Consumed)
	if err != nil {
		undo.rollback()
		return Result{}, fmt.Errorf("fill trade %d: %w", id, err)
	}
	undo.push(func() {
		t.CurrentFromAmount = prev
		e.trades.Put(t)
	})

	protocol := e.governance.Address()
	b := e.journals.NewBatch(m.Ref, m.Sequence, m.Timestamp)
	switch t.Type {
	case state.TradeTypeAssetToAsset:
		b.Pull(keeper, t.ToAsset, plan.Supplied, ledger.JournalTypeKeeperSupply).
			Push(t.Owner, t.ToAsset, plan.TraderOut, ledger.JournalTypeTraderPayout).
			Push(protocol, t.ToAsset, plan.ProtocolOut, ledger.JournalTypeProtocolFee).
			Push(keeper, t.FromAsset, plan.KeeperOut, ledger.JournalTypeRelease)
	case state.TradeTypeAssetToNative:
		// native value arrives whole; the excess goes back to the keeper
		b.Pull(keeper, ledger.NativeAsset, offered, ledger.JournalTypeKeeperSupply).
			Push(keeper, ledger.NativeAsset, plan.Refund, ledger.JournalTypeKeeperRefund).
			Push(t.Owner, ledger.NativeAsset, plan.TraderOut, ledger.JournalTypeTraderPayout).
			Push(protocol, ledger.NativeAsset, plan.ProtocolOut, ledger.JournalTypeProtocolFee).
			Push(keeper, t.FromAsset, plan.KeeperOut, ledger.JournalTypeRelease)
	case state.TradeTypeNativeToAsset:
		b.Pull(keeper, t.ToAsset, plan.Supplied, ledger.JournalTypeKeeperSupply).
			Push(t.Owner, t.ToAsset, plan.TraderOut, ledger.JournalTypeTraderPayout).
			Push(keeper, ledger.NativeAsset, plan.KeeperOut, ledger.JournalTypeRelease).
			Push(protocol, ledger.NativeAsset, plan.ProtocolOut, ledger.JournalTypeProtocolFee)
	}
	batch := b.Build()

	if err := e.custody.Settle(batch); err != nil {
		undo.rollback()
		return Result{}, fmt.Errorf("settle fill of trade %d: %w", id, err)
	}
	e.mustHoldEscrow(t.FromAsset, t.ToAsset)

	e.logger.Debug().
		Uint64("trade_id", id).
		Str("keeper", keeper.Hex()).
		Bool("full", plan.Full).
		Str("consumed", fpmath.FormatScaled(plan.Consumed)).
		Str("remaining", fpmath.FormatScaled(remaining)).
		Msg("trade filled")

	return Result{
		Records: []event.Record{&event.TradeFilled{
			TradeID:          id,
			Keeper:           keeper.Hex(),
			Consumed:         plan.Consumed.Dec(),
			Supplied:         plan.Supplied.Dec(),
			TraderReceived:   plan.TraderOut.Dec(),
			KeeperReceived:   plan.KeeperOut.Dec(),
			ProtocolReceived: plan.ProtocolOut.Dec(),
			Refunded:         plan.Refund.Dec(),
			Remaining:        remaining.Dec(),
		}},
		Batch: batch,
	}, nil
}

// --- Cancellation ---

// Cancel refunds and removes the caller's trades.
func (e *Engine) Cancel(m Meta, caller common.Address, ids []uint64) (Result, error) {
	return e.cancel(m, caller, ids, false)
}

// CancelFromOwner is Cancel on behalf of the owners, gated on governance.
func (e *Engine) CancelFromOwner(m Meta, caller common.Address, ids []uint64) (Result, error) {
	return e.cancel(m, caller, ids, true)
}

func (e *Engine) cancel(m Meta, caller common.Address, ids []uint64, admin bool) (Result, error) {
	if admin && !e.governance.IsGovernance(caller) {
		return Result{}, fmt.Errorf("cancel from owner by %s: %w", caller.Hex(), ErrPermissionDenied)
	}

	targets := make([]*state.Trade, 0, len(ids))
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return Result{}, fmt.Errorf("trade %d listed twice: %w", id, ErrInvalidTradeID)
		}
		seen[id] = true
		t, err := e.trades.Get(id)
		if err != nil {
			return Result{}, err
		}
		if !admin && t.Owner != caller {
			return Result{}, fmt.Errorf("only trade owner could cancel trade %d: %w", id, ErrPermissionDenied)
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return Result{}, nil
	}

	var undo undoLog
	b := e.journals.NewBatch(m.Ref, m.Sequence, m.Timestamp)
	records := make([]event.Record, 0, len(targets))
	assets := make([]common.Address, 0, len(targets))
	for _, t := range targets {
		t := t
		rec := e.index.Remove(t)
		undo.push(func() { e.index.Undo(rec) })
		held, err := e.trades.Tombstone(t.ID)
		if err != nil {
			undo.rollback()
			return Result{}, err
		}
		undo.push(func() {
			t.CurrentFromAmount = held
			e.trades.Put(t)
		})

		b.Push(t.Owner, t.FromAsset, held, ledger.JournalTypeCancelRefund)
		records = append(records, &event.TradeCancelled{
			TradeID:  t.ID,
			Owner:    t.Owner.Hex(),
			Refunded: held.Dec(),
			ByAdmin:  admin,
		})
		assets = append(assets, t.FromAsset)
	}
	batch := b.Build()

	if err := e.custody.Settle(batch); err != nil {
		undo.rollback()
		return Result{}, fmt.Errorf("settle cancel: %w", err)
	}
	e.mustHoldEscrow(assets...)

	e.logger.Debug().
		Str("caller", caller.Hex()).
		Int("count", len(targets)).
		Bool("admin", admin).
		Msg("trades cancelled")

	return Result{Records: records, Batch: batch}, nil
}

// --- Owner and governance updates ---

// UpdateRate replaces the rate of the caller's trade. Fills read the new
// rate from then on.
func (e *Engine) UpdateRate(caller common.Address, id uint64, rate *uint256.Int) (Result, error) {
	t, err := e.trades.Get(id)
	if err != nil {
		return Result{}, err
	}
	old := fpmath.Clone(t.Rate)
	if err := e.trades.UpdateRate(id, rate, caller); err != nil {
		return Result{}, err
	}
	return Result{Records: []event.Record{&event.RateUpdated{
		TradeID: id,
		OldRate: old.Dec(),
		NewRate: rate.Dec(),
	}}}, nil
}

func (e *Engine) SetRequirements(caller common.Address, r fee.Requirements) (Result, error) {
	if err := e.governance.SetRequirements(caller, r); err != nil {
		return Result{}, err
	}
	return Result{Records: []event.Record{&event.RequirementsUpdated{
		KeeperL1: r.KeeperL1.Dec(),
		KeeperL2: r.KeeperL2.Dec(),
		KeeperL3: r.KeeperL3.Dec(),
		Discount: r.Discount.Dec(),
	}}}, nil
}

func (e *Engine) SetFees(caller common.Address, mul fee.Multipliers) (Result, error) {
	if err := e.governance.SetFees(caller, mul); err != nil {
		return Result{}, err
	}
	return Result{Records: []event.Record{&event.FeesUpdated{
		KeeperL1: mul.KeeperL1,
		KeeperL2: mul.KeeperL2,
		KeeperL3: mul.KeeperL3,
		Basic:    mul.Basic,
		Discount: mul.Discount,
		Base:     mul.Base,
	}}}, nil
}

func (e *Engine) SetGovernance(caller, next common.Address) (Result, error) {
	prev := e.governance.Address()
	if next == e.Escrow() && e.governance.IsGovernance(caller) {
		return Result{}, fmt.Errorf("escrow cannot govern: %w", ErrInvalidGovernance)
	}
	if err := e.governance.SetGovernance(caller, next); err != nil {
		return Result{}, err
	}
	e.logger.Info().Str("previous", prev.Hex()).Str("next", next.Hex()).Msg("governance transferred")
	return Result{Records: []event.Record{&event.GovernanceTransferred{
		Previous: prev.Hex(),
		Next:     next.Hex(),
	}}}, nil
}

// --- Quotes ---

func (e *Engine) quoteFor(t *state.Trade, keeper common.Address) (fee.Quote, error) {
	q, err := fee.NewQuote(
		e.governance.Config(),
		e.oracle.BalanceOf(keeper),
		e.oracle.BalanceOf(t.Owner),
	)
	if err != nil {
		return fee.Quote{}, fmt.Errorf("quote trade %d: %w", t.ID, err)
	}
	return q, nil
}

// Quote reports what keeper would pay to fully fill trade id right now.
func (e *Engine) Quote(id uint64, keeper common.Address) (QuoteView, error) {
	t, err := e.trades.Get(id)
	if err != nil {
		return QuoteView{}, err
	}
	q, err := e.quoteFor(t, keeper)
	if err != nil {
		return QuoteView{}, err
	}
	full, err := maxIn(t, q)
	if err != nil {
		return QuoteView{}, fmt.Errorf("quote trade %d: %w", id, err)
	}
	return QuoteView{
		TradeID:   id,
		TradeType: t.Type,
		Current:   fpmath.Clone(t.CurrentFromAmount),
		Rate:      fpmath.Clone(t.Rate),
		KeeperMul: q.KeeperMul,
		TraderMul: q.TraderMul,
		Base:      q.Base,
		MaxIn:     full,
	}, nil
}

// --- Accessors ---

func (e *Engine) TradeCount() int {
	return e.index.Count()
}

func (e *Engine) TradeCountByOwner(owner common.Address) int {
	return e.index.CountByOwner(owner)
}

func (e *Engine) TradeIDAt(pos int) (uint64, error) {
	return e.index.IDAt(pos)
}

func (e *Engine) TradeIDByOwnerAt(owner common.Address, pos int) (uint64, error) {
	return e.index.IDByOwnerAt(owner, pos)
}

// Trade returns a copy of an active trade.
func (e *Engine) Trade(id uint64) (*state.Trade, error) {
	t, err := e.trades.Get(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Trades returns copies of all active trades ordered by id.
func (e *Engine) Trades() []*state.Trade {
	all := e.trades.All()
	out := make([]*state.Trade, len(all))
	for i, t := range all {
		out[i] = t.Clone()
	}
	return out
}

// Governance returns the current governance address.
func (e *Engine) Governance() common.Address {
	return e.governance.Address()
}

func (e *Engine) FeeConfig() fee.Config {
	return e.governance.Config()
}

func (e *Engine) NextTradeID() uint64 {
	return e.trades.NextID()
}

// Escrow is the custody address holding open trade balances.
func (e *Engine) Escrow() common.Address {
	return e.journals.Escrow()
}

// OpenEscrow sums the escrowed amount of active trades per asset.
func (e *Engine) OpenEscrow() map[common.Address]*uint256.Int {
	return e.trades.OpenEscrow()
}

// GlobalOrder and OwnerOrders expose the index layout for snapshots.
func (e *Engine) GlobalOrder() []uint64 {
	return e.index.GlobalOrder()
}

func (e *Engine) OwnerOrders() map[common.Address][]uint64 {
	out := make(map[common.Address][]uint64)
	for _, t := range e.trades.All() {
		if _, ok := out[t.Owner]; !ok {
			out[t.Owner] = e.index.OwnerOrder(t.Owner)
		}
	}
	return out
}

// Restore replaces the engine's trade state. Used on warm start only.
func (e *Engine) Restore(
	trades []*state.Trade,
	nextID uint64,
	global []uint64,
	owners map[common.Address][]uint64,
	governance common.Address,
	cfg fee.Config,
) error {
	ledgerState := state.NewTradeLedger()
	for _, t := range trades {
		if t.ID >= nextID {
			return fmt.Errorf("restore: trade %d at or past next id %d", t.ID, nextID)
		}
		ledgerState.Put(t.Clone())
	}
	ledgerState.SetNextID(nextID)

	index := state.NewActiveIndex(ledgerState.Lookup)
	if err := index.Restore(global, owners); err != nil {
		return err
	}
	if index.Count() != ledgerState.Len() {
		return fmt.Errorf("restore: index holds %d trades, ledger %d", index.Count(), ledgerState.Len())
	}
	if err := e.governance.Restore(governance, cfg); err != nil {
		return fmt.Errorf("restore governance: %w", err)
	}
	e.trades = ledgerState
	e.index = index
	return nil
}

// --- Invariants ---

// CheckEscrow verifies, for each asset, that the escrow account holds exactly
// the open escrow of active trades.
func (e *Engine) CheckEscrow(assets ...common.Address) error {
	open := e.trades.OpenEscrow()
	for _, asset := range assets {
		want, ok := open[asset]
		if !ok {
			want = new(uint256.Int)
		}
		got := e.custody.BalanceOf(e.Escrow(), asset)
		if !got.Eq(want) {
			return fmt.Errorf("escrow %s holds %s, open trades require %s",
				ledger.NewAccountKey(e.Escrow(), asset).AccountPath(), got.Dec(), want.Dec())
		}
	}
	return nil
}

// CheckIndex verifies every active trade's stored positions.
func (e *Engine) CheckIndex() error {
	if e.index.Count() != e.trades.Len() {
		return fmt.Errorf("index holds %d trades, ledger %d", e.index.Count(), e.trades.Len())
	}
	return e.index.Validate()
}

func (e *Engine) mustHoldEscrow(assets ...common.Address) {
	if err := e.CheckEscrow(assets...); err != nil {
		panic(fmt.Sprintf("FATAL: escrow invariant violated: %v", err))
	}
}
