package core_test

import (
	"KeepTrade/internal/core"
	"KeepTrade/internal/fee"
	"KeepTrade/internal/ledger"
	fpmath "KeepTrade/internal/math"
	"KeepTrade/internal/state"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	escrow   = common.HexToAddress("0x00000000000000000000000000000000000e5c70")
	gov      = common.HexToAddress("0x9000000000000000000000000000000000000009")
	govToken = common.HexToAddress("0x6000000000000000000000000000000000000006")
	alice    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob      = common.HexToAddress("0x2000000000000000000000000000000000000002")
	carol    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	keeper   = common.HexToAddress("0x4000000000000000000000000000000000000004")
	tokenA   = common.HexToAddress("0xa000000000000000000000000000000000000000")
	tokenB   = common.HexToAddress("0xb000000000000000000000000000000000000000")
	native   = ledger.NativeAsset
)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	engine  *core.Engine
	tracker *ledger.BalanceTracker
	n       int
}

func zeroFeeConfig() fee.Config {
	cfg := fee.DefaultConfig()
	cfg.Multipliers = fee.Multipliers{Base: 10_000}
	return cfg
}

func newHarness(t *testing.T, cfg fee.Config) *harness {
	t.Helper()
	governance, err := state.NewGovernance(gov, cfg)
	if err != nil {
		t.Fatalf("governance: %v", err)
	}
	tracker := ledger.NewBalanceTracker()
	e := core.NewEngine(governance, tracker, ledger.NewTokenOracle(tracker, govToken), escrow, zerolog.Nop())
	return &harness{t: t, engine: e, tracker: tracker}
}

func (h *harness) meta() core.Meta {
	h.n++
	return core.Meta{Ref: fmt.Sprintf("%s:%d", h.t.Name(), h.n), Sequence: int64(h.n), Timestamp: int64(h.n)}
}

func (h *harness) fund(holder, asset common.Address, amount *uint256.Int) {
	h.t.Helper()
	if _, err := h.engine.Deposit(h.meta(), holder, asset, amount); err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) mustCreate(tt state.TradeType, owner, from, to common.Address, amount, rate *uint256.Int) uint64 {
	h.t.Helper()
	h.fund(owner, from, amount)
	id, _, err := h.engine.Create(h.meta(), tt, owner, from, to, amount, rate)
	if err != nil {
		h.t.Fatalf("create: %v", err)
	}
	return id
}

func (h *harness) mustFill(tt state.TradeType, id uint64, offered *uint256.Int) {
	h.t.Helper()
	if _, err := h.engine.Fill(h.meta(), keeper, id, tt, offered); err != nil {
		h.t.Fatalf("fill %d: %v", id, err)
	}
}

func (h *harness) balance(holder, asset common.Address) *uint256.Int {
	return h.tracker.BalanceOf(holder, asset)
}

func (h *harness) assertBalance(name string, holder, asset common.Address, want *uint256.Int) {
	h.t.Helper()
	if got := h.balance(holder, asset); !got.Eq(want) {
		h.t.Errorf("%s: got %s, want %s", name, got.Dec(), want.Dec())
	}
}

func (h *harness) assertConserved() {
	h.t.Helper()
	v := ledger.NewInvariantValidator(h.tracker, escrow)
	if err := v.ValidateGlobalBalance(); err != nil {
		h.t.Fatalf("global balance: %v", err)
	}
	if err := v.ValidateEscrow(h.engine.OpenEscrow()); err != nil {
		h.t.Fatalf("escrow: %v", err)
	}
	if err := h.engine.CheckIndex(); err != nil {
		h.t.Fatalf("index: %v", err)
	}
}

func u(s string) *uint256.Int {
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ============================================================================
// Test: Creation
// ============================================================================

func TestCreate_EscrowsSourceLeg(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))

	if id != 0 {
		t.Fatalf("first id: got %d", id)
	}
	h.assertBalance("alice tokenA", alice, tokenA, new(uint256.Int))
	h.assertBalance("escrow tokenA", escrow, tokenA, fpmath.Units(1))

	tr, err := h.engine.Trade(id)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !tr.TotalFromAmount.Eq(fpmath.Units(1)) || !tr.CurrentFromAmount.Eq(fpmath.Units(1)) {
		t.Errorf("amounts: total %s current %s", tr.TotalFromAmount.Dec(), tr.CurrentFromAmount.Dec())
	}
	h.assertConserved()
}

func TestCreate_InsufficientFundsLeavesNoTrace(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	h.fund(alice, tokenA, fpmath.Units(1))

	_, _, err := h.engine.CreateAssetToAsset(h.meta(), alice, tokenA, tokenB, fpmath.Units(2), fpmath.Units(1))
	if !errors.Is(err, core.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if h.engine.TradeCount() != 0 || h.engine.NextTradeID() != 0 {
		t.Errorf("count %d next id %d", h.engine.TradeCount(), h.engine.NextTradeID())
	}
	h.assertBalance("alice tokenA", alice, tokenA, fpmath.Units(1))
	h.assertConserved()
}

func TestCreate_LegValidation(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	tests := []struct {
		name string
		tt   state.TradeType
		from common.Address
		to   common.Address
	}{
		{"native to native", state.TradeTypeNativeToAsset, native, native},
		{"asset to native with native source", state.TradeTypeAssetToNative, native, native},
		{"asset to same asset", state.TradeTypeAssetToAsset, tokenA, tokenA},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := h.engine.Create(h.meta(), tc.tt, alice, tc.from, tc.to, fpmath.Units(1), fpmath.Units(1))
			if !errors.Is(err, core.ErrInvalidTradeType) {
				t.Errorf("got %v", err)
			}
		})
	}
}

func TestCreate_ZeroAmountOrRate(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	if _, _, err := h.engine.CreateNativeToAsset(h.meta(), alice, tokenB, new(uint256.Int), fpmath.Units(1)); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, _, err := h.engine.CreateAssetToNative(h.meta(), alice, tokenA, fpmath.Units(1), new(uint256.Int)); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("zero rate: got %v", err)
	}
}

// ============================================================================
// Test: Fill with zero fees
// ============================================================================

func TestFill_FullAssetToAssetZeroFees(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))
	h.fund(keeper, tokenB, u("50000000000000000"))

	res, err := h.engine.Fill(h.meta(), keeper, id, state.TradeTypeAssetToAsset, u("50000000000000000"))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	h.assertBalance("keeper tokenB", keeper, tokenB, new(uint256.Int))
	h.assertBalance("alice tokenB", alice, tokenB, u("50000000000000000"))
	h.assertBalance("protocol tokenB", gov, tokenB, new(uint256.Int))
	h.assertBalance("keeper tokenA", keeper, tokenA, fpmath.Units(1))
	if _, err := h.engine.Trade(id); !errors.Is(err, core.ErrInvalidTradeID) {
		t.Errorf("filled trade still visible: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records: %d", len(res.Records))
	}
	h.assertConserved()
}

func TestFill_TwoHalvesTombstone(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	h.mustCreate(state.TradeTypeAssetToAsset, bob, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(2), u("30000000000000000"))
	h.fund(keeper, tokenB, u("60000000000000000"))

	globalBefore := h.engine.TradeCount()
	aliceBefore := h.engine.TradeCountByOwner(alice)

	h.mustFill(state.TradeTypeAssetToAsset, id, u("30000000000000000"))
	tr, err := h.engine.Trade(id)
	if err != nil {
		t.Fatalf("after first half: %v", err)
	}
	if !tr.CurrentFromAmount.Eq(fpmath.Units(1)) {
		t.Fatalf("remaining: got %s", tr.CurrentFromAmount.Dec())
	}

	h.mustFill(state.TradeTypeAssetToAsset, id, u("30000000000000000"))
	if _, err := h.engine.Trade(id); !errors.Is(err, core.ErrInvalidTradeID) {
		t.Fatalf("trade should be tombstoned, got %v", err)
	}
	if h.engine.TradeCount() != globalBefore-1 || h.engine.TradeCountByOwner(alice) != aliceBefore-1 {
		t.Errorf("counts: global %d owner %d", h.engine.TradeCount(), h.engine.TradeCountByOwner(alice))
	}
	h.assertBalance("keeper tokenA", keeper, tokenA, fpmath.Units(2))
	h.assertConserved()
}

// ============================================================================
// Test: Fill with default fees
// ============================================================================

func TestFill_AssetToAssetDefaultFees(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))
	h.fund(keeper, tokenB, fpmath.Units(1))

	q, err := h.engine.Quote(id, keeper)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Base.Dec() != "988020000000000000" || q.MaxIn.Dec() != "50606263031112730" {
		t.Fatalf("quote: base %s maxIn %s", q.Base.Dec(), q.MaxIn.Dec())
	}

	h.mustFill(state.TradeTypeAssetToAsset, id, fpmath.Units(1))

	h.assertBalance("alice tokenB", alice, tokenB, u("50000000000000000"))
	h.assertBalance("protocol tokenB", gov, tokenB, u("606263031112730"))
	h.assertBalance("keeper tokenB", keeper, tokenB, u("949393736968887270"))
	h.assertBalance("keeper tokenA", keeper, tokenA, fpmath.Units(1))
	h.assertConserved()
}

func TestFill_AssetToAssetPartialDefaultFees(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))
	h.fund(keeper, tokenB, u("20000000000000000"))

	res, err := h.engine.Fill(h.meta(), keeper, id, state.TradeTypeAssetToAsset, u("20000000000000000"))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	h.assertBalance("keeper tokenA", keeper, tokenA, u("395208000000000000"))
	h.assertBalance("alice tokenB", alice, tokenB, u("19760400000000000"))
	h.assertBalance("protocol tokenB", gov, tokenB, u("239600000000000"))
	h.assertBalance("escrow tokenA", escrow, tokenA, u("604792000000000000"))

	tr, _ := h.engine.Trade(id)
	if tr.CurrentFromAmount.Dec() != "604792000000000000" {
		t.Errorf("remaining: %s", tr.CurrentFromAmount.Dec())
	}
	if len(res.Records) != 1 {
		t.Fatalf("records: %d", len(res.Records))
	}
	h.assertConserved()
}

func TestFill_NativeToAssetDefaultFees(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	id := h.mustCreate(state.TradeTypeNativeToAsset, alice, native, tokenB, fpmath.Units(1), fpmath.Units(2000))
	h.fund(keeper, tokenB, fpmath.Units(3000))

	h.mustFill(state.TradeTypeNativeToAsset, id, fpmath.Units(500))
	h.assertBalance("alice tokenB after partial", alice, tokenB, fpmath.Units(500))
	h.assertBalance("keeper native after partial", keeper, native, u("247005000000000000"))

	h.mustFill(state.TradeTypeNativeToAsset, id, fpmath.Units(3000))

	h.assertBalance("alice tokenB", alice, tokenB, fpmath.Units(2000))
	h.assertBalance("keeper tokenB", keeper, tokenB, fpmath.Units(1000))
	h.assertBalance("keeper native", keeper, native, u("988020000000000000"))
	h.assertBalance("protocol native", gov, native, u("11980000000000000"))
	h.assertBalance("escrow native", escrow, native, new(uint256.Int))
	h.assertConserved()
}

func TestFill_AssetToNativeRefundsExcess(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	id := h.mustCreate(state.TradeTypeAssetToNative, alice, tokenA, native, fpmath.Units(1), u("50000000000000000"))
	h.fund(keeper, native, u("60000000000000000"))

	res, err := h.engine.Fill(h.meta(), keeper, id, state.TradeTypeAssetToNative, u("60000000000000000"))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	h.assertBalance("alice native", alice, native, u("50000000000000000"))
	h.assertBalance("protocol native", gov, native, u("606263031112730"))
	h.assertBalance("keeper native", keeper, native, u("9393736968887270"))
	h.assertBalance("keeper tokenA", keeper, tokenA, fpmath.Units(1))

	var refundLegs int
	for _, j := range res.Batch.Journals {
		if j.JournalType == ledger.JournalTypeKeeperRefund {
			refundLegs++
		}
	}
	if refundLegs != 1 {
		t.Errorf("refund journals: %d", refundLegs)
	}
	h.assertConserved()
}

func TestFill_TiersReadLive(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))
	h.fund(keeper, tokenB, fpmath.Units(1))

	// after creation: keeper reaches L3, trader reaches the discount
	h.fund(keeper, govToken, fpmath.Units(500_000))
	h.fund(alice, govToken, fpmath.Units(10_000))

	q, err := h.engine.Quote(id, keeper)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.KeeperMul != 0 || q.TraderMul != 0 || !q.Base.Eq(fpmath.Scale) {
		t.Fatalf("quote: %+v", q)
	}

	h.mustFill(state.TradeTypeAssetToAsset, id, fpmath.Units(1))
	h.assertBalance("protocol tokenB", gov, tokenB, new(uint256.Int))
	h.assertBalance("alice tokenB", alice, tokenB, u("50000000000000000"))
}

func TestFill_FeeChangeBetweenCreateAndFill(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))
	h.fund(keeper, tokenB, fpmath.Units(1))

	if _, err := h.engine.SetFees(gov, fee.DefaultConfig().Multipliers); err != nil {
		t.Fatalf("set fees: %v", err)
	}
	h.mustFill(state.TradeTypeAssetToAsset, id, fpmath.Units(1))
	h.assertBalance("protocol tokenB", gov, tokenB, u("606263031112730"))
}

func TestFill_AfterRateUpdate(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))
	h.fund(keeper, tokenB, fpmath.Units(1))

	if _, err := h.engine.UpdateRate(bob, id, fpmath.Units(1)); !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("non-owner update: got %v", err)
	}
	res, err := h.engine.UpdateRate(alice, id, u("100000000000000000"))
	if err != nil {
		t.Fatalf("update rate: %v", err)
	}
	if len(res.Records) != 1 || res.Batch != nil {
		t.Fatalf("rate update result: %+v", res)
	}

	h.mustFill(state.TradeTypeAssetToAsset, id, fpmath.Units(1))
	h.assertBalance("alice tokenB", alice, tokenB, u("100000000000000000"))
}

// ============================================================================
// Test: Fill rejections
// ============================================================================

func TestFill_Rejections(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("1000000000000000000000000000000000000"))
	h.fund(keeper, tokenB, fpmath.Units(1))

	tests := []struct {
		name    string
		id      uint64
		tt      state.TradeType
		offered *uint256.Int
		want    error
	}{
		{"unknown id", 99, state.TradeTypeAssetToAsset, fpmath.Units(1), core.ErrInvalidTradeID},
		{"wrong entry point", id, state.TradeTypeNativeToAsset, fpmath.Units(1), core.ErrInvalidTradeType},
		{"zero offer", id, state.TradeTypeAssetToAsset, new(uint256.Int), core.ErrInvalidAmount},
		{"offer consumes nothing", id, state.TradeTypeAssetToAsset, uint256.NewInt(1), core.ErrInvalidAmount},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Fill(h.meta(), keeper, tc.id, tc.tt, tc.offered)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
	tr, _ := h.engine.Trade(id)
	if !tr.CurrentFromAmount.Eq(fpmath.Units(1)) {
		t.Error("rejected fills changed the trade")
	}
}

func TestFill_InsufficientKeeperFundsRollsBack(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	h.mustCreate(state.TradeTypeAssetToAsset, bob, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))
	h.mustCreate(state.TradeTypeAssetToAsset, carol, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))
	h.fund(keeper, tokenB, u("10000000000000000"))

	before, _ := h.engine.Trade(id)
	_, err := h.engine.Fill(h.meta(), keeper, id, state.TradeTypeAssetToAsset, u("50000000000000000"))
	if !errors.Is(err, core.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	after, err := h.engine.Trade(id)
	if err != nil {
		t.Fatalf("trade vanished: %v", err)
	}
	if !after.CurrentFromAmount.Eq(before.CurrentFromAmount) ||
		after.GlobalIndex != before.GlobalIndex || after.OwnerIndex != before.OwnerIndex {
		t.Errorf("trade changed: before %+v after %+v", before, after)
	}
	if got, _ := h.engine.TradeIDAt(1); got != id {
		t.Errorf("global position 1 holds %d", got)
	}
	h.assertBalance("keeper tokenB", keeper, tokenB, u("10000000000000000"))
	h.assertConserved()
}

func TestFill_RefusedNativePushRollsBack(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	id := h.mustCreate(state.TradeTypeNativeToAsset, alice, native, tokenB, fpmath.Units(1), fpmath.Units(2000))
	h.fund(keeper, tokenB, fpmath.Units(2000))
	h.tracker.SetRefusesNative(keeper, true)

	_, err := h.engine.Fill(h.meta(), keeper, id, state.TradeTypeNativeToAsset, fpmath.Units(2000))
	if !errors.Is(err, core.ErrTransferRefused) {
		t.Fatalf("expected ErrTransferRefused, got %v", err)
	}
	if h.engine.TradeCount() != 1 {
		t.Fatalf("trade count: %d", h.engine.TradeCount())
	}
	h.assertBalance("keeper tokenB", keeper, tokenB, fpmath.Units(2000))
	h.assertBalance("escrow native", escrow, native, fpmath.Units(1))
	h.assertConserved()
}

// ============================================================================
// Test: Cancellation
// ============================================================================

func TestCancel_NonOwnerDenied(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))

	_, err := h.engine.Cancel(h.meta(), bob, []uint64{id})
	if !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if h.engine.TradeCount() != 1 || h.engine.TradeCountByOwner(alice) != 1 {
		t.Error("index changed on rejected cancel")
	}
	h.assertBalance("escrow tokenA", escrow, tokenA, fpmath.Units(1))
}

func TestCancel_RefundsAndCompacts(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	for _, owner := range []common.Address{alice, bob, alice, carol} {
		h.mustCreate(state.TradeTypeAssetToAsset, owner, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))
	}

	if _, err := h.engine.Cancel(h.meta(), alice, []uint64{2}); err != nil {
		t.Fatalf("cancel 2: %v", err)
	}
	res, err := h.engine.Cancel(h.meta(), alice, []uint64{0})
	if err != nil {
		t.Fatalf("cancel 0: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records: %d", len(res.Records))
	}
	h.mustCreate(state.TradeTypeAssetToAsset, bob, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))

	wantGlobal := []uint64{3, 1, 4}
	for pos, want := range wantGlobal {
		if got, _ := h.engine.TradeIDAt(pos); got != want {
			t.Errorf("global[%d]: got %d, want %d", pos, got, want)
		}
	}
	if got, _ := h.engine.TradeIDByOwnerAt(bob, 1); got != 4 {
		t.Errorf("bob[1]: got %d", got)
	}
	if h.engine.TradeCountByOwner(alice) != 0 {
		t.Errorf("alice count: %d", h.engine.TradeCountByOwner(alice))
	}
	h.assertBalance("alice tokenA", alice, tokenA, fpmath.Units(2))
	h.assertConserved()
}

func TestCancel_BatchIsAtomic(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	a := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))
	b := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))

	if _, err := h.engine.Cancel(h.meta(), alice, []uint64{a, 42}); !errors.Is(err, core.ErrInvalidTradeID) {
		t.Fatalf("unknown id: got %v", err)
	}
	if _, err := h.engine.Cancel(h.meta(), alice, []uint64{a, b, a}); !errors.Is(err, core.ErrInvalidTradeID) {
		t.Fatalf("duplicate id: got %v", err)
	}
	if h.engine.TradeCount() != 2 {
		t.Fatalf("count: %d", h.engine.TradeCount())
	}
	h.assertBalance("escrow tokenA", escrow, tokenA, fpmath.Units(2))
}

func TestCancel_RefusedRefundRestoresIndex(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))
	n1 := h.mustCreate(state.TradeTypeNativeToAsset, bob, native, tokenB, fpmath.Units(1), fpmath.Units(1))
	n2 := h.mustCreate(state.TradeTypeNativeToAsset, bob, native, tokenB, fpmath.Units(2), fpmath.Units(1))
	h.mustCreate(state.TradeTypeAssetToAsset, carol, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))
	h.tracker.SetRefusesNative(bob, true)

	_, err := h.engine.Cancel(h.meta(), bob, []uint64{n1, n2})
	if !errors.Is(err, core.ErrTransferRefused) {
		t.Fatalf("expected ErrTransferRefused, got %v", err)
	}
	for pos, want := range []uint64{0, 1, 2, 3} {
		if got, _ := h.engine.TradeIDAt(pos); got != want {
			t.Errorf("global[%d]: got %d, want %d", pos, got, want)
		}
	}
	if got, _ := h.engine.TradeIDByOwnerAt(bob, 1); got != n2 {
		t.Errorf("bob[1]: got %d", got)
	}
	h.assertBalance("escrow native", escrow, native, fpmath.Units(3))
	h.assertConserved()
}

func TestCancelFromOwner_GovernanceOnly(t *testing.T) {
	h := newHarness(t, zeroFeeConfig())
	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), fpmath.Units(1))

	if _, err := h.engine.CancelFromOwner(h.meta(), alice, []uint64{id}); !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("owner as admin: got %v", err)
	}
	if _, err := h.engine.CancelFromOwner(h.meta(), gov, []uint64{id}); err != nil {
		t.Fatalf("governance cancel: %v", err)
	}
	h.assertBalance("alice tokenA", alice, tokenA, fpmath.Units(1))
	h.assertConserved()
}

// ============================================================================
// Test: Governance
// ============================================================================

func TestGovernance_BadRequirementsUnchanged(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	_, err := h.engine.SetRequirements(gov, fee.Requirements{
		KeeperL1: uint256.NewInt(10),
		KeeperL2: uint256.NewInt(0),
		KeeperL3: uint256.NewInt(20000),
		Discount: uint256.NewInt(100),
	})
	if !errors.Is(err, core.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
	if !h.engine.FeeConfig().Requirements.KeeperL2.Eq(fpmath.Units(100_000)) {
		t.Error("requirements changed")
	}
}

func TestGovernance_TransferMovesFeeRecipient(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	if _, err := h.engine.SetGovernance(gov, escrow); !errors.Is(err, core.ErrInvalidGovernance) {
		t.Fatalf("escrow as governance: got %v", err)
	}
	if _, err := h.engine.SetGovernance(gov, carol); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if h.engine.Governance() != carol {
		t.Fatalf("governance: %s", h.engine.Governance().Hex())
	}
	if _, err := h.engine.SetFees(gov, fee.DefaultConfig().Multipliers); !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("old governor: got %v", err)
	}

	id := h.mustCreate(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), u("50000000000000000"))
	h.fund(keeper, tokenB, fpmath.Units(1))
	h.mustFill(state.TradeTypeAssetToAsset, id, fpmath.Units(1))
	h.assertBalance("new governor tokenB", carol, tokenB, u("606263031112730"))
	h.assertBalance("old governor tokenB", gov, tokenB, new(uint256.Int))
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrapped: %w", core.ErrInvalidTradeID), "InvalidTradeId"},
		{core.ErrInsufficientFunds, "InsufficientFunds"},
		{errors.New("boom"), "Internal"},
	}
	for _, tc := range tests {
		if got := core.RejectReason(tc.err); got != tc.want {
			t.Errorf("%v: got %q, want %q", tc.err, got, tc.want)
		}
	}
}
