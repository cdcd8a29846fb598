package state_test

import (
	"KeepTrade/internal/fee"
	"KeepTrade/internal/ledger"
	fpmath "KeepTrade/internal/math"
	"KeepTrade/internal/state"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	gov    = common.HexToAddress("0x9000000000000000000000000000000000000009")
	alice  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	carol  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	tokenA = common.HexToAddress("0xa000000000000000000000000000000000000000")
	tokenB = common.HexToAddress("0xb000000000000000000000000000000000000000")
)

type book struct {
	ledger *state.TradeLedger
	index  *state.ActiveIndex
}

func newBook() *book {
	l := state.NewTradeLedger()
	return &book{ledger: l, index: state.NewActiveIndex(l.Lookup)}
}

func (b *book) mustCreate(t *testing.T, owner common.Address, amount uint64) *state.Trade {
	t.Helper()
	tr, err := b.ledger.Create(state.TradeTypeAssetToAsset, owner, tokenA, tokenB,
		fpmath.Units(amount), uint256.NewInt(5e16))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b.index.Insert(tr)
	return tr
}

func (b *book) mustCancel(t *testing.T, id uint64) state.Removal {
	t.Helper()
	tr, err := b.ledger.Get(id)
	if err != nil {
		t.Fatalf("get %d: %v", id, err)
	}
	rec := b.index.Remove(tr)
	if _, err := b.ledger.Tombstone(id); err != nil {
		t.Fatalf("tombstone %d: %v", id, err)
	}
	return rec
}

func assertOrder(t *testing.T, name string, got, want []uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %v, want %v", name, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s: got %v, want %v", name, got, want)
		}
	}
}

// ============================================================================
// Test: TradeType
// ============================================================================

func TestTradeType_ParseRoundTrip(t *testing.T) {
	for _, tt := range []state.TradeType{
		state.TradeTypeAssetToAsset, state.TradeTypeNativeToAsset, state.TradeTypeAssetToNative,
	} {
		got, err := state.ParseTradeType(tt.String())
		if err != nil || got != tt {
			t.Errorf("%s: got %v, %v", tt, got, err)
		}
	}
	if _, err := state.ParseTradeType("Swap"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestValidateLegs(t *testing.T) {
	tests := []struct {
		name string
		tt   state.TradeType
		from common.Address
		to   common.Address
		ok   bool
	}{
		{"asset to asset", state.TradeTypeAssetToAsset, tokenA, tokenB, true},
		{"asset to same asset", state.TradeTypeAssetToAsset, tokenA, tokenA, false},
		{"asset to asset with native", state.TradeTypeAssetToAsset, ledger.NativeAsset, tokenB, false},
		{"native to asset", state.TradeTypeNativeToAsset, ledger.NativeAsset, tokenB, true},
		{"native to native", state.TradeTypeNativeToAsset, ledger.NativeAsset, ledger.NativeAsset, false},
		{"asset to native", state.TradeTypeAssetToNative, tokenA, ledger.NativeAsset, true},
		{"native to native as asset", state.TradeTypeAssetToNative, ledger.NativeAsset, ledger.NativeAsset, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := state.ValidateLegs(tc.tt, tc.from, tc.to)
			if (err == nil) != tc.ok {
				t.Errorf("got %v, ok=%v", err, tc.ok)
			}
		})
	}
}

// ============================================================================
// Test: TradeLedger
// ============================================================================

func TestTradeLedger_IDsAreGapless(t *testing.T) {
	b := newBook()
	for i := uint64(0); i < 3; i++ {
		tr := b.mustCreate(t, alice, 1)
		if tr.ID != i {
			t.Fatalf("id: got %d, want %d", tr.ID, i)
		}
	}
	b.mustCancel(t, 1)
	if tr := b.mustCreate(t, alice, 1); tr.ID != 3 {
		t.Errorf("cancelled ids must not be reissued, got %d", tr.ID)
	}
}

func TestTradeLedger_RejectsZeroAmountAndRate(t *testing.T) {
	l := state.NewTradeLedger()
	if _, err := l.Create(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, new(uint256.Int), fpmath.Units(1)); !errors.Is(err, state.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := l.Create(state.TradeTypeAssetToAsset, alice, tokenA, tokenB, fpmath.Units(1), new(uint256.Int)); !errors.Is(err, state.ErrInvalidAmount) {
		t.Errorf("zero rate: got %v", err)
	}
	if l.NextID() != 0 {
		t.Errorf("failed create must not allocate, next id %d", l.NextID())
	}
}

func TestTradeLedger_UpdateRateOwnerOnly(t *testing.T) {
	b := newBook()
	tr := b.mustCreate(t, alice, 1)

	err := b.ledger.UpdateRate(tr.ID, uint256.NewInt(7e16), bob)
	if !errors.Is(err, state.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if tr.Rate.Uint64() != 5e16 {
		t.Fatal("rate changed on rejected update")
	}

	if err := b.ledger.UpdateRate(tr.ID, uint256.NewInt(7e16), alice); err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if tr.Rate.Uint64() != 7e16 {
		t.Errorf("rate: got %s", tr.Rate.Dec())
	}
}

func TestTradeLedger_ConsumeToZeroRemoves(t *testing.T) {
	b := newBook()
	tr := b.mustCreate(t, alice, 2)

	remaining, err := b.ledger.Consume(tr.ID, fpmath.Units(1))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !remaining.Eq(fpmath.Units(1)) {
		t.Fatalf("remaining: got %s", remaining.Dec())
	}
	if _, err := b.ledger.Consume(tr.ID, fpmath.Units(2)); !errors.Is(err, state.ErrInvalidAmount) {
		t.Fatalf("over-consume: got %v", err)
	}
	if _, err := b.ledger.Consume(tr.ID, fpmath.Units(1)); err != nil {
		t.Fatalf("final consume: %v", err)
	}
	if _, err := b.ledger.Get(tr.ID); !errors.Is(err, state.ErrInvalidTradeID) {
		t.Errorf("exhausted trade must be gone, got %v", err)
	}
	if !tr.TotalFromAmount.Eq(fpmath.Units(2)) {
		t.Error("total amount must not change")
	}
}

func TestTradeLedger_OpenEscrow(t *testing.T) {
	b := newBook()
	b.mustCreate(t, alice, 2)
	b.mustCreate(t, bob, 3)
	if _, err := b.ledger.Create(state.TradeTypeNativeToAsset, bob, ledger.NativeAsset, tokenB,
		fpmath.Units(4), uint256.NewInt(1e18)); err != nil {
		t.Fatal(err)
	}

	escrow := b.ledger.OpenEscrow()
	if !escrow[tokenA].Eq(fpmath.Units(5)) {
		t.Errorf("tokenA: got %s", escrow[tokenA].Dec())
	}
	if !escrow[ledger.NativeAsset].Eq(fpmath.Units(4)) {
		t.Errorf("native: got %s", escrow[ledger.NativeAsset].Dec())
	}
}

func TestTrade_CloneIsDeep(t *testing.T) {
	b := newBook()
	tr := b.mustCreate(t, alice, 1)
	cp := tr.Clone()
	cp.CurrentFromAmount.SetUint64(0)
	if tr.CurrentFromAmount.IsZero() {
		t.Error("clone aliases the original amount")
	}
}

// ============================================================================
// Test: ActiveIndex
// ============================================================================

func TestActiveIndex_InsertRecordsPositions(t *testing.T) {
	b := newBook()
	t0 := b.mustCreate(t, alice, 1)
	t1 := b.mustCreate(t, bob, 1)
	t2 := b.mustCreate(t, alice, 1)

	if t2.GlobalIndex != 2 || t2.OwnerIndex != 1 || t1.OwnerIndex != 0 || t0.GlobalIndex != 0 {
		t.Errorf("positions: t0=%d/%d t1=%d/%d t2=%d/%d",
			t0.GlobalIndex, t0.OwnerIndex, t1.GlobalIndex, t1.OwnerIndex, t2.GlobalIndex, t2.OwnerIndex)
	}
	if b.index.Count() != 3 || b.index.CountByOwner(alice) != 2 {
		t.Errorf("counts: %d, %d", b.index.Count(), b.index.CountByOwner(alice))
	}
}

// Four trades over three owners, cancel the 1st and 3rd out of order, then
// create a 5th.
func TestActiveIndex_SwapAndTruncate(t *testing.T) {
	b := newBook()
	b.mustCreate(t, alice, 1) // 0
	b.mustCreate(t, bob, 1)   // 1
	b.mustCreate(t, alice, 1) // 2
	b.mustCreate(t, carol, 1) // 3

	b.mustCancel(t, 2)
	assertOrder(t, "global after cancel 2", b.index.GlobalOrder(), []uint64{0, 1, 3})
	assertOrder(t, "alice after cancel 2", b.index.OwnerOrder(alice), []uint64{0})

	b.mustCancel(t, 0)
	assertOrder(t, "global after cancel 0", b.index.GlobalOrder(), []uint64{3, 1})
	if b.index.CountByOwner(alice) != 0 {
		t.Fatalf("alice should have no trades")
	}

	t4 := b.mustCreate(t, bob, 1)
	if t4.ID != 4 {
		t.Fatalf("id: got %d", t4.ID)
	}
	assertOrder(t, "global", b.index.GlobalOrder(), []uint64{3, 1, 4})
	assertOrder(t, "bob", b.index.OwnerOrder(bob), []uint64{1, 4})
	assertOrder(t, "carol", b.index.OwnerOrder(carol), []uint64{3})

	t3, _ := b.ledger.Get(3)
	if t3.GlobalIndex != 0 || t3.OwnerIndex != 0 {
		t.Errorf("trade 3: %d/%d", t3.GlobalIndex, t3.OwnerIndex)
	}
	if t4.GlobalIndex != 2 || t4.OwnerIndex != 1 {
		t.Errorf("trade 4: %d/%d", t4.GlobalIndex, t4.OwnerIndex)
	}
	if id, _ := b.index.IDByOwnerAt(bob, 1); id != 4 {
		t.Errorf("IDByOwnerAt: got %d", id)
	}
	if err := b.index.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestActiveIndex_PositionOutOfRange(t *testing.T) {
	b := newBook()
	b.mustCreate(t, alice, 1)
	if _, err := b.index.IDAt(1); !errors.Is(err, state.ErrInvalidTradeID) {
		t.Errorf("IDAt: got %v", err)
	}
	if _, err := b.index.IDByOwnerAt(bob, 0); !errors.Is(err, state.ErrInvalidTradeID) {
		t.Errorf("IDByOwnerAt: got %v", err)
	}
}

func TestActiveIndex_UndoRestoresExactOrder(t *testing.T) {
	b := newBook()
	for _, owner := range []common.Address{alice, bob, alice, carol, alice} {
		b.mustCreate(t, owner, 1)
	}
	globalBefore := b.index.GlobalOrder()
	aliceBefore := b.index.OwnerOrder(alice)

	snap := map[uint64]*state.Trade{}
	for _, id := range []uint64{0, 3, 4} {
		tr, _ := b.ledger.Get(id)
		snap[id] = tr
	}
	var removals []state.Removal
	for _, id := range []uint64{0, 3, 4} {
		removals = append(removals, b.mustCancel(t, id))
	}

	for i := len(removals) - 1; i >= 0; i-- {
		rec := removals[i]
		tr := snap[rec.ID]
		tr.CurrentFromAmount = fpmath.Units(1)
		b.ledger.Put(tr)
		b.index.Undo(rec)
	}

	assertOrder(t, "global", b.index.GlobalOrder(), globalBefore)
	assertOrder(t, "alice", b.index.OwnerOrder(alice), aliceBefore)
	if err := b.index.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestActiveIndex_RestoreFromOrder(t *testing.T) {
	b := newBook()
	b.mustCreate(t, alice, 1)
	b.mustCreate(t, bob, 1)
	b.mustCreate(t, alice, 1)
	b.mustCancel(t, 0)

	global := b.index.GlobalOrder()
	owners := map[common.Address][]uint64{
		alice: b.index.OwnerOrder(alice),
		bob:   b.index.OwnerOrder(bob),
	}

	fresh := state.NewActiveIndex(b.ledger.Lookup)
	if err := fresh.Restore(global, owners); err != nil {
		t.Fatalf("restore: %v", err)
	}
	assertOrder(t, "global", fresh.GlobalOrder(), global)
	if fresh.CountByOwner(alice) != 1 {
		t.Errorf("alice count: %d", fresh.CountByOwner(alice))
	}
}

// ============================================================================
// Test: Governance
// ============================================================================

func mustGovernance(t *testing.T) *state.Governance {
	t.Helper()
	g, err := state.NewGovernance(gov, fee.DefaultConfig())
	if err != nil {
		t.Fatalf("new governance: %v", err)
	}
	return g
}

func TestGovernance_RejectsNonGovernor(t *testing.T) {
	g := mustGovernance(t)
	m := fee.DefaultConfig().Multipliers
	m.Basic = 10
	if err := g.SetFees(alice, m); !errors.Is(err, state.ErrPermissionDenied) {
		t.Errorf("SetFees: got %v", err)
	}
	if err := g.SetRequirements(alice, fee.DefaultConfig().Requirements); !errors.Is(err, state.ErrPermissionDenied) {
		t.Errorf("SetRequirements: got %v", err)
	}
	if err := g.SetGovernance(alice, alice); !errors.Is(err, state.ErrPermissionDenied) {
		t.Errorf("SetGovernance: got %v", err)
	}
	if g.Config().Multipliers.Basic != 20 {
		t.Error("config changed on rejected call")
	}
}

func TestGovernance_BadRequirementsLeaveConfig(t *testing.T) {
	g := mustGovernance(t)
	before := g.Config()

	err := g.SetRequirements(gov, fee.Requirements{
		KeeperL1: uint256.NewInt(10),
		KeeperL2: uint256.NewInt(0),
		KeeperL3: uint256.NewInt(20000),
		Discount: uint256.NewInt(100),
	})
	if !errors.Is(err, fee.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
	after := g.Config()
	if !after.Requirements.KeeperL2.Eq(before.Requirements.KeeperL2) ||
		!after.Requirements.KeeperL1.Eq(before.Requirements.KeeperL1) {
		t.Error("requirements changed on failure")
	}
}

func TestGovernance_SetFees(t *testing.T) {
	g := mustGovernance(t)
	m := fee.Multipliers{KeeperL1: 200, KeeperL2: 100, KeeperL3: 10, Basic: 20, Discount: 10, Base: 10000}
	if err := g.SetFees(gov, m); err != nil {
		t.Fatalf("set fees: %v", err)
	}
	if g.Config().Multipliers != m {
		t.Errorf("multipliers: got %+v", g.Config().Multipliers)
	}

	bad := m
	bad.Base = 999
	if err := g.SetFees(gov, bad); !errors.Is(err, fee.ErrInvalidFeeBase) {
		t.Errorf("base 999: got %v", err)
	}
	if g.Config().Multipliers != m {
		t.Error("multipliers changed on failure")
	}
}

func TestGovernance_Transfer(t *testing.T) {
	g := mustGovernance(t)
	if err := g.SetGovernance(gov, common.Address{}); !errors.Is(err, state.ErrInvalidGovernance) {
		t.Fatalf("zero address: got %v", err)
	}
	if err := g.SetGovernance(gov, alice); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if g.Address() != alice || g.IsGovernance(gov) {
		t.Error("old governor still in control")
	}
}

func TestGovernance_ConfigIsCopy(t *testing.T) {
	g := mustGovernance(t)
	cfg := g.Config()
	cfg.Requirements.KeeperL2.SetUint64(0)
	if g.Config().Requirements.KeeperL2.IsZero() {
		t.Error("Config leaks internal thresholds")
	}
}
