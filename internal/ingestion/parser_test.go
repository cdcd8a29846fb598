package ingestion_test

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/ingestion"
	"KeepTrade/internal/ledger"
	fpmath "KeepTrade/internal/math"
	"KeepTrade/internal/state"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	requestID = "550e8400-e29b-41d4-a716-446655440000"
	ownerHex  = "0x1000000000000000000000000000000000000001"
	keeperHex = "0x4000000000000000000000000000000000000004"
	tokenAHex = "0xa000000000000000000000000000000000000000"
	tokenBHex = "0xb000000000000000000000000000000000000000"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func mustParse(t *testing.T, et event.EventType, payload map[string]interface{}) event.Event {
	t.Helper()
	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), et)
	if err != nil {
		t.Fatalf("parse %s: %v", et, err)
	}
	if evt.EventType() != et {
		t.Fatalf("event type: got %s, want %s", evt.EventType(), et)
	}
	return evt
}

// ============================================================================
// Test: Command payloads
// ============================================================================

func TestParseDeposit_Native(t *testing.T) {
	evt := mustParse(t, event.EventTypeDeposit, map[string]interface{}{
		"deposit_id":   requestID,
		"holder":       ownerHex,
		"asset":        "native",
		"amount":       "2.5",
		"sequence":     int64(3),
		"timestamp_us": int64(1700000000000000),
	})
	d := evt.(*event.Deposit)
	if d.Asset != ledger.NativeAsset {
		t.Errorf("asset: %s", d.Asset.Hex())
	}
	if d.Amount.Dec() != "2500000000000000000" {
		t.Errorf("amount: %s", d.Amount.Dec())
	}
	if d.SourceSequence() != 3 || d.EventTimestamp() != 1700000000000000 {
		t.Errorf("sequence %d timestamp %d", d.SourceSequence(), d.EventTimestamp())
	}
}

func TestParseCreateTrade(t *testing.T) {
	evt := mustParse(t, event.EventTypeCreateTrade, map[string]interface{}{
		"request_id": requestID,
		"owner":      ownerHex,
		"trade_type": "AssetToAsset",
		"from_asset": tokenAHex,
		"to_asset":   tokenBHex,
		"amount":     "1000000000000000000",
		"rate":       "0.05",
		"nonce":      int64(7),
	})
	c := evt.(*event.CreateTrade)
	if c.TradeType != state.TradeTypeAssetToAsset || c.Owner != common.HexToAddress(ownerHex) {
		t.Errorf("trade: %+v", c)
	}
	if !c.Amount.Eq(fpmath.Units(1)) || c.Rate.Dec() != "50000000000000000" {
		t.Errorf("amount %s rate %s", c.Amount.Dec(), c.Rate.Dec())
	}
	if c.Nonce != 7 || c.Caller() != c.Owner {
		t.Errorf("nonce %d caller %s", c.Nonce, c.Caller().Hex())
	}
}

func TestParseFillTrade(t *testing.T) {
	evt := mustParse(t, event.EventTypeFillTrade, map[string]interface{}{
		"request_id": requestID,
		"keeper":     keeperHex,
		"trade_id":   uint64(4),
		"trade_type": "NativeToAsset",
		"offered":    "500",
		"nonce":      int64(0),
	})
	f := evt.(*event.FillTrade)
	if f.TradeID != 4 || f.TradeType != state.TradeTypeNativeToAsset || f.Offered.Uint64() != 500 {
		t.Errorf("fill: %+v", f)
	}
}

func TestParseCancel_AdminSubject(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": requestID,
		"from":       ownerHex,
		"trade_ids":  []uint64{2, 0},
		"nonce":      int64(1),
	}
	user := mustParse(t, event.EventTypeCancelTrades, payload).(*event.CancelTrades)
	admin := mustParse(t, event.EventTypeAdminCancel, payload).(*event.CancelTrades)
	if user.Admin || !admin.Admin {
		t.Errorf("admin flags: user %v admin %v", user.Admin, admin.Admin)
	}
	if len(user.TradeIDs) != 2 || user.TradeIDs[0] != 2 {
		t.Errorf("ids: %v", user.TradeIDs)
	}
}

func TestParseGovernanceCommands(t *testing.T) {
	reqs := mustParse(t, event.EventTypeSetRequirements, map[string]interface{}{
		"request_id": requestID,
		"from":       ownerHex,
		"keeper_l1":  "0",
		"keeper_l2":  "100000.0",
		"keeper_l3":  "500000.0",
		"discount":   "10000.0",
	}).(*event.SetRequirements)
	if !reqs.Requirements.KeeperL3.Eq(fpmath.Units(500_000)) {
		t.Errorf("l3: %s", reqs.Requirements.KeeperL3.Dec())
	}

	fees := mustParse(t, event.EventTypeSetFees, map[string]interface{}{
		"request_id": requestID,
		"from":       ownerHex,
		"keeper_l1":  100, "keeper_l2": 30, "keeper_l3": 0,
		"basic": 20, "discount": 0, "base": 10000,
	}).(*event.SetFees)
	if fees.Multipliers.KeeperL1 != 100 || fees.Multipliers.Base != 10_000 {
		t.Errorf("fees: %+v", fees.Multipliers)
	}

	gov := mustParse(t, event.EventTypeSetGovernance, map[string]interface{}{
		"request_id": requestID,
		"from":       ownerHex,
		"next":       keeperHex,
	}).(*event.SetGovernance)
	if gov.Next != common.HexToAddress(keeperHex) {
		t.Errorf("next: %s", gov.Next.Hex())
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		et      event.EventType
		payload map[string]interface{}
	}{
		{"bad uuid", event.EventTypeCreateTrade, map[string]interface{}{
			"request_id": "nope", "owner": ownerHex, "trade_type": "AssetToAsset",
			"from_asset": tokenAHex, "to_asset": tokenBHex, "amount": "1", "rate": "1"}},
		{"bad owner", event.EventTypeCreateTrade, map[string]interface{}{
			"request_id": requestID, "owner": "0x12", "trade_type": "AssetToAsset",
			"from_asset": tokenAHex, "to_asset": tokenBHex, "amount": "1", "rate": "1"}},
		{"bad trade type", event.EventTypeFillTrade, map[string]interface{}{
			"request_id": requestID, "keeper": keeperHex, "trade_type": "Swap", "offered": "1"}},
		{"missing amount", event.EventTypeDeposit, map[string]interface{}{
			"deposit_id": requestID, "holder": ownerHex, "asset": tokenAHex}},
		{"negative amount", event.EventTypeDeposit, map[string]interface{}{
			"deposit_id": requestID, "holder": ownerHex, "asset": tokenAHex, "amount": "-1"}},
		{"amount overflow", event.EventTypeFillTrade, map[string]interface{}{
			"request_id": requestID, "keeper": keeperHex, "trade_type": "AssetToAsset",
			"offered": "1157920892373161954235709850086879078532699846656405640394575840079131296399360"}},
		{"unknown type", event.EventTypeUnknown, map[string]interface{}{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, tc.payload), tc.et)
			if !errors.Is(err, ingestion.ErrMalformed) {
				t.Errorf("got %v", err)
			}
		})
	}
}

func TestParse_NotJSON(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte("{")}
	if _, err := ingestion.ParseRawEvent(raw, event.EventTypeUpdateRate); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("got %v", err)
	}
}
