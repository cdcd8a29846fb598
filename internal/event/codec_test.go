package event_test

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/fee"
	"KeepTrade/internal/state"
	"KeepTrade/internal/testutil"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

func TestDecodePayload_CreateTrade(t *testing.T) {
	in := &event.CreateTrade{
		RequestID: uuid.New(),
		Owner:     common.HexToAddress("0x1000000000000000000000000000000000000001"),
		TradeType: state.TradeTypeAssetToNative,
		FromAsset: common.HexToAddress("0xa000000000000000000000000000000000000000"),
		Amount:    uint256.MustFromDecimal("123456789012345678901234567890"),
		Rate:      uint256.NewInt(50_000_000_000_000_000),
		Nonce:     7,
		Timestamp: 1_700_000_000_000_000,
	}
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	evt, err := event.DecodePayload(event.EventTypeCreateTrade, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := evt.(*event.CreateTrade)
	if !ok {
		t.Fatalf("type: %T", evt)
	}
	if out.RequestID != in.RequestID || out.Owner != in.Owner || out.TradeType != in.TradeType {
		t.Errorf("identity fields: %+v", out)
	}
	if !out.Amount.Eq(in.Amount) || !out.Rate.Eq(in.Rate) || out.Nonce != 7 {
		t.Errorf("amounts: %s %s nonce %d", out.Amount.Dec(), out.Rate.Dec(), out.Nonce)
	}
}

func TestDecodePayload_AdminCancelKeepsFlag(t *testing.T) {
	payload, _ := json.Marshal(&event.CancelTrades{RequestID: uuid.New(), TradeIDs: []uint64{3, 1}, Admin: true})
	evt, err := event.DecodePayload(event.EventTypeAdminCancel, payload)
	if err != nil {
		t.Fatal(err)
	}
	if evt.EventType() != event.EventTypeAdminCancel {
		t.Errorf("event type: %s", evt.EventType())
	}
}

func TestDecodePayload_SetRequirements(t *testing.T) {
	in := &event.SetRequirements{RequestID: uuid.New(), Requirements: fee.DefaultConfig().Requirements}
	payload, _ := json.Marshal(in)
	evt, err := event.DecodePayload(event.EventTypeSetRequirements, payload)
	if err != nil {
		t.Fatal(err)
	}
	got := evt.(*event.SetRequirements).Requirements
	if !got.KeeperL3.Eq(in.Requirements.KeeperL3) || !got.Discount.Eq(in.Requirements.Discount) {
		t.Errorf("requirements: %+v", got)
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	if _, err := event.DecodePayload(event.EventTypeUnknown, []byte(`{}`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecords_TaggedEncoding(t *testing.T) {
	records := []event.Record{
		&event.TradeFilled{TradeID: 4, Keeper: "0xkeeper", Consumed: "1", Remaining: "0"},
		&event.TradeCancelled{TradeID: 5, Refunded: "9", ByAdmin: true},
	}
	data, err := event.EncodeRecords(records)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertGolden(t, "records.json", data)

	out, err := event.DecodeRecords(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len: %d", len(out))
	}
	filled, ok := out[0].(*event.TradeFilled)
	if !ok || filled.TradeID != 4 || filled.Remaining != "0" {
		t.Errorf("first: %+v", out[0])
	}
	cancelled, ok := out[1].(*event.TradeCancelled)
	if !ok || !cancelled.ByAdmin {
		t.Errorf("second: %+v", out[1])
	}
}

func TestDecodeRecord_UnknownType(t *testing.T) {
	if _, err := event.DecodeRecord("Liquidated", []byte(`{}`)); err == nil {
		t.Fatal("expected error")
	}
}
