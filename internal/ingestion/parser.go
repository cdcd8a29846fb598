package ingestion

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/fee"
	"KeepTrade/internal/ledger"
	fpmath "KeepTrade/internal/math"
	"KeepTrade/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrMalformed = errors.New("malformed command")

// ParseRawEvent converts a RawEvent into a typed event.Event. The shell
// validates wire syntax only; domain checks belong to the core.
func ParseRawEvent(raw RawEvent, eventType event.EventType) (event.Event, error) {
	switch eventType {
	case event.EventTypeDeposit:
		return parseDeposit(raw.Data)
	case event.EventTypeCreateTrade:
		return parseCreateTrade(raw.Data)
	case event.EventTypeFillTrade:
		return parseFillTrade(raw.Data)
	case event.EventTypeCancelTrades:
		return parseCancelTrades(raw.Data, false)
	case event.EventTypeAdminCancel:
		return parseCancelTrades(raw.Data, true)
	case event.EventTypeUpdateRate:
		return parseUpdateRate(raw.Data)
	case event.EventTypeSetRequirements:
		return parseSetRequirements(raw.Data)
	case event.EventTypeSetFees:
		return parseSetFees(raw.Data)
	case event.EventTypeSetGovernance:
		return parseSetGovernance(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type %s: %w", eventType, ErrMalformed)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// strings: integers are base units, a value with a decimal point is read
// as whole units over 18 decimals ("1.5" = 1500000000000000000).

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Holder      string `json:"holder"`
	Asset       string `json:"asset"` // "native" or empty for native value
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := decode(data, &j, "Deposit"); err != nil {
		return nil, err
	}
	id, err := parseID("deposit_id", j.DepositID)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress("holder", j.Holder)
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.Deposit{
		DepositID: id,
		Holder:    holder,
		Asset:     asset,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type createTradeJSON struct {
	RequestID   string `json:"request_id"`
	Owner       string `json:"owner"`
	TradeType   string `json:"trade_type"`
	FromAsset   string `json:"from_asset"`
	ToAsset     string `json:"to_asset"`
	Amount      string `json:"amount"`
	Rate        string `json:"rate"`
	Nonce       int64  `json:"nonce"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCreateTrade(data []byte) (*event.CreateTrade, error) {
	var j createTradeJSON
	if err := decode(data, &j, "CreateTrade"); err != nil {
		return nil, err
	}
	id, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	tt, err := state.ParseTradeType(j.TradeType)
	if err != nil {
		return nil, fmt.Errorf("trade_type: %v: %w", err, ErrMalformed)
	}
	from, err := parseAsset("from_asset", j.FromAsset)
	if err != nil {
		return nil, err
	}
	to, err := parseAsset("to_asset", j.ToAsset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	rate, err := parseAmount("rate", j.Rate)
	if err != nil {
		return nil, err
	}
	return &event.CreateTrade{
		RequestID: id,
		Owner:     owner,
		TradeType: tt,
		FromAsset: from,
		ToAsset:   to,
		Amount:    amount,
		Rate:      rate,
		Nonce:     j.Nonce,
		Timestamp: j.TimestampUs,
	}, nil
}

type fillTradeJSON struct {
	RequestID   string `json:"request_id"`
	Keeper      string `json:"keeper"`
	TradeID     uint64 `json:"trade_id"`
	TradeType   string `json:"trade_type"`
	Offered     string `json:"offered"`
	Nonce       int64  `json:"nonce"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFillTrade(data []byte) (*event.FillTrade, error) {
	var j fillTradeJSON
	if err := decode(data, &j, "FillTrade"); err != nil {
		return nil, err
	}
	id, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	keeper, err := parseAddress("keeper", j.Keeper)
	if err != nil {
		return nil, err
	}
	tt, err := state.ParseTradeType(j.TradeType)
	if err != nil {
		return nil, fmt.Errorf("trade_type: %v: %w", err, ErrMalformed)
	}
	offered, err := parseAmount("offered", j.Offered)
	if err != nil {
		return nil, err
	}
	return &event.FillTrade{
		RequestID: id,
		Keeper:    keeper,
		TradeID:   j.TradeID,
		TradeType: tt,
		Offered:   offered,
		Nonce:     j.Nonce,
		Timestamp: j.TimestampUs,
	}, nil
}

type cancelTradesJSON struct {
	RequestID   string   `json:"request_id"`
	From        string   `json:"from"`
	TradeIDs    []uint64 `json:"trade_ids"`
	Nonce       int64    `json:"nonce"`
	TimestampUs int64    `json:"timestamp_us"`
}

func parseCancelTrades(data []byte, admin bool) (*event.CancelTrades, error) {
	var j cancelTradesJSON
	if err := decode(data, &j, "CancelTrades"); err != nil {
		return nil, err
	}
	id, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	from, err := parseAddress("from", j.From)
	if err != nil {
		return nil, err
	}
	return &event.CancelTrades{
		RequestID: id,
		From:      from,
		TradeIDs:  j.TradeIDs,
		Admin:     admin,
		Nonce:     j.Nonce,
		Timestamp: j.TimestampUs,
	}, nil
}

type updateRateJSON struct {
	RequestID   string `json:"request_id"`
	Owner       string `json:"owner"`
	TradeID     uint64 `json:"trade_id"`
	Rate        string `json:"rate"`
	Nonce       int64  `json:"nonce"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseUpdateRate(data []byte) (*event.UpdateRate, error) {
	var j updateRateJSON
	if err := decode(data, &j, "UpdateRate"); err != nil {
		return nil, err
	}
	id, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	rate, err := parseAmount("rate", j.Rate)
	if err != nil {
		return nil, err
	}
	return &event.UpdateRate{
		RequestID: id,
		Owner:     owner,
		TradeID:   j.TradeID,
		Rate:      rate,
		Nonce:     j.Nonce,
		Timestamp: j.TimestampUs,
	}, nil
}

type setRequirementsJSON struct {
	RequestID   string `json:"request_id"`
	From        string `json:"from"`
	KeeperL1    string `json:"keeper_l1"`
	KeeperL2    string `json:"keeper_l2"`
	KeeperL3    string `json:"keeper_l3"`
	Discount    string `json:"discount"`
	Nonce       int64  `json:"nonce"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetRequirements(data []byte) (*event.SetRequirements, error) {
	var j setRequirementsJSON
	if err := decode(data, &j, "SetRequirements"); err != nil {
		return nil, err
	}
	id, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	from, err := parseAddress("from", j.From)
	if err != nil {
		return nil, err
	}
	var reqs fee.Requirements
	for _, f := range []struct {
		name  string
		value string
		dst   **uint256.Int
	}{
		{"keeper_l1", j.KeeperL1, &reqs.KeeperL1},
		{"keeper_l2", j.KeeperL2, &reqs.KeeperL2},
		{"keeper_l3", j.KeeperL3, &reqs.KeeperL3},
		{"discount", j.Discount, &reqs.Discount},
	} {
		if *f.dst, err = parseAmount(f.name, f.value); err != nil {
			return nil, err
		}
	}
	return &event.SetRequirements{
		RequestID:    id,
		From:         from,
		Requirements: reqs,
		Nonce:        j.Nonce,
		Timestamp:    j.TimestampUs,
	}, nil
}

type setFeesJSON struct {
	RequestID   string `json:"request_id"`
	From        string `json:"from"`
	KeeperL1    uint64 `json:"keeper_l1"`
	KeeperL2    uint64 `json:"keeper_l2"`
	KeeperL3    uint64 `json:"keeper_l3"`
	Basic       uint64 `json:"basic"`
	Discount    uint64 `json:"discount"`
	Base        uint64 `json:"base"`
	Nonce       int64  `json:"nonce"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetFees(data []byte) (*event.SetFees, error) {
	var j setFeesJSON
	if err := decode(data, &j, "SetFees"); err != nil {
		return nil, err
	}
	id, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	from, err := parseAddress("from", j.From)
	if err != nil {
		return nil, err
	}
	return &event.SetFees{
		RequestID: id,
		From:      from,
		Multipliers: fee.Multipliers{
			KeeperL1: j.KeeperL1,
			KeeperL2: j.KeeperL2,
			KeeperL3: j.KeeperL3,
			Basic:    j.Basic,
			Discount: j.Discount,
			Base:     j.Base,
		},
		Nonce:     j.Nonce,
		Timestamp: j.TimestampUs,
	}, nil
}

type setGovernanceJSON struct {
	RequestID   string `json:"request_id"`
	From        string `json:"from"`
	Next        string `json:"next"`
	Nonce       int64  `json:"nonce"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSetGovernance(data []byte) (*event.SetGovernance, error) {
	var j setGovernanceJSON
	if err := decode(data, &j, "SetGovernance"); err != nil {
		return nil, err
	}
	id, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	from, err := parseAddress("from", j.From)
	if err != nil {
		return nil, err
	}
	next, err := parseAddress("next", j.Next)
	if err != nil {
		return nil, err
	}
	return &event.SetGovernance{
		RequestID: id,
		From:      from,
		Next:      next,
		Nonce:     j.Nonce,
		Timestamp: j.TimestampUs,
	}, nil
}

// --- field parsers ---

func decode(data []byte, v interface{}, name string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %v: %w", name, err, ErrMalformed)
	}
	return nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v: %w", field, err, ErrMalformed)
	}
	return id, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address: %w", field, s, ErrMalformed)
	}
	return common.HexToAddress(s), nil
}

// parseAsset accepts an address, or "native"/"" for native value.
func parseAsset(field, s string) (common.Address, error) {
	if s == "" || strings.EqualFold(s, "native") {
		return ledger.NativeAsset, nil
	}
	return parseAddress(field, s)
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s: missing: %w", field, ErrMalformed)
	}
	var (
		v   *uint256.Int
		err error
	)
	if strings.Contains(s, ".") {
		v, err = fpmath.ParseScaled(s)
	} else {
		v, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %q: %v: %w", field, s, err, ErrMalformed)
	}
	return v, nil
}
