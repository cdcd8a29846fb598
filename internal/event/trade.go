package event

import (
	"KeepTrade/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CreateTrade escrows Amount of FromAsset from Owner at Rate.
// Idempotency key: request_id.
type CreateTrade struct {
	RequestID uuid.UUID
	Owner     common.Address
	TradeType state.TradeType
	FromAsset common.Address // zero for NativeToAsset
	ToAsset   common.Address // zero for AssetToNative
	Amount    *uint256.Int
	Rate      *uint256.Int
	Nonce     int64
	Timestamp int64
}

func (c *CreateTrade) IdempotencyKey() string { return c.RequestID.String() }
func (c *CreateTrade) EventType() EventType   { return EventTypeCreateTrade }
func (c *CreateTrade) Caller() common.Address { return c.Owner }
func (c *CreateTrade) SourceSequence() int64  { return c.Nonce }
func (c *CreateTrade) EventTimestamp() int64  { return c.Timestamp }

// FillTrade is a keeper offering Offered of the destination leg against
// TradeID. TradeType selects the entry point and must match the trade.
type FillTrade struct {
	RequestID uuid.UUID
	Keeper    common.Address
	TradeID   uint64
	TradeType state.TradeType
	Offered   *uint256.Int
	Nonce     int64
	Timestamp int64
}

func (f *FillTrade) IdempotencyKey() string { return f.RequestID.String() }
func (f *FillTrade) EventType() EventType   { return EventTypeFillTrade }
func (f *FillTrade) Caller() common.Address { return f.Keeper }
func (f *FillTrade) SourceSequence() int64  { return f.Nonce }
func (f *FillTrade) EventTimestamp() int64  { return f.Timestamp }

// CancelTrades refunds and removes a batch of trades. With Admin set the
// caller must be governance instead of the owner.
type CancelTrades struct {
	RequestID uuid.UUID
	From      common.Address
	TradeIDs  []uint64
	Admin     bool
	Nonce     int64
	Timestamp int64
}

func (c *CancelTrades) IdempotencyKey() string { return c.RequestID.String() }

func (c *CancelTrades) EventType() EventType {
	if c.Admin {
		return EventTypeAdminCancel
	}
	return EventTypeCancelTrades
}

func (c *CancelTrades) Caller() common.Address { return c.From }
func (c *CancelTrades) SourceSequence() int64  { return c.Nonce }
func (c *CancelTrades) EventTimestamp() int64  { return c.Timestamp }

// UpdateRate replaces the rate of an owned trade.
type UpdateRate struct {
	RequestID uuid.UUID
	Owner     common.Address
	TradeID   uint64
	Rate      *uint256.Int
	Nonce     int64
	Timestamp int64
}

func (u *UpdateRate) IdempotencyKey() string { return u.RequestID.String() }
func (u *UpdateRate) EventType() EventType   { return EventTypeUpdateRate }
func (u *UpdateRate) Caller() common.Address { return u.Owner }
func (u *UpdateRate) SourceSequence() int64  { return u.Nonce }
func (u *UpdateRate) EventTimestamp() int64  { return u.Timestamp }
