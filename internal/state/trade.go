package state

import (
	"KeepTrade/internal/ledger"
	fpmath "KeepTrade/internal/math"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TradeType is the closed set of escrow shapes.
type TradeType uint8

const (
	TradeTypeAssetToAsset TradeType = iota
	TradeTypeNativeToAsset
	TradeTypeAssetToNative
)

func (tt TradeType) String() string {
	switch tt {
	case TradeTypeAssetToAsset:
		return "AssetToAsset"
	case TradeTypeNativeToAsset:
		return "NativeToAsset"
	case TradeTypeAssetToNative:
		return "AssetToNative"
	default:
		return "Unknown"
	}
}

// ParseTradeType is the inverse of String.
func ParseTradeType(s string) (TradeType, error) {
	switch s {
	case "AssetToAsset":
		return TradeTypeAssetToAsset, nil
	case "NativeToAsset":
		return TradeTypeNativeToAsset, nil
	case "AssetToNative":
		return TradeTypeAssetToNative, nil
	default:
		return 0, fmt.Errorf("unknown trade type %q", s)
	}
}

// Trade is one escrowed order. FromAsset is ledger.NativeAsset for
// NativeToAsset, ToAsset is ledger.NativeAsset for AssetToNative.
type Trade struct {
	ID                uint64
	Type              TradeType
	Owner             common.Address
	FromAsset         common.Address
	ToAsset           common.Address
	TotalFromAmount   *uint256.Int
	CurrentFromAmount *uint256.Int
	Rate              *uint256.Int // scale 10^18: amountOut = amountIn * Rate / 10^18
	GlobalIndex       int
	OwnerIndex        int
}

// IsActive reports whether the trade still holds escrow.
func (t *Trade) IsActive() bool {
	return t != nil && t.CurrentFromAmount != nil && !t.CurrentFromAmount.IsZero()
}

// HasFromAsset reports whether the escrowed leg is a fungible asset.
func (t *Trade) HasFromAsset() bool {
	return !ledger.IsNative(t.FromAsset)
}

// HasToAsset reports whether the settlement leg is a fungible asset.
func (t *Trade) HasToAsset() bool {
	return !ledger.IsNative(t.ToAsset)
}

// Clone returns a deep copy.
func (t *Trade) Clone() *Trade {
	cp := *t
	cp.TotalFromAmount = fpmath.Clone(t.TotalFromAmount)
	cp.CurrentFromAmount = fpmath.Clone(t.CurrentFromAmount)
	cp.Rate = fpmath.Clone(t.Rate)
	return &cp
}

// ValidateLegs checks that the asset legs match the trade type.
func ValidateLegs(tt TradeType, from, to common.Address) error {
	switch tt {
	case TradeTypeAssetToAsset:
		if ledger.IsNative(from) || ledger.IsNative(to) {
			return fmt.Errorf("%s needs two fungible assets", tt)
		}
		if from == to {
			return fmt.Errorf("%s needs distinct assets", tt)
		}
	case TradeTypeNativeToAsset:
		if !ledger.IsNative(from) || ledger.IsNative(to) {
			return fmt.Errorf("%s needs native from and fungible to", tt)
		}
	case TradeTypeAssetToNative:
		if ledger.IsNative(from) || !ledger.IsNative(to) {
			return fmt.Errorf("%s needs fungible from and native to", tt)
		}
	default:
		return fmt.Errorf("unknown trade type %d", tt)
	}
	return nil
}
