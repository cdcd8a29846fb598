package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// NativeAsset identifies native value. Native amounts share the 18-decimal
	// scale with fungible assets.
	NativeAsset = common.Address{}

	// ExternalHolder is the boundary account value enters and leaves through.
	// Its balance is not tracked; issuance is counted per asset instead.
	ExternalHolder = common.Address{}
)

// IsNative reports whether asset denotes native value.
func IsNative(asset common.Address) bool {
	return asset == NativeAsset
}

// AccountKey is the in-memory key for balance tracking: one holder, one asset.
type AccountKey struct {
	Holder common.Address
	Asset  common.Address
}

func NewAccountKey(holder, asset common.Address) AccountKey {
	return AccountKey{Holder: holder, Asset: asset}
}

// IsExternal reports whether the key is the issuance boundary.
func (k AccountKey) IsExternal() bool {
	return k.Holder == ExternalHolder
}

// AccountPath returns the string representation for storage/logging,
// e.g. "0xab..:0xcd.." or "0xab..:native".
func (k AccountKey) AccountPath() string {
	holder := k.Holder.Hex()
	if k.IsExternal() {
		holder = "external"
	}
	if IsNative(k.Asset) {
		return fmt.Sprintf("%s:native", holder)
	}
	return fmt.Sprintf("%s:%s", holder, k.Asset.Hex())
}
