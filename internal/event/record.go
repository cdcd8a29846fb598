package event

// RecordType discriminator for observable records
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeDeposited
	RecordTypeTradeCreated
	RecordTypeTradeFilled
	RecordTypeTradeCancelled
	RecordTypeRateUpdated
	RecordTypeRequirementsUpdated
	RecordTypeFeesUpdated
	RecordTypeGovernanceTransferred
)

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeDeposited:
		return "Deposited"
	case RecordTypeTradeCreated:
		return "TradeCreated"
	case RecordTypeTradeFilled:
		return "TradeFilled"
	case RecordTypeTradeCancelled:
		return "TradeCancelled"
	case RecordTypeRateUpdated:
		return "RateUpdated"
	case RecordTypeRequirementsUpdated:
		return "RequirementsUpdated"
	case RecordTypeFeesUpdated:
		return "FeesUpdated"
	case RecordTypeGovernanceTransferred:
		return "GovernanceTransferred"
	default:
		return "Unknown"
	}
}

// Record is an observable state change. Amounts are decimal strings in base
// units so records round-trip through JSON without precision loss.
type Record interface {
	RecordType() RecordType
}

type Deposited struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (*Deposited) RecordType() RecordType { return RecordTypeDeposited }

type TradeCreated struct {
	TradeID   uint64 `json:"trade_id"`
	TradeType string `json:"trade_type"`
	Owner     string `json:"owner"`
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	Amount    string `json:"amount"`
	Rate      string `json:"rate"`
}

func (*TradeCreated) RecordType() RecordType { return RecordTypeTradeCreated }

type TradeFilled struct {
	TradeID          uint64 `json:"trade_id"`
	Keeper           string `json:"keeper"`
	Consumed         string `json:"consumed"`
	Supplied         string `json:"supplied"`
	TraderReceived   string `json:"trader_received"`
	KeeperReceived   string `json:"keeper_received"`
	ProtocolReceived string `json:"protocol_received"`
	Refunded         string `json:"refunded"`
	Remaining        string `json:"remaining"`
}

func (*TradeFilled) RecordType() RecordType { return RecordTypeTradeFilled }

type TradeCancelled struct {
	TradeID  uint64 `json:"trade_id"`
	Owner    string `json:"owner"`
	Refunded string `json:"refunded"`
	ByAdmin  bool   `json:"by_admin"`
}

func (*TradeCancelled) RecordType() RecordType { return RecordTypeTradeCancelled }

type RateUpdated struct {
	TradeID uint64 `json:"trade_id"`
	OldRate string `json:"old_rate"`
	NewRate string `json:"new_rate"`
}

func (*RateUpdated) RecordType() RecordType { return RecordTypeRateUpdated }

type RequirementsUpdated struct {
	KeeperL1 string `json:"keeper_l1"`
	KeeperL2 string `json:"keeper_l2"`
	KeeperL3 string `json:"keeper_l3"`
	Discount string `json:"discount"`
}

func (*RequirementsUpdated) RecordType() RecordType { return RecordTypeRequirementsUpdated }

type FeesUpdated struct {
	KeeperL1 uint64 `json:"keeper_l1"`
	KeeperL2 uint64 `json:"keeper_l2"`
	KeeperL3 uint64 `json:"keeper_l3"`
	Basic    uint64 `json:"basic"`
	Discount uint64 `json:"discount"`
	Base     uint64 `json:"base"`
}

func (*FeesUpdated) RecordType() RecordType { return RecordTypeFeesUpdated }

type GovernanceTransferred struct {
	Previous string `json:"previous"`
	Next     string `json:"next"`
}

func (*GovernanceTransferred) RecordType() RecordType { return RecordTypeGovernanceTransferred }
