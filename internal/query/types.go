package query

import "encoding/json"

// Amounts are base-unit decimal strings; *Display fields render them over
// 18 decimals for humans.

// TradeResponse represents a projected trade.
type TradeResponse struct {
	TradeID           uint64 `json:"trade_id"`
	TradeType         string `json:"trade_type"`
	Owner             string `json:"owner"`
	FromAsset         string `json:"from_asset"`
	ToAsset           string `json:"to_asset"`
	TotalFromAmount   string `json:"total_from_amount"`
	CurrentFromAmount string `json:"current_from_amount"`
	CurrentDisplay    string `json:"current_display"`
	Rate              string `json:"rate"`
	RateDisplay       string `json:"rate_display"`
	Status            string `json:"status"`
	CreatedSequence   int64  `json:"created_sequence"`
	LastSequence      int64  `json:"last_sequence"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// FillResponse represents one fill against a trade.
type FillResponse struct {
	Sequence         int64  `json:"sequence"`
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

// FeeConfigResponse is the fee configuration, either projected or live.
type FeeConfigResponse struct {
	Governance   string          `json:"governance"`
	Requirements json.RawMessage `json:"requirements"`
	Multipliers  json.RawMessage `json:"multipliers"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// QuoteResponse is the live cost of fully filling a trade for one keeper.
type QuoteResponse struct {
	TradeID          uint64 `json:"trade_id"`
	TradeType        string `json:"trade_type"`
	Keeper           string `json:"keeper"`
	CurrentAmount    string `json:"current_amount"`
	Rate             string `json:"rate"`
	KeeperMultiplier uint64 `json:"keeper_multiplier"`
	TraderMultiplier uint64 `json:"trader_multiplier"`
	Base             string `json:"base"`
	MaxIn            string `json:"max_in"`
	MaxInDisplay     string `json:"max_in_display"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// TransferEntry represents one settled journal for API queries.
type TransferEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	NegativeAccounts []string          `json:"negative_accounts,omitempty"`
}

// UnbalancedAsset is an asset whose projected holdings differ from its
// net issuance.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Projected string `json:"projected"`
	Issued    string `json:"issued"`
}
