package query

// BalanceResponse represents one holder's projected balance of one asset.
type BalanceResponse struct {
	Holder  string `json:"holder"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
	Display string `json:"display"`

	// Sequence of the last transfer that touched this account
	LastSequence int64 `json:"last_sequence"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// HoldingsResponse lists every non-zero balance of a holder.
type HoldingsResponse struct {
	Holder       string            `json:"holder"`
	Balances     []BalanceResponse `json:"balances"`
	AsOfSequence int64             `json:"as_of_sequence"`
}
