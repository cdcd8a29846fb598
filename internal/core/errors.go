package core

import (
	"KeepTrade/internal/fee"
	"KeepTrade/internal/ledger"
	fpmath "KeepTrade/internal/math"
	"KeepTrade/internal/state"
	"errors"
)

var ErrInvalidTradeType = errors.New("invalid trade type")

// Sentinels surfaced by the engine, re-exported so callers need only core.
var (
	ErrPermissionDenied  = state.ErrPermissionDenied
	ErrInvalidTradeID    = state.ErrInvalidTradeID
	ErrInvalidAmount     = state.ErrInvalidAmount
	ErrInvalidGovernance = state.ErrInvalidGovernance
	ErrInvalidOrder      = fee.ErrInvalidOrder
	ErrInvalidFeeBase    = fee.ErrInvalidFeeBase
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrTransferRefused   = ledger.ErrTransferRefused
	ErrOverflow          = fpmath.ErrOverflow
)

// rejectReasons maps each sentinel to the stable text recorded in the event
// log for a rejected command.
var rejectReasons = []struct {
	err    error
	reason string
}{
	{ErrPermissionDenied, "PermissionDenied"},
	{ErrInvalidTradeID, "InvalidTradeId"},
	{ErrInvalidTradeType, "InvalidTradeType"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidGovernance, "InvalidGovernance"},
	{ErrInvalidOrder, "InvalidOrder"},
	{ErrInvalidFeeBase, "InvalidFeeBase"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrTransferRefused, "TransferRefused"},
	{ErrOverflow, "Overflow"},
	{fpmath.ErrUnderflow, "Underflow"},
	{fpmath.ErrDivisionByZero, "DivisionByZero"},
}

// RejectReason names the sentinel behind err, or "Internal".
func RejectReason(err error) string {
	for _, r := range rejectReasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "Internal"
}
