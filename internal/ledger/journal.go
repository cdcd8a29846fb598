package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeEscrow
	JournalTypeKeeperSupply
	JournalTypeTraderPayout
	JournalTypeProtocolFee
	JournalTypeKeeperRefund
	JournalTypeRelease
	JournalTypeCancelRefund
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeEscrow:
		return "escrow"
	case JournalTypeKeeperSupply:
		return "keeper_supply"
	case JournalTypeTraderPayout:
		return "trader_payout"
	case JournalTypeProtocolFee:
		return "protocol_fee"
	case JournalTypeKeeperRefund:
		return "keeper_refund"
	case JournalTypeRelease:
		return "release"
	case JournalTypeCancelRefund:
		return "cancel_refund"
	default:
		return "unknown"
	}
}

// Journal is a single transfer: Amount of one asset moves from CreditAccount
// to DebitAccount.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // idempotency key of the source command
	Sequence      int64
	DebitAccount  AccountKey // receiver
	CreditAccount AccountKey // payer
	Amount        *uint256.Int
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds of the source command
}

// Batch is an ordered set of journals settled all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal is balanced by
// construction (one amount leaves one account and enters another), so a
// well-formed batch conserves every asset.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.CreditAccount.Asset {
			return fmt.Errorf("journal %s moves between different assets", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch carries no transfers.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
