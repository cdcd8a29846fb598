package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Deposit credits a holder from outside the ledger. It is how custody
// balances (including governance-token balances) enter the system.
// Ordered by the bridge sequence, not a caller nonce.
type Deposit struct {
	DepositID uuid.UUID
	Holder    common.Address
	Asset     common.Address // ledger.NativeAsset for native value
	Amount    *uint256.Int
	Sequence  int64
	Timestamp int64
}

func (d *Deposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) Caller() common.Address {
	return d.Holder
}

func (d *Deposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *Deposit) EventTimestamp() int64 {
	return d.Timestamp
}
