package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// journalNamespace seeds deterministic batch and journal ids so that a
// replayed command yields byte-identical journals.
var journalNamespace = uuid.MustParse("6f1c2a0e-4b7d-5e3a-9c61-0d8e2f4b7a15")

// JournalGenerator builds settlement batches for trade commands. Every
// transfer is routed through the escrow account.
type JournalGenerator struct {
	escrow common.Address
}

func NewJournalGenerator(escrow common.Address) *JournalGenerator {
	return &JournalGenerator{escrow: escrow}
}

// Escrow returns the custody address trades are escrowed in.
func (jg *JournalGenerator) Escrow() common.Address {
	return jg.escrow
}

// BatchBuilder accumulates journals for one command. Zero-amount legs are
// dropped so a fee-free fill produces no protocol journal.
type BatchBuilder struct {
	escrow common.Address
	batch  *Batch
}

// NewBatch starts a batch for the command identified by eventRef.
func (jg *JournalGenerator) NewBatch(eventRef string, sequence, timestamp int64) *BatchBuilder {
	return &BatchBuilder{
		escrow: jg.escrow,
		batch: &Batch{
			BatchID:   uuid.NewSHA1(journalNamespace, []byte(eventRef)),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

// Pull moves amount of asset from holder into escrow.
func (b *BatchBuilder) Pull(holder, asset common.Address, amount *uint256.Int, jt JournalType) *BatchBuilder {
	return b.add(NewAccountKey(b.escrow, asset), NewAccountKey(holder, asset), amount, jt)
}

// Push moves amount of asset from escrow to holder.
func (b *BatchBuilder) Push(holder, asset common.Address, amount *uint256.Int, jt JournalType) *BatchBuilder {
	return b.add(NewAccountKey(holder, asset), NewAccountKey(b.escrow, asset), amount, jt)
}

// Deposit issues amount of asset to holder from the external boundary.
func (b *BatchBuilder) Deposit(holder, asset common.Address, amount *uint256.Int) *BatchBuilder {
	return b.add(NewAccountKey(holder, asset), NewAccountKey(ExternalHolder, asset), amount, JournalTypeDeposit)
}

func (b *BatchBuilder) add(debit, credit AccountKey, amount *uint256.Int, jt JournalType) *BatchBuilder {
	if amount == nil || amount.IsZero() {
		return b
	}
	idx := len(b.batch.Journals)
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s:%d", b.batch.EventRef, idx))),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
	return b
}

// Build returns the accumulated batch.
func (b *BatchBuilder) Build() *Batch {
	return b.batch
}
