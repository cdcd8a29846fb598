package persistence

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes envelopes and their transfers to Postgres using
// multi-row INSERTs inside the caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         string
	Outcome        string
	RejectReason   *string
	Payload        []byte // JSON-encoded command
	Records        []byte // JSON-encoded tagged records
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// TransferRow represents a row in event_log.transfers. Amount is a decimal
// string in base units.
type TransferRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// NewEventRow flattens an envelope for storage.
func NewEventRow(env *event.EventEnvelope) (EventRow, error) {
	records, err := event.EncodeRecords(env.Records)
	if err != nil {
		return EventRow{}, fmt.Errorf("seq %d: %w", env.Sequence, err)
	}
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		Outcome:        env.Outcome.String(),
		Payload:        env.Payload,
		Records:        records,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.RejectReason != "" {
		reason := env.RejectReason
		row.RejectReason = &reason
	}
	return row, nil
}

// NewTransferRows flattens a settled batch. A nil batch has no rows.
func NewTransferRows(batch *ledger.Batch) []TransferRow {
	if batch == nil {
		return nil
	}
	rows := make([]TransferRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, TransferRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.DebitAccount.Asset.Hex(),
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, caller, outcome, reject_reason,
		 payload, records, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	const cols = 12
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Caller, e.Outcome, e.RejectReason,
			e.Payload, e.Records, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch writes a batch of transfers to event_log.transfers.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, tx *sql.Tx, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.transfers
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		 asset, amount, journal_type, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(transfers))
	args := make([]interface{}, 0, len(transfers)*cols)

	for i, t := range transfers {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			t.JournalID, t.BatchID, t.EventRef, t.Sequence,
			t.DebitAccount, t.CreditAccount, t.Asset, t.Amount,
			t.JournalType, t.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
