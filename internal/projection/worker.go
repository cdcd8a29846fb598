package projection

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/ledger"
	"KeepTrade/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const watermarkName = "main"

// Output is what a projection worker needs from one sequenced command.
type Output struct {
	Sequence  int64
	EventType string
	Applied   bool
	Records   []event.Record
	Transfers []Transfer
}

// Transfer is a journal reduced to the two balance moves it makes.
type Transfer struct {
	To     ledger.AccountKey
	From   ledger.AccountKey
	Amount string
}

// NewOutput reduces an envelope and its settled batch.
func NewOutput(env *event.EventEnvelope, batch *ledger.Batch) Output {
	out := Output{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Applied:   env.Outcome == event.OutcomeApplied,
		Records:   env.Records,
	}
	if batch != nil {
		for _, j := range batch.Journals {
			out.Transfers = append(out.Transfers, Transfer{
				To:     j.DebitAccount,
				From:   j.CreditAccount,
				Amount: j.Amount.Dec(),
			})
		}
	}
	return out
}

// ProjectionWorker updates projection tables from processed commands.
// The projection channel drops on full; a gap is repaired with
// RebuildProjections from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan Output
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan Output,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run loads the watermark and applies outputs until ctx is cancelled.
// Outputs at or below the watermark are skipped, so replays are harmless.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Sequence <= pw.lastSeq {
				continue
			}
			if output.Sequence != pw.lastSeq+1 {
				pw.logger.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", output.Sequence).
					Msg("projection gap, rebuild from event log to repair")
			}

			start := time.Now()
			if err := pw.apply(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("seq", output.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.EventType).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence is the last sequence this worker applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyOutput(ctx, tx, output); err != nil {
		return err
	}
	return tx.Commit()
}

// applyOutput writes one command's effects and advances the watermark.
func applyOutput(ctx context.Context, tx *sql.Tx, output Output) error {
	if output.Applied {
		for _, t := range output.Transfers {
			if err := applyTransfer(ctx, tx, t, output.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
		for _, rec := range output.Records {
			if err := applyRecord(ctx, tx, rec, output.Sequence); err != nil {
				return fmt.Errorf("%s projection: %w", rec.RecordType(), err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence)
		VALUES ($1, $2)
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2
	`, watermarkName, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

func applyTransfer(ctx context.Context, tx *sql.Tx, t Transfer, seq int64) error {
	moves := []struct {
		key  ledger.AccountKey
		sign string
	}{
		{t.To, "+"},
		{t.From, "-"},
	}
	for _, m := range moves {
		if m.key.IsExternal() {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, holder, asset, balance, last_seq)
			VALUES ($1, $2, $3, `+m.sign+`$4::numeric, $5)
			ON CONFLICT (account_path)
			DO UPDATE SET balance = projections.balances.balance `+m.sign+` $4::numeric, last_seq = $5
		`, m.key.AccountPath(), m.key.Holder.Hex(), m.key.Asset.Hex(), t.Amount, seq); err != nil {
			return err
		}
	}
	return nil
}

func applyRecord(ctx context.Context, tx *sql.Tx, rec event.Record, seq int64) error {
	var err error
	switch r := rec.(type) {
	case *event.TradeCreated:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.trades
				(trade_id, trade_type, owner, from_asset, to_asset,
				 total_from_amount, current_from_amount, rate, status, created_seq, last_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $7, 'active', $8, $8)
			ON CONFLICT (trade_id) DO NOTHING
		`, r.TradeID, r.TradeType, r.Owner, r.FromAsset, r.ToAsset, r.Amount, r.Rate, seq)

	case *event.TradeFilled:
		_, err = tx.ExecContext(ctx, `
			UPDATE projections.trades
			SET current_from_amount = $2,
			    status = CASE WHEN $2::numeric = 0 THEN 'filled' ELSE 'active' END,
			    last_seq = $3
			WHERE trade_id = $1
		`, r.TradeID, r.Remaining, seq)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.fills
				(sequence, trade_id, keeper, consumed, supplied, trader_received,
				 keeper_received, protocol_received, refunded, remaining)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (sequence, trade_id) DO NOTHING
		`, seq, r.TradeID, r.Keeper, r.Consumed, r.Supplied, r.TraderReceived,
			r.KeeperReceived, r.ProtocolReceived, r.Refunded, r.Remaining)

	case *event.TradeCancelled:
		_, err = tx.ExecContext(ctx, `
			UPDATE projections.trades
			SET current_from_amount = 0, status = 'cancelled', last_seq = $2
			WHERE trade_id = $1
		`, r.TradeID, seq)

	case *event.RateUpdated:
		_, err = tx.ExecContext(ctx, `
			UPDATE projections.trades SET rate = $2, last_seq = $3 WHERE trade_id = $1
		`, r.TradeID, r.NewRate, seq)

	case *event.RequirementsUpdated:
		err = updateFeeConfig(ctx, tx, "requirements", r, seq)
	case *event.FeesUpdated:
		err = updateFeeConfig(ctx, tx, "multipliers", r, seq)
	case *event.GovernanceTransferred:
		_, err = tx.ExecContext(ctx, `
			UPDATE projections.fee_config SET governance = $1, last_seq = $2 WHERE id = 1
		`, r.Next, seq)
	}
	return err
}

func updateFeeConfig(ctx context.Context, tx *sql.Tx, column string, value event.Record, seq int64) error {
	data, err := jsonValue(value)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE projections.fee_config SET `+column+` = $1, last_seq = $2 WHERE id = 1`,
		data, seq)
	return err
}

// LoadWatermark returns the last projected sequence, or -1 if none.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection_name = $1`,
		watermarkName,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
