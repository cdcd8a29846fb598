package projection

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/fee"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

func jsonValue(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode projection value: %w", err)
	}
	return data, nil
}

// SeedFeeConfig writes the genesis fee configuration if none is projected yet.
func SeedFeeConfig(ctx context.Context, db *sql.DB, governance common.Address, cfg fee.Config) error {
	reqs, err := jsonValue(&event.RequirementsUpdated{
		KeeperL1: cfg.Requirements.KeeperL1.Dec(),
		KeeperL2: cfg.Requirements.KeeperL2.Dec(),
		KeeperL3: cfg.Requirements.KeeperL3.Dec(),
		Discount: cfg.Requirements.Discount.Dec(),
	})
	if err != nil {
		return err
	}
	muls, err := jsonValue(&event.FeesUpdated{
		KeeperL1: cfg.Multipliers.KeeperL1,
		KeeperL2: cfg.Multipliers.KeeperL2,
		KeeperL3: cfg.Multipliers.KeeperL3,
		Basic:    cfg.Multipliers.Basic,
		Discount: cfg.Multipliers.Discount,
		Base:     cfg.Multipliers.Base,
	})
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.fee_config (id, governance, requirements, multipliers, last_seq)
		VALUES (1, $1, $2, $3, -1)
		ON CONFLICT (id) DO NOTHING
	`, governance.Hex(), reqs, muls)
	return err
}

// RebuildProjections truncates every projection and replays it from the
// event log. Balances are summed straight from the transfers table.
func RebuildProjections(
	ctx context.Context,
	db *sql.DB,
	governance common.Address,
	genesis fee.Config,
	logger zerolog.Logger,
) error {
	truncate := []string{
		`TRUNCATE projections.trades`,
		`TRUNCATE projections.fills`,
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.fee_config`,
		`DELETE FROM projections.watermark WHERE projection_name = 'main'`,
	}
	for _, stmt := range truncate {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	if err := SeedFeeConfig(ctx, db, governance, genesis); err != nil {
		return fmt.Errorf("seed fee config: %w", err)
	}

	// receivers gain, payers lose; the external boundary is not projected
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, holder, asset, balance, last_seq)
		SELECT path, split_part(path, ':', 1), asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS path, asset, amount AS delta, sequence
			FROM event_log.transfers
			UNION ALL
			SELECT credit_account AS path, asset, -amount AS delta, sequence
			FROM event_log.transfers
		) moves
		WHERE path NOT LIKE 'external:%'
		GROUP BY path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	const page = 1000
	from, applied := int64(0), 0
	for {
		n, last, err := rebuildPage(ctx, db, from, page)
		if err != nil {
			return err
		}
		applied += n
		if n < page {
			break
		}
		from = last + 1
	}

	logger.Info().Int("events", applied).Msg("projection rebuild complete")
	return nil
}

func rebuildPage(ctx context.Context, db *sql.DB, from int64, limit int) (int, int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, outcome, records
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("load events: %w", err)
	}

	var outputs []Output
	for rows.Next() {
		var (
			out     Output
			outcome string
			records []byte
		)
		if err := rows.Scan(&out.Sequence, &out.EventType, &outcome, &records); err != nil {
			rows.Close()
			return 0, 0, err
		}
		out.Applied = outcome == event.OutcomeApplied.String()
		if out.Records, err = event.DecodeRecords(records); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("seq %d: %w", out.Sequence, err)
		}
		outputs = append(outputs, out)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if len(outputs) == 0 {
		return 0, from - 1, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()
	// transfers are already summed; only records and the watermark remain
	for _, out := range outputs {
		if err := applyOutput(ctx, tx, out); err != nil {
			return 0, 0, fmt.Errorf("rebuild seq %d: %w", out.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return len(outputs), outputs[len(outputs)-1].Sequence, nil
}
