package query

import (
	fpmath "KeepTrade/internal/math"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence, the projection watermark it was read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const tradeColumns = `
	trade_id, trade_type, owner, from_asset, to_asset,
	total_from_amount::text, current_from_amount::text, rate::text,
	status, created_seq, last_seq`

func scanTrade(row interface{ Scan(...interface{}) error }, t *TradeResponse) error {
	if err := row.Scan(
		&t.TradeID, &t.TradeType, &t.Owner, &t.FromAsset, &t.ToAsset,
		&t.TotalFromAmount, &t.CurrentFromAmount, &t.Rate,
		&t.Status, &t.CreatedSequence, &t.LastSequence,
	); err != nil {
		return err
	}
	t.CurrentDisplay = display(t.CurrentFromAmount)
	t.RateDisplay = display(t.Rate)
	return nil
}

// GetTrade returns one trade in any status.
func (qs *QueryService) GetTrade(ctx context.Context, id uint64) (*TradeResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	t := &TradeResponse{AsOfSequence: asOfSeq}
	row := qs.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM projections.trades WHERE trade_id = $1`, id)
	if err := scanTrade(row, t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

// GetTradesByOwner returns an owner's trades in id order, paged by
// afterID. An empty status returns every status.
func (qs *QueryService) GetTradesByOwner(
	ctx context.Context,
	owner common.Address,
	status string,
	limit int,
	afterID *uint64,
) ([]TradeResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + tradeColumns + ` FROM projections.trades WHERE owner = $1`
	args := []interface{}{owner.Hex()}
	argIdx := 2

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}
	if afterID != nil {
		query += fmt.Sprintf(" AND trade_id > $%d", argIdx)
		args = append(args, *afterID)
		argIdx++
	}

	query += " ORDER BY trade_id ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeResponse
	for rows.Next() {
		t := TradeResponse{AsOfSequence: asOfSeq}
		if err := scanTrade(rows, &t); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetFills returns the fills of a trade, oldest first.
func (qs *QueryService) GetFills(ctx context.Context, tradeID uint64) ([]FillResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, trade_id, keeper, consumed::text, supplied::text,
		       trader_received::text, keeper_received::text, protocol_received::text,
		       refunded::text, remaining::text
		FROM projections.fills
		WHERE trade_id = $1
		ORDER BY sequence ASC
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []FillResponse
	for rows.Next() {
		var f FillResponse
		if err := rows.Scan(
			&f.Sequence, &f.TradeID, &f.Keeper, &f.Consumed, &f.Supplied,
			&f.TraderReceived, &f.KeeperReceived, &f.ProtocolReceived,
			&f.Refunded, &f.Remaining,
		); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// GetBalances returns every non-zero projected balance of a holder.
func (qs *QueryService) GetBalances(ctx context.Context, holder common.Address) (*HoldingsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, balance::text, last_seq
		FROM projections.balances
		WHERE holder = $1 AND balance <> 0
		ORDER BY asset
	`, holder.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &HoldingsResponse{Holder: holder.Hex(), AsOfSequence: asOfSeq}
	for rows.Next() {
		b := BalanceResponse{Holder: holder.Hex(), AsOfSequence: asOfSeq}
		if err := rows.Scan(&b.Asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Display = display(b.Balance)
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// GetFeeConfig returns the projected fee configuration.
func (qs *QueryService) GetFeeConfig(ctx context.Context) (*FeeConfigResponse, error) {
	var fc FeeConfigResponse
	err := qs.db.QueryRowContext(ctx, `
		SELECT governance, requirements, multipliers, last_seq
		FROM projections.fee_config WHERE id = 1
	`).Scan(&fc.Governance, &fc.Requirements, &fc.Multipliers, &fc.AsOfSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fee config: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &fc, nil
}

// GetTransferHistory returns journals touching a holder, newest first,
// paged by beforeSequence.
func (qs *QueryService) GetTransferHistory(
	ctx context.Context,
	holder common.Address,
	limit int,
	beforeSequence *int64,
) ([]TransferEntry, error) {
	accountPrefix := holder.Hex() + ":%"

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.transfers
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TransferEntry
	for rows.Next() {
		var e TransferEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain and that projected holdings match
// net issuance per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// deposits enter from external:... accounts
	balanceRows, err := qs.db.QueryContext(ctx, `
		WITH issued AS (
			SELECT asset, SUM(amount) AS total
			FROM event_log.transfers
			WHERE credit_account LIKE 'external:%'
			GROUP BY asset
		), projected AS (
			SELECT asset, SUM(balance) AS total
			FROM projections.balances
			GROUP BY asset
		)
		SELECT COALESCE(i.asset, p.asset),
		       COALESCE(p.total, 0)::text,
		       COALESCE(i.total, 0)::text
		FROM issued i
		FULL OUTER JOIN projected p ON p.asset = i.asset
		WHERE COALESCE(i.total, 0) <> COALESCE(p.total, 0)
	`)
	if err != nil {
		return nil, err
	}
	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Projected, &u.Issued); err != nil {
			balanceRows.Close()
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	balanceRows.Close()
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	negRows, err := qs.db.QueryContext(ctx,
		`SELECT account_path FROM projections.balances WHERE balance < 0 ORDER BY account_path LIMIT 10`)
	if err != nil {
		return nil, err
	}
	defer negRows.Close()
	for negRows.Next() {
		var path string
		if err := negRows.Scan(&path); err != nil {
			return nil, err
		}
		report.NegativeAccounts = append(report.NegativeAccounts, path)
	}
	if err := negRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		len(report.NegativeAccounts) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func display(amount string) string {
	v, err := uint256.FromDecimal(amount)
	if err != nil {
		return amount
	}
	return fpmath.FormatScaled(v)
}
