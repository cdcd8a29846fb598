package persistence

import (
	"KeepTrade/internal/core"
	"KeepTrade/internal/fee"
	"KeepTrade/internal/ledger"
	fpmath "KeepTrade/internal/math"
	"KeepTrade/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotFormatVersion is stored with every snapshot row.
const SnapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState. Amounts are decimal
// strings, addresses are hex.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	StateHash       []byte              `json:"state_hash"`
	Balances        []BalanceSnap       `json:"balances"`
	Issued          map[string]string   `json:"issued"` // asset -> issued
	Trades          []TradeSnap         `json:"trades"`
	NextTradeID     uint64              `json:"next_trade_id"`
	GlobalOrder     []uint64            `json:"global_order"`
	OwnerOrders     map[string][]uint64 `json:"owner_orders"`
	Governance      string              `json:"governance"`
	FeeConfig       FeeConfigSnap       `json:"fee_config"`
	SequenceState   map[string]int64    `json:"sequence_state"`   // partition -> next expected nonce
	IdempotencyKeys []string            `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time           `json:"created_at"`
}

type BalanceSnap struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type TradeSnap struct {
	ID                uint64 `json:"id"`
	Type              string `json:"type"`
	Owner             string `json:"owner"`
	FromAsset         string `json:"from_asset"`
	ToAsset           string `json:"to_asset"`
	TotalFromAmount   string `json:"total_from_amount"`
	CurrentFromAmount string `json:"current_from_amount"`
	Rate              string `json:"rate"`
}

type FeeConfigSnap struct {
	KeeperL1Req string          `json:"keeper_l1_req"`
	KeeperL2Req string          `json:"keeper_l2_req"`
	KeeperL3Req string          `json:"keeper_l3_req"`
	DiscountReq string          `json:"discount_req"`
	Multipliers fee.Multipliers `json:"multipliers"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// NewSnapshotData encodes a core snapshot.
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	d := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Issued:          make(map[string]string, len(s.Issued)),
		NextTradeID:     s.NextTradeID,
		GlobalOrder:     append([]uint64(nil), s.GlobalOrder...),
		OwnerOrders:     make(map[string][]uint64, len(s.OwnerOrders)),
		Governance:      s.Governance.Hex(),
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
		FeeConfig: FeeConfigSnap{
			KeeperL1Req: s.FeeConfig.Requirements.KeeperL1.Dec(),
			KeeperL2Req: s.FeeConfig.Requirements.KeeperL2.Dec(),
			KeeperL3Req: s.FeeConfig.Requirements.KeeperL3.Dec(),
			DiscountReq: s.FeeConfig.Requirements.Discount.Dec(),
			Multipliers: s.FeeConfig.Multipliers,
		},
	}

	for key, amount := range s.Balances {
		d.Balances = append(d.Balances, BalanceSnap{
			Holder: key.Holder.Hex(),
			Asset:  key.Asset.Hex(),
			Amount: amount.Dec(),
		})
	}
	// map order is random; keep the encoding stable
	sort.Slice(d.Balances, func(i, j int) bool {
		if d.Balances[i].Holder != d.Balances[j].Holder {
			return d.Balances[i].Holder < d.Balances[j].Holder
		}
		return d.Balances[i].Asset < d.Balances[j].Asset
	})
	for asset, amount := range s.Issued {
		d.Issued[asset.Hex()] = amount.Dec()
	}
	for _, t := range s.Trades {
		d.Trades = append(d.Trades, TradeSnap{
			ID:                t.ID,
			Type:              t.Type.String(),
			Owner:             t.Owner.Hex(),
			FromAsset:         t.FromAsset.Hex(),
			ToAsset:           t.ToAsset.Hex(),
			TotalFromAmount:   t.TotalFromAmount.Dec(),
			CurrentFromAmount: t.CurrentFromAmount.Dec(),
			Rate:              t.Rate.Dec(),
		})
	}
	for owner, ids := range s.OwnerOrders {
		d.OwnerOrders[owner.Hex()] = append([]uint64(nil), ids...)
	}
	return d
}

// State decodes the snapshot back into core form.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[ledger.AccountKey]*uint256.Int, len(d.Balances)),
		Issued:          make(map[common.Address]*uint256.Int, len(d.Issued)),
		NextTradeID:     d.NextTradeID,
		GlobalOrder:     d.GlobalOrder,
		OwnerOrders:     make(map[common.Address][]uint64, len(d.OwnerOrders)),
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	if len(d.StateHash) != len(s.StateHash) {
		return nil, fmt.Errorf("snapshot %d: state hash is %d bytes", d.Sequence, len(d.StateHash))
	}
	copy(s.StateHash[:], d.StateHash)

	var err error
	if s.Governance, err = parseAddress(d.Governance); err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}

	for _, b := range d.Balances {
		holder, err := parseAddress(b.Holder)
		if err != nil {
			return nil, fmt.Errorf("balance holder: %w", err)
		}
		asset, err := parseAddress(b.Asset)
		if err != nil {
			return nil, fmt.Errorf("balance asset: %w", err)
		}
		amount, err := fpmath.ParseAmount(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.Holder, err)
		}
		s.Balances[ledger.NewAccountKey(holder, asset)] = amount
	}
	for assetHex, issued := range d.Issued {
		asset, err := parseAddress(assetHex)
		if err != nil {
			return nil, fmt.Errorf("issued asset: %w", err)
		}
		if s.Issued[asset], err = fpmath.ParseAmount(issued); err != nil {
			return nil, fmt.Errorf("issued %s: %w", assetHex, err)
		}
	}

	for _, ts := range d.Trades {
		t, err := ts.trade()
		if err != nil {
			return nil, fmt.Errorf("trade %d: %w", ts.ID, err)
		}
		s.Trades = append(s.Trades, t)
	}
	for ownerHex, ids := range d.OwnerOrders {
		owner, err := parseAddress(ownerHex)
		if err != nil {
			return nil, fmt.Errorf("owner order: %w", err)
		}
		s.OwnerOrders[owner] = ids
	}

	reqs := []struct {
		dst **uint256.Int
		src string
	}{
		{&s.FeeConfig.Requirements.KeeperL1, d.FeeConfig.KeeperL1Req},
		{&s.FeeConfig.Requirements.KeeperL2, d.FeeConfig.KeeperL2Req},
		{&s.FeeConfig.Requirements.KeeperL3, d.FeeConfig.KeeperL3Req},
		{&s.FeeConfig.Requirements.Discount, d.FeeConfig.DiscountReq},
	}
	for _, r := range reqs {
		if *r.dst, err = fpmath.ParseAmount(r.src); err != nil {
			return nil, fmt.Errorf("fee requirements: %w", err)
		}
	}
	s.FeeConfig.Multipliers = d.FeeConfig.Multipliers

	return s, nil
}

func (ts TradeSnap) trade() (*state.Trade, error) {
	tt, err := state.ParseTradeType(ts.Type)
	if err != nil {
		return nil, err
	}
	t := &state.Trade{ID: ts.ID, Type: tt}
	addrs := []struct {
		dst *common.Address
		src string
	}{
		{&t.Owner, ts.Owner},
		{&t.FromAsset, ts.FromAsset},
		{&t.ToAsset, ts.ToAsset},
	}
	for _, a := range addrs {
		if *a.dst, err = parseAddress(a.src); err != nil {
			return nil, err
		}
	}
	amounts := []struct {
		dst **uint256.Int
		src string
	}{
		{&t.TotalFromAmount, ts.TotalFromAmount},
		{&t.CurrentFromAmount, ts.CurrentFromAmount},
		{&t.Rate, ts.Rate},
	}
	for _, a := range amounts {
		if *a.dst, err = fpmath.ParseAmount(a.src); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// SaveSnapshot persists a snapshot unverified and returns its encoded size.
// MarkVerified promotes it once every event it covers is durable.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified. The stored event at the same
// sequence must carry the snapshot's state hash.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) (bool, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.sequence = $1 AND e.sequence = s.sequence AND e.state_hash = s.state_hash
	`, sequence)
	if err != nil {
		return false, fmt.Errorf("verify snapshot %d: %w", sequence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, outcome, reject_reason,
		       payload, records, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Caller, &e.Outcome, &e.RejectReason,
			&e.Payload, &e.Records, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when it is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns the newest limit composite dedup keys,
// oldest first, for warming the LRU.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT k FROM (
			SELECT event_type || ':' || idempotency_key AS k, sequence
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
