package query

import (
	"KeepTrade/internal/core"
	"KeepTrade/internal/event"
	fpmath "KeepTrade/internal/math"
	"context"
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var ErrCoreUnavailable = errors.New("core unavailable")

// CoreReader serves reads that must see the live core state. The core is
// single-threaded, so each read is shipped as a closure to the goroutine
// that owns it and the caller waits for the result.
type CoreReader struct {
	core     *core.DeterministicCore
	requests chan<- func()
}

// NewCoreReader returns a reader whose closures are run by whoever drains
// requests. That must be the core loop.
func NewCoreReader(c *core.DeterministicCore, requests chan<- func()) *CoreReader {
	return &CoreReader{core: c, requests: requests}
}

func (r *CoreReader) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case r.requests <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ErrCoreUnavailable
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrCoreUnavailable
	}
}

// Quote returns the live cost for keeper to fully fill trade id.
func (r *CoreReader) Quote(ctx context.Context, id uint64, keeper common.Address) (*QuoteResponse, error) {
	var (
		view core.QuoteView
		seq  int64
		err  error
	)
	if derr := r.do(ctx, func() {
		view, err = r.core.Engine().Quote(id, keeper)
		seq = r.core.GetSequence() - 1
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		TradeID:          view.TradeID,
		TradeType:        view.TradeType.String(),
		Keeper:           keeper.Hex(),
		CurrentAmount:    view.Current.Dec(),
		Rate:             view.Rate.Dec(),
		KeeperMultiplier: view.KeeperMul,
		TraderMultiplier: view.TraderMul,
		Base:             view.Base.Dec(),
		MaxIn:            view.MaxIn.Dec(),
		MaxInDisplay:     fpmath.FormatScaled(view.MaxIn),
		AsOfSequence:     seq,
	}, nil
}

// FeeConfig returns the fee configuration as the core holds it now.
func (r *CoreReader) FeeConfig(ctx context.Context) (*FeeConfigResponse, error) {
	var (
		reqs, muls []byte
		governance string
		seq        int64
		err        error
	)
	if derr := r.do(ctx, func() {
		cfg := r.core.Engine().FeeConfig()
		governance = r.core.Engine().Governance().Hex()
		seq = r.core.GetSequence() - 1
		reqs, err = json.Marshal(&event.RequirementsUpdated{
			KeeperL1: cfg.Requirements.KeeperL1.Dec(),
			KeeperL2: cfg.Requirements.KeeperL2.Dec(),
			KeeperL3: cfg.Requirements.KeeperL3.Dec(),
			Discount: cfg.Requirements.Discount.Dec(),
		})
		if err != nil {
			return
		}
		muls, err = json.Marshal(&event.FeesUpdated{
			KeeperL1: cfg.Multipliers.KeeperL1,
			KeeperL2: cfg.Multipliers.KeeperL2,
			KeeperL3: cfg.Multipliers.KeeperL3,
			Basic:    cfg.Multipliers.Basic,
			Discount: cfg.Multipliers.Discount,
			Base:     cfg.Multipliers.Base,
		})
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return &FeeConfigResponse{
		Governance:   governance,
		Requirements: reqs,
		Multipliers:  muls,
		AsOfSequence: seq,
	}, nil
}

// ExpectedNonce returns the next nonce the core will accept from caller.
func (r *CoreReader) ExpectedNonce(ctx context.Context, caller common.Address) (int64, error) {
	var nonce int64
	if err := r.do(ctx, func() { nonce = r.core.ExpectedNonce(caller) }); err != nil {
		return 0, err
	}
	return nonce, nil
}

// Sequence returns the last sequence the core assigned, -1 before the first.
func (r *CoreReader) Sequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.do(ctx, func() { seq = r.core.GetSequence() - 1 }); err != nil {
		return 0, err
	}
	return seq, nil
}

// SnapshotState captures the full core state for a snapshot.
func (r *CoreReader) SnapshotState(ctx context.Context) (*core.SnapshotState, error) {
	var st *core.SnapshotState
	if err := r.do(ctx, func() { st = r.core.CreateSnapshotState() }); err != nil {
		return nil, err
	}
	return st, nil
}
