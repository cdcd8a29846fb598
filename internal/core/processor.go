package core

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/fee"
	"KeepTrade/internal/ledger"
	"KeepTrade/internal/observability"
	"KeepTrade/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var errUnknownEvent = errors.New("unknown event type")

// CoreConfig is the genesis state of a fresh core.
type CoreConfig struct {
	StartSequence       int64
	Escrow              common.Address
	GovernanceToken     common.Address
	Governance          common.Address
	FeeConfig           fee.Config
	IdempotencyCapacity int
	// GlobalCheckInterval is how often, in sequences, the full custody
	// conservation check runs. Zero disables it.
	GlobalCheckInterval int64
}

// DeterministicCore is the single-threaded command processor. It dedups,
// orders per caller, applies commands to the Engine, and chains a state hash
// over the result.
type DeterministicCore struct {
	sequence        int64
	chain           *hashChain
	tracker         *ledger.BalanceTracker
	validator       *ledger.InvariantValidator
	engine          *Engine
	idempotency     *IdempotencyChecker
	nonces          *nonceTracker
	globalInterval  int64
	lastEvictions   int64
	lastOutcome     event.Outcome
	lastReason      string
	lastTier2Errors int64
	metrics         *observability.Metrics
	logger          zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

func NewDeterministicCore(
	cfg CoreConfig,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*DeterministicCore, error) {
	governance, err := state.NewGovernance(cfg.Governance, cfg.FeeConfig)
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	idempotency, err := NewIdempotencyChecker(capacity, dbChecker)
	if err != nil {
		return nil, err
	}

	tracker := ledger.NewBalanceTracker()
	engine := NewEngine(
		governance,
		tracker,
		ledger.NewTokenOracle(tracker, cfg.GovernanceToken),
		cfg.Escrow,
		logger.With().Str("sub", "engine").Logger(),
	)

	return &DeterministicCore{
		sequence:       cfg.StartSequence,
		chain:          newHashChain(),
		tracker:        tracker,
		validator:      ledger.NewInvariantValidator(tracker, cfg.Escrow),
		engine:         engine,
		idempotency:    idempotency,
		nonces:         newNonceTracker(),
		globalInterval: cfg.GlobalCheckInterval,
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// ProcessEvent is the main processing pipeline. It returns an error only when
// the command never reached the engine (ordering violation or unknown type);
// domain failures are sequenced as rejected envelopes and consume the nonce.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate, tier := c.idempotency.Check(eventType, idempotencyKey)

	// Step 2: Nonce validation
	partition := c.getPartition(evt)
	if err := c.nonces.admit(partition, evt.SourceSequence(), isDuplicate); err != nil {
		c.rejectMetric(eventType, "ordering")
		if c.metrics != nil {
			if errors.Is(err, ErrNonceGap) {
				c.metrics.NonceGap.WithLabelValues(partition).Inc()
			} else {
				c.metrics.NonceOutOfOrder.WithLabelValues(partition).Inc()
			}
		}
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.rejectMetric(eventType, "duplicate")
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
		}
		return nil
	}

	// Step 3: Dispatch
	meta := Meta{
		Ref:       eventType + ":" + idempotencyKey,
		Sequence:  c.sequence,
		Timestamp: evt.EventTimestamp(),
	}
	result, dispatchErr := c.dispatchEvent(evt, meta)
	if errors.Is(dispatchErr, errUnknownEvent) {
		return dispatchErr
	}

	outcome := event.OutcomeApplied
	rejectReason := ""
	if dispatchErr != nil {
		outcome = event.OutcomeRejected
		rejectReason = RejectReason(dispatchErr)
		c.logger.Info().
			Str("event_type", eventType).
			Str("key", idempotencyKey).
			Str("caller", evt.Caller().Hex()).
			Str("reason", rejectReason).
			Err(dispatchErr).
			Msg("command rejected")
		c.rejectMetric(eventType, rejectReason)
	}

	// Step 4: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: Envelope and hash chain
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", eventType, err))
	}
	stateDigest := c.computeStateDigest(result.Batch, outcome, rejectReason)
	prevHash := c.chain.tip
	stateHash := c.chain.extend(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Caller:         evt.Caller(),
		Timestamp:      time.UnixMicro(evt.EventTimestamp()),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		Outcome:        outcome,
		RejectReason:   rejectReason,
		Records:        result.Records,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Envelope:   envelope,
		Batch:      result.Batch,
		StateDelta: stateDigest,
	}
	c.sequence++
	c.lastOutcome, c.lastReason = outcome, rejectReason

	// Step 6: Emit. Persistence blocks so nothing is lost; projections drop
	// on full and rebuild from the event log.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	// Step 7: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		if outcome == event.OutcomeApplied {
			c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
			c.recordDomainMetrics(evt, result)
		}
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.TradesActive.Set(float64(c.engine.TradeCount()))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
		c.syncDedupCounters()
	}
	return nil
}

// syncDedupCounters forwards the checker's internal counters to Prometheus.
func (c *DeterministicCore) syncDedupCounters() {
	im := c.idempotency.GetMetrics()
	if ev := im.GetEvictions(); ev > c.lastEvictions {
		c.metrics.DedupLRUEvictions.Add(float64(ev - c.lastEvictions))
		c.lastEvictions = ev
	}
	if errs := im.GetTier2Errors(); errs > c.lastTier2Errors {
		c.metrics.DedupTier2Errors.Add(float64(errs - c.lastTier2Errors))
		c.lastTier2Errors = errs
	}
}

func (c *DeterministicCore) rejectMetric(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordDomainMetrics(evt event.Event, result Result) {
	if result.Batch != nil {
		for _, j := range result.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, rec := range result.Records {
		switch r := rec.(type) {
		case *event.TradeFilled:
			fill := evt.(*event.FillTrade)
			kind := "partial"
			if r.Remaining == "0" {
				kind = "full"
			}
			c.metrics.TradeFills.WithLabelValues(fill.TradeType.String(), kind).Inc()
			if r.ProtocolReceived != "0" {
				c.metrics.ProtocolFees.WithLabelValues(fill.TradeType.String()).Inc()
			}
		case *event.TradeCancelled:
			by := "owner"
			if r.ByAdmin {
				by = "governance"
			}
			c.metrics.TradeCancels.WithLabelValues(by).Inc()
		}
	}
}

// getPartition determines the nonce partition for a command.
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if _, ok := evt.(*event.Deposit); ok {
		return BridgePartition
	}
	return CallerPartition(evt.Caller())
}

func (c *DeterministicCore) dispatchEvent(evt event.Event, m Meta) (Result, error) {
	switch e := evt.(type) {
	case *event.Deposit:
		return c.engine.Deposit(m, e.Holder, e.Asset, e.Amount)
	case *event.CreateTrade:
		_, result, err := c.engine.Create(m, e.TradeType, e.Owner, e.FromAsset, e.ToAsset, e.Amount, e.Rate)
		return result, err
	case *event.FillTrade:
		return c.engine.Fill(m, e.Keeper, e.TradeID, e.TradeType, e.Offered)
	case *event.CancelTrades:
		if e.Admin {
			return c.engine.CancelFromOwner(m, e.From, e.TradeIDs)
		}
		return c.engine.Cancel(m, e.From, e.TradeIDs)
	case *event.UpdateRate:
		return c.engine.UpdateRate(e.Owner, e.TradeID, e.Rate)
	case *event.SetRequirements:
		return c.engine.SetRequirements(e.From, e.Requirements)
	case *event.SetFees:
		return c.engine.SetFees(e.From, e.Multipliers)
	case *event.SetGovernance:
		return c.engine.SetGovernance(e.From, e.Next)
	default:
		return Result{}, fmt.Errorf("%T: %w", evt, errUnknownEvent)
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched with its post-balance, then the outcome.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, outcome event.Outcome, reason string) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+len(reason)+1)
	for _, key := range accounts {
		var balance *uint256.Int
		if key.IsExternal() {
			balance = c.tracker.Issued(key.Asset)
		} else {
			balance = c.tracker.GetBalance(key)
		}
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		word := balance.Bytes32()
		digest = append(digest, word[:]...)
	}
	digest = append(digest, byte(outcome))
	digest = append(digest, reason...)
	return digest
}

// postCheckInvariants validates custody after every command.
func (c *DeterministicCore) postCheckInvariants() error {
	if err := c.validator.ValidateEscrow(c.engine.OpenEscrow()); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}

	if c.globalInterval > 0 && c.sequence > 0 && c.sequence%c.globalInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("global balance at seq %d: %w", c.sequence, err)
		}
		if err := c.engine.CheckIndex(); err != nil {
			return fmt.Errorf("index at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the in-memory state needed for a warm start.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]*uint256.Int
	Issued          map[common.Address]*uint256.Int
	Trades          []*state.Trade
	NextTradeID     uint64
	GlobalOrder     []uint64
	OwnerOrders     map[common.Address][]uint64
	Governance      common.Address
	FeeConfig       fee.Config
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.engine.Restore(
		snap.Trades,
		snap.NextTradeID,
		snap.GlobalOrder,
		snap.OwnerOrders,
		snap.Governance,
		snap.FeeConfig,
	); err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}
	c.tracker.Restore(snap.Balances, snap.Issued)

	if err := c.validator.ValidateEscrow(c.engine.OpenEscrow()); err != nil {
		return fmt.Errorf("restored escrow: %w", err)
	}
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restored balances: %w", err)
	}

	c.sequence = snap.Sequence + 1
	c.chain.tip = snap.StateHash
	c.nonces.restore(snap.SequenceState)
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// LastOutcome reports how the most recently sequenced command ended.
func (c *DeterministicCore) LastOutcome() (event.Outcome, string) {
	return c.lastOutcome, c.lastReason
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.chain.tip
}

// ExpectedNonce returns the next nonce the core accepts from caller.
func (c *DeterministicCore) ExpectedNonce(caller common.Address) int64 {
	return c.nonces.expected(CallerPartition(caller))
}

// Engine exposes the trade engine for reads on the core goroutine.
func (c *DeterministicCore) Engine() *Engine {
	return c.engine
}

// BalanceOf reads a custody balance.
func (c *DeterministicCore) BalanceOf(holder, asset common.Address) *uint256.Int {
	return c.tracker.BalanceOf(holder, asset)
}

// SetRefusesNative marks holder as rejecting native pushes.
func (c *DeterministicCore) SetRefusesNative(holder common.Address, refuse bool) {
	c.tracker.SetRefusesNative(holder, refuse)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	balances, issued := c.tracker.Snapshot()
	cfg := c.engine.FeeConfig()
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.chain.tip,
		Balances:        balances,
		Issued:          issued,
		Trades:          c.engine.Trades(),
		NextTradeID:     c.engine.NextTradeID(),
		GlobalOrder:     c.engine.GlobalOrder(),
		OwnerOrders:     c.engine.OwnerOrders(),
		Governance:      c.engine.Governance(),
		FeeConfig:       cfg,
		SequenceState:   c.nonces.snapshot(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}
