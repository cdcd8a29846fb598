package persistence

import (
	"KeepTrade/internal/core"
	"KeepTrade/internal/observability"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StateSource captures the core state on the goroutine that owns the core.
type StateSource func(ctx context.Context) (*core.SnapshotState, error)

// SequenceSource returns the last sequence the core assigned.
type SequenceSource func(ctx context.Context) (int64, error)

// Snapshotter takes a snapshot every interval sequences. Snapshots are
// saved unverified and promoted once the persistence worker has written the
// event they cover; only verified snapshots are used for recovery.
type Snapshotter struct {
	mgr      *SnapshotManager
	state    StateSource
	sequence SequenceSource
	interval int64
	check    time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
	pending []int64
}

func NewSnapshotter(
	mgr *SnapshotManager,
	state StateSource,
	sequence SequenceSource,
	interval int64,
	check time.Duration,
	lastSnapshot int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	if check <= 0 {
		check = 10 * time.Second
	}
	return &Snapshotter{
		mgr:      mgr,
		state:    state,
		sequence: sequence,
		interval: interval,
		check:    check,
		metrics:  metrics,
		logger:   logger,
		lastSeq:  lastSnapshot,
	}
}

// Run checks the core sequence every check period until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.VerifyPending(ctx)

			seq, err := s.sequence(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("read core sequence")
				continue
			}
			s.mu.Lock()
			due := seq-s.lastSeq >= s.interval
			s.mu.Unlock()
			if !due {
				continue
			}
			if _, err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// Take captures and saves a snapshot now and queues it for verification.
// A core that has sequenced nothing yields -1 and saves nothing.
func (s *Snapshotter) Take(ctx context.Context) (int64, error) {
	start := time.Now()

	st, err := s.state(ctx)
	if err != nil {
		return -1, fmt.Errorf("capture state: %w", err)
	}
	if st.Sequence < 0 {
		return -1, nil
	}

	data := NewSnapshotData(st, time.Now().UTC())
	size, err := s.mgr.SaveSnapshot(ctx, data)
	if err != nil {
		return -1, err
	}

	s.mu.Lock()
	s.lastSeq = st.Sequence
	s.pending = append(s.pending, st.Sequence)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	s.logger.Info().Int64("seq", st.Sequence).Int("bytes", size).Msg("snapshot saved")

	s.VerifyPending(ctx)
	return st.Sequence, nil
}

// VerifyPending promotes queued snapshots whose event is now durable. A
// snapshot whose event is durable but whose hash does not match is dropped.
func (s *Snapshotter) VerifyPending(ctx context.Context) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	persisted, err := s.mgr.GetLatestSequence(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read persisted sequence")
		s.requeue(pending)
		return
	}

	var keep []int64
	for _, seq := range pending {
		if seq > persisted {
			keep = append(keep, seq)
			continue
		}
		ok, err := s.mgr.MarkVerified(ctx, seq)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Int64("seq", seq).Msg("verify snapshot")
			keep = append(keep, seq)
		case !ok:
			s.logger.Error().Int64("seq", seq).Msg("snapshot hash does not match event log, not using it")
		default:
			s.logger.Info().Int64("seq", seq).Msg("snapshot verified")
		}
	}
	s.requeue(keep)
}

// Pending returns the sequences still waiting for verification.
func (s *Snapshotter) Pending() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.pending...)
}

func (s *Snapshotter) requeue(seqs []int64) {
	if len(seqs) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(seqs, s.pending...)
	s.mu.Unlock()
}
