package ingestion

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Processor is the deterministic core as the sequencer drives it.
type Processor interface {
	ProcessEvent(evt event.Event) error
	GetSequence() int64
	LastOutcome() (event.Outcome, string)
}

// Sequencer is the only goroutine that touches the core. It applies
// submissions from both ingress paths in arrival order and runs read
// closures between them, so reads never observe a half-applied command.
type Sequencer struct {
	core        Processor
	submissions <-chan Submission
	reads       <-chan func()
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewSequencer(
	core Processor,
	submissions <-chan Submission,
	reads <-chan func(),
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Sequencer {
	return &Sequencer{
		core:        core,
		submissions: submissions,
		reads:       reads,
		metrics:     metrics,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled or the submission channel closes.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case fn := <-s.reads:
			fn()

		case sub, ok := <-s.submissions:
			if !ok {
				return nil
			}
			sub.Reply(s.apply(sub))
		}
	}
}

func (s *Sequencer) apply(sub Submission) SubmitResult {
	evt := sub.Event
	before := s.core.GetSequence()

	if err := s.core.ProcessEvent(evt); err != nil {
		s.logger.Warn().
			Err(err).
			Str("event_type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Str("caller", evt.Caller().Hex()).
			Int64("nonce", evt.SourceSequence()).
			Msg("command not sequenced")
		return SubmitResult{Sequence: -1, Err: err}
	}
	if s.core.GetSequence() == before {
		// duplicate
		return SubmitResult{Sequence: -1}
	}

	if s.metrics != nil && sub.ReceivedAt > 0 {
		s.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).
			Observe(time.Since(time.Unix(0, sub.ReceivedAt)).Seconds())
	}
	outcome, reason := s.core.LastOutcome()
	return SubmitResult{Sequence: before, Outcome: outcome, RejectReason: reason}
}
