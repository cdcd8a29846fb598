package ingestion

import (
	"KeepTrade/internal/event"
	"KeepTrade/internal/observability"
	"context"

	"github.com/rs/zerolog"
)

// Shell turns raw NATS messages into Submissions for the core loop.
// Messages are acked once the parsed command is queued, not after the core
// applies it: a slow core backs up the queue instead of expiring AckWait.
type Shell struct {
	resolver *SubjectResolver
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewShell(subjects []SubjectConfig, metrics *observability.Metrics, logger zerolog.Logger) *Shell {
	return &Shell{
		resolver: NewSubjectResolver(subjects),
		metrics:  metrics,
		logger:   logger,
	}
}

// Run parses until rawChan closes or ctx is cancelled. Unroutable and
// unparseable messages are acked and dropped so they are not redelivered.
func (s *Shell) Run(ctx context.Context, rawChan <-chan RawEvent, out chan<- Submission) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			et := s.resolver.Resolve(raw.Subject)
			if et == event.EventTypeUnknown {
				s.logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
				s.drop("subject")
				raw.AckFunc()
				continue
			}

			evt, err := ParseRawEvent(raw, et)
			if err != nil {
				s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
				s.drop("payload")
				raw.AckFunc()
				continue
			}

			select {
			case out <- Submission{Event: evt, ReceivedAt: raw.Timestamp.UnixNano()}:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

func (s *Shell) drop(source string) {
	if s.metrics != nil {
		s.metrics.IngestMalformed.WithLabelValues(source).Inc()
	}
}
