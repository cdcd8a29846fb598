package ingestion

import (
	"KeepTrade/internal/event"
	"context"
	"errors"
)

var ErrNotSequenced = errors.New("command was not sequenced")

// Submission is a parsed command on its way to the core loop. Result is
// optional; when set the core loop reports exactly one SubmitResult on it.
type Submission struct {
	Event      event.Event
	ReceivedAt int64 // unix nanos at ingress
	Result     chan<- SubmitResult
}

// SubmitResult tells a synchronous caller where its command landed.
// Sequence is -1 when the command was a duplicate or failed ordering.
type SubmitResult struct {
	Sequence     int64
	Outcome      event.Outcome
	RejectReason string
	Err          error
}

// Reply delivers r if the submitter asked for a result.
func (s Submission) Reply(r SubmitResult) {
	if s.Result != nil {
		s.Result <- r
	}
}

// GRPCIngestService injects commands from the admin RPC surface. NATS is the
// high-throughput path; this one waits for the core to sequence each
// command so the caller learns the outcome position.
type GRPCIngestService struct {
	eventChan chan<- Submission
}

func NewGRPCIngestService(eventChan chan<- Submission) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan}
}

// Submit queues evt and waits until the core has processed it. A rejected
// command is still sequenced and returns a nil error; check r.Outcome.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event, receivedAt int64) (SubmitResult, error) {
	result := make(chan SubmitResult, 1)
	select {
	case s.eventChan <- Submission{Event: evt, ReceivedAt: receivedAt, Result: result}:
	case <-ctx.Done():
		return SubmitResult{Sequence: -1}, ctx.Err()
	}
	select {
	case r := <-result:
		if r.Err != nil {
			return r, r.Err
		}
		if r.Sequence < 0 {
			return r, ErrNotSequenced
		}
		return r, nil
	case <-ctx.Done():
		return SubmitResult{Sequence: -1}, ctx.Err()
	}
}
