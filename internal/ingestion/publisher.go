package ingestion

import (
	"KeepTrade/internal/event"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream   = "KEEPTRADE_EVENTS"
	eventPrefix   = "keeptrade.events."
	rejectedTopic = "CommandRejected"
)

// OutboundPublisher publishes records of processed commands for downstream
// consumers on keeptrade.events.{RecordType}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is one record, or one rejection, ready for the wire.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	Index          int             `json:"index"`
	Topic          string          `json:"topic"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Data           json.RawMessage `json:"data,omitempty"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Subject is the NATS subject this event is published on.
func (p PublishableEvent) Subject() string {
	return eventPrefix + p.Topic
}

// MsgID dedups republished events within the stream's duplicate window.
func (p PublishableEvent) MsgID() string {
	return fmt.Sprintf("%d-%d", p.Sequence, p.Index)
}

// NewPublishableEvents flattens an envelope into one event per record, or a
// single CommandRejected event.
func NewPublishableEvents(env *event.EventEnvelope) ([]PublishableEvent, error) {
	base := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if env.Outcome == event.OutcomeRejected {
		base.Topic = rejectedTopic
		base.RejectReason = env.RejectReason
		return []PublishableEvent{base}, nil
	}

	out := make([]PublishableEvent, 0, len(env.Records))
	for i, rec := range env.Records {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", rec.RecordType(), err)
		}
		p := base
		p.Index = i
		p.Topic = rec.RecordType().String()
		p.Data = data
		out = append(out, p)
	}
	return out, nil
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop. Failures are logged and skipped;
// downstream consumers can read the event log directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Str("topic", evt.Topic).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{eventPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
