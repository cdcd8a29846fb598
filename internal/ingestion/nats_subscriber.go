package ingestion

import (
	"KeepTrade/internal/event"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "KEEPTRADE_COMMANDS"
	commandPrefix = "keeptrade.commands."
)

// NATSSubscriber consumes command subjects from JetStream and hands raw
// messages to the shell, which parses them before the core sees them.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is one undecoded command from NATS.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK once the parsed command is queued for the core
	NakFunc   func() // NAK for redelivery
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    event.EventType
	ConsumerName string
}

// DefaultSubjects returns one durable consumer per command type.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: commandPrefix + "deposit.>", EventType: event.EventTypeDeposit, ConsumerName: "keeptrade-deposit"},
		{Subject: commandPrefix + "create.>", EventType: event.EventTypeCreateTrade, ConsumerName: "keeptrade-create"},
		{Subject: commandPrefix + "fill.>", EventType: event.EventTypeFillTrade, ConsumerName: "keeptrade-fill"},
		{Subject: commandPrefix + "cancel.>", EventType: event.EventTypeCancelTrades, ConsumerName: "keeptrade-cancel"},
		{Subject: commandPrefix + "admin_cancel.>", EventType: event.EventTypeAdminCancel, ConsumerName: "keeptrade-admin-cancel"},
		{Subject: commandPrefix + "rate.>", EventType: event.EventTypeUpdateRate, ConsumerName: "keeptrade-rate"},
		{Subject: commandPrefix + "governance.requirements.>", EventType: event.EventTypeSetRequirements, ConsumerName: "keeptrade-gov-reqs"},
		{Subject: commandPrefix + "governance.fees.>", EventType: event.EventTypeSetFees, ConsumerName: "keeptrade-gov-fees"},
		{Subject: commandPrefix + "governance.transfer.>", EventType: event.EventTypeSetGovernance, ConsumerName: "keeptrade-gov-transfer"},
	}
}

// SubjectResolver maps concrete subjects to command types by longest
// configured prefix.
type SubjectResolver struct {
	prefixes map[string]event.EventType
}

func NewSubjectResolver(subjects []SubjectConfig) *SubjectResolver {
	r := &SubjectResolver{prefixes: make(map[string]event.EventType, len(subjects))}
	for _, cfg := range subjects {
		r.prefixes[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return r
}

// Resolve returns EventTypeUnknown when no prefix matches.
func (r *SubjectResolver) Resolve(subject string) event.EventType {
	best, bestType := "", event.EventTypeUnknown
	for prefix, et := range r.prefixes {
		if (subject == prefix || strings.HasPrefix(subject, prefix+".")) && len(prefix) > len(best) {
			best, bestType = prefix, et
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it doesn't exist. Commands are
// kept 72h; the event log is the durable record.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{commandPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("keeptrade"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
