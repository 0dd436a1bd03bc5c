package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

// Publisher kinds.
const (
	KindKafka     = "kafka"
	KindGoChannel = "gochannel"
	KindNone      = "none"
)

// EventPublisher publishes quiz notifications.
type EventPublisher interface {
	Publish(ctx context.Context, event *QuizEvent) error
	Close() error
}

// PublisherConfig holds configuration for the event publisher.
type PublisherConfig struct {
	Kind         string
	KafkaBrokers []string
	TopicName    string
}

// Publisher implements EventPublisher on a watermill publisher.
type Publisher struct {
	publisher message.Publisher
	logger    zerolog.Logger
	topicName string
}

// NewPublisher builds a publisher of the configured kind. KindNone returns a publisher that
// drops events.
func NewPublisher(cfg PublisherConfig, logger zerolog.Logger) (EventPublisher, error) {
	logger = logger.With().Str("component", "events").Logger()
	if cfg.TopicName == "" {
		cfg.TopicName = "quiz-events"
	}
	adapter := NewLoggerAdapter(logger)

	switch cfg.Kind {
	case KindKafka:
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			Marshaler: kafka.DefaultMarshaler{},
		}, adapter)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
		}
		return &Publisher{publisher: pub, logger: logger, topicName: cfg.TopicName}, nil
	case KindGoChannel:
		pub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, adapter)
		return &Publisher{publisher: pub, logger: logger, topicName: cfg.TopicName}, nil
	case KindNone, "":
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown events publisher %q", cfg.Kind)
	}
}

// NewChannelPublisher wraps an in-process pub/sub; used by tests and local consumers.
func NewChannelPublisher(pub message.Publisher, topic string, logger zerolog.Logger) *Publisher {
	return &Publisher{publisher: pub, logger: logger, topicName: topic}
}

// Publish implements EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event *QuizEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal quiz event: %w", err)
	}

	msg := message.NewMessage(event.ID, eventBytes)
	msg.SetContext(ctx)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.Metadata.Set("quiz_id", event.QuizID.String())
	msg.Metadata.Set("source", event.Source)
	msg.Metadata.Set("version", event.Version)
	msg.Metadata.Set("timestamp", event.Timestamp.Format(time.RFC3339))

	if err := p.publisher.Publish(p.topicName, msg); err != nil {
		p.logger.Error().Err(err).Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("failed to publish quiz event")
		return fmt.Errorf("failed to publish quiz event: %w", err)
	}

	p.logger.Info().Str("event_id", event.ID).Str("event_type", string(event.Type)).Str("topic", p.topicName).Msg("published quiz event")
	return nil
}

// Close closes the publisher and releases resources.
func (p *Publisher) Close() error {
	return p.publisher.Close()
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, *QuizEvent) error { return nil }
func (Discard) Close() error                              { return nil }
