// Package events publishes accepted transcript messages to Kafka for the
// downstream context builder.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/observability/logging"
	"interviewcopilot/internal/observability/metrics"
)

const eventType = "transcript.message.final"

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// TranscriptMessageEvent is the payload written for every final message.
type TranscriptMessageEvent struct {
	EventID     string         `json:"eventId"`
	EventType   string         `json:"eventType"`
	SessionID   string         `json:"sessionId"`
	MessageID   string         `json:"messageId"`
	Speaker     domain.Speaker `json:"speaker"`
	Text        string         `json:"text"`
	SpokenAt    time.Time      `json:"spokenAt"`
	PublishedAt time.Time      `json:"publishedAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes transcript events to one topic. With Kafka disabled it
// only logs what it would have sent.
type Publisher struct {
	writer  messageWriter
	topic   string
	enabled bool
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.Default()
	}
	p := &Publisher{
		topic:   cfg.Topic,
		metrics: m,
		logger:  logging.WithComponent("publisher"),
		now:     time.Now,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	topic := cfg.Topic
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		Completion: func(messages []kafka.Message, err error) {
			latency := 0.0
			if len(messages) > 0 {
				latency = time.Since(messages[0].Time).Seconds()
			}
			m.RecordKafkaPublish(topic, len(messages), err, latency)
			if err != nil {
				p.logger.Error().Err(err).Int("messages", len(messages)).Str("topic", topic).Msg("Kafka batch failed")
			}
		},
	}
	p.enabled = true

	p.logger.Info().Strs("brokers", cfg.Brokers).Str("topic", topic).Msg("Kafka publisher initialized")
	return p
}

// PublishMessage queues msg keyed by sessionID, so one interview's messages
// stay ordered on a single partition. Interim messages are ignored.
func (p *Publisher) PublishMessage(ctx context.Context, sessionID string, msg domain.ChatMessage) error {
	if msg.IsInterim {
		return nil
	}

	now := p.now()
	event := TranscriptMessageEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		SessionID:   sessionID,
		MessageID:   msg.ID,
		Speaker:     msg.Speaker,
		Text:        msg.Text,
		SpokenAt:    msg.CreatedAt,
		PublishedAt: now,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transcript event: %w", err)
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("key", sessionID).
		RawJSON("payload", payload).
		Msg("publishing transcript message")

	if !p.enabled || p.writer == nil {
		p.metrics.RecordKafkaPublish(p.topic, 1, nil, 0)
		return nil
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sessionID),
		Value: payload,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "speaker", Value: []byte(msg.Speaker)},
		},
	})
	if err != nil {
		p.logger.Error().Err(err).Str("topic", p.topic).Str("key", sessionID).Msg("failed to queue Kafka message")
		p.metrics.RecordKafkaPublish(p.topic, 1, err, time.Since(now).Seconds())
		return fmt.Errorf("publish transcript message: %w", err)
	}
	return nil
}

// Enabled reports whether messages actually reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// Close flushes pending messages.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error().Err(err).Msg("error closing Kafka writer")
		return err
	}
	return nil
}
