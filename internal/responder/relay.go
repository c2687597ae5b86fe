package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wagate/wagate/internal/transport"
)

// RelayConfig selects the Kafka brokers and topic for the message relay.
type RelayConfig struct {
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
}

// relayEnvelope is the JSON record published per inbound message.
type relayEnvelope struct {
	SessionID string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	PushName  string    `json:"pushName,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay publishes inbound messages to a Kafka topic instead of answering
// them. Used for bot-class sessions feeding a downstream pipeline.
type Relay struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// NewRelay builds the relay responder.
func NewRelay(cfg RelayConfig, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "wagate.messages"
	}
	return &Relay{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		log: log,
	}
}

// HandleMessage publishes the message, keyed by session id so one session's
// messages stay ordered on a single partition.
func (r *Relay) HandleMessage(ctx context.Context, sessionID string, _ transport.Handle, msg transport.Message) error {
	payload, err := json.Marshal(relayEnvelope{
		SessionID: sessionID,
		MessageID: msg.ID,
		Chat:      msg.Chat,
		Sender:    msg.Sender,
		PushName:  msg.PushName,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sessionID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("publish message for %s: %w", sessionID, err)
	}
	r.log.Debug("message relayed", "session", sessionID, "chat", msg.Chat)
	return nil
}

// CheckProactive is a no-op: relayed sessions never initiate outreach.
func (r *Relay) CheckProactive(context.Context, string, transport.Handle) error {
	return nil
}

// Close flushes and closes the Kafka writer.
func (r *Relay) Close() error {
	return r.writer.Close()
}
