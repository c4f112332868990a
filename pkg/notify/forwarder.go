// Package notify emits best-effort signals to the downstream consumer when a
// raw entry lands. Delivery is fire-and-forget: a lost signal never loses the
// stored entry and never blocks the ingest pipeline.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/everlight/trellis/pkg/metrics"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/repositories"
	"github.com/everlight/trellis/pkg/tracing"
)

const (
	// TextPreviewLimit caps the preview included in notification metadata.
	TextPreviewLimit = 200

	// publishTimeout bounds how long one publish may stall the caller.
	publishTimeout = 5 * time.Second
)

// Message types emitted per upsert operation.
const (
	TypeEntryCreated = "raw_entry.created"
	TypeEntryUpdated = "raw_entry.updated"
)

// Config holds Kafka configuration for the forwarder.
type Config struct {
	Brokers []string
	Topic   string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, topic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers: brokerList,
		Topic:   topic,
	}
}

// EntryMessage is the notification payload for one stored entry.
type EntryMessage struct {
	Type       string         `json:"type"`
	RawEntryID string         `json:"raw_entry_id"`
	TenantID   string         `json:"tenant_id"`
	Source     string         `json:"source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
}

// messageWriter is the part of kafka.Writer the forwarder uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder publishes entry notifications to Kafka.
type Forwarder struct {
	writer messageWriter
	topic  string
	logger ectologger.Logger
}

// NewForwarder creates a Kafka-backed forwarder
func NewForwarder(cfg Config, logger ectologger.Logger) *Forwarder {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// Allow Kafka to auto-create the topic in dev environments when it doesn't exist yet.
		// Without this, a first publish may fail with "Unknown Topic Or Partition".
		AllowAutoTopicCreation: true,
	}

	return &Forwarder{
		writer: writer,
		topic:  cfg.Topic,
		logger: logger,
	}
}

// Close closes the underlying writer
func (f *Forwarder) Close() error {
	return f.writer.Close()
}

// EntryUpserted publishes a notification for one stored entry. Every failure
// path is caught, logged and counted; this method never reports one.
func (f *Forwarder) EntryUpserted(ctx context.Context, entry *models.RawEntry, op repositories.UpsertOp, text string) {
	ctx, span := tracing.StartSpan(ctx, "Forwarder.EntryUpserted")
	defer span.End()

	msgType := TypeEntryCreated
	if op == repositories.UpsertOpUpdated {
		msgType = TypeEntryUpdated
	}

	metadata := map[string]any{
		"text_preview": previewText(text),
	}
	if entry.ExternalID != nil {
		metadata["external_id"] = *entry.ExternalID
	}

	msg := EntryMessage{
		Type:       msgType,
		RawEntryID: entry.ID.String(),
		TenantID:   entry.TenantID.String(),
		Source:     entry.Provider,
		Metadata:   metadata,
		Timestamp:  time.Now().UTC(),
		TraceID:    tracing.GetTraceID(ctx),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.WithContext(ctx).WithError(err).Error("failed to marshal entry notification")
		metrics.RecordKafkaPublish(f.topic, "failure", 0)
		return
	}

	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(msg.TenantID)},
		{Key: "source", Value: []byte(msg.Source)},
		{Key: "type", Value: []byte(msg.Type)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	start := time.Now()
	err = f.writer.WriteMessages(publishCtx, kafka.Message{
		Key:     []byte(fmt.Sprintf("%s:%s", msg.TenantID, msg.RawEntryID)),
		Value:   data,
		Headers: headers,
	})
	duration := time.Since(start).Seconds()

	if err != nil {
		metrics.RecordKafkaPublish(f.topic, "failure", duration)
		f.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish entry notification to Kafka topic %s", f.topic)
		return
	}

	metrics.RecordKafkaPublish(f.topic, "success", duration)
	f.logger.WithContext(ctx).Debugf("Published entry notification: entry=%s type=%s", msg.RawEntryID, msg.Type)
}

// previewText truncates text to the preview limit without splitting a rune.
func previewText(text string) string {
	runes := []rune(text)
	if len(runes) <= TextPreviewLimit {
		return text
	}
	return string(runes[:TextPreviewLimit])
}
