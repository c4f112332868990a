package notify

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/repositories"
)

type captureWriter struct {
	messages []kafka.Message
	err      error
}

func (c *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func newTestForwarder(t *testing.T, writer *captureWriter) *Forwarder {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return &Forwarder{
		writer: writer,
		topic:  "raw-entries",
		logger: zapadapter.NewZapEctoLogger(zapLogger, nil),
	}
}

func testEntry() *models.RawEntry {
	externalID := "page-1"
	return &models.RawEntry{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		Provider:   models.ProviderNotion,
		ExternalID: &externalID,
	}
}

func TestEntryUpsertedPublishesNotification(t *testing.T) {
	writer := &captureWriter{}
	forwarder := newTestForwarder(t, writer)
	entry := testEntry()

	forwarder.EntryUpserted(context.Background(), entry, repositories.UpsertOpInserted, "Meeting notes")

	require.Len(t, writer.messages, 1)
	var msg EntryMessage
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &msg))
	assert.Equal(t, TypeEntryCreated, msg.Type)
	assert.Equal(t, entry.ID.String(), msg.RawEntryID)
	assert.Equal(t, entry.TenantID.String(), msg.TenantID)
	assert.Equal(t, models.ProviderNotion, msg.Source)
	assert.Equal(t, "Meeting notes", msg.Metadata["text_preview"])
	assert.Equal(t, "page-1", msg.Metadata["external_id"])
	assert.Equal(t, entry.TenantID.String()+":"+entry.ID.String(), string(writer.messages[0].Key))
}

func TestEntryUpsertedUsesUpdatedType(t *testing.T) {
	writer := &captureWriter{}
	forwarder := newTestForwarder(t, writer)

	forwarder.EntryUpserted(context.Background(), testEntry(), repositories.UpsertOpUpdated, "text")

	require.Len(t, writer.messages, 1)
	var msg EntryMessage
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &msg))
	assert.Equal(t, TypeEntryUpdated, msg.Type)
}

func TestEntryUpsertedTruncatesPreview(t *testing.T) {
	writer := &captureWriter{}
	forwarder := newTestForwarder(t, writer)
	long := strings.Repeat("à", TextPreviewLimit+50)

	forwarder.EntryUpserted(context.Background(), testEntry(), repositories.UpsertOpInserted, long)

	require.Len(t, writer.messages, 1)
	var msg EntryMessage
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &msg))
	preview, ok := msg.Metadata["text_preview"].(string)
	require.True(t, ok)
	assert.Len(t, []rune(preview), TextPreviewLimit)
}

func TestEntryUpsertedSwallowsPublishFailure(t *testing.T) {
	writer := &captureWriter{err: assert.AnError}
	forwarder := newTestForwarder(t, writer)

	assert.NotPanics(t, func() {
		forwarder.EntryUpserted(context.Background(), testEntry(), repositories.UpsertOpInserted, "text")
	})
}
