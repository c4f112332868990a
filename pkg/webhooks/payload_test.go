package webhooks

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventVerification(t *testing.T) {
	event, err := ParseEvent([]byte(`{"verification_token": "secret_xyz"}`))

	require.NoError(t, err)
	assert.Equal(t, KindVerification, event.Kind)
	assert.Equal(t, "secret_xyz", event.VerificationToken)
	assert.Nil(t, event.Content)
}

func TestParseEventContent(t *testing.T) {
	body := []byte(`{
		"id": "evt-1",
		"timestamp": "2025-03-01T12:00:00Z",
		"workspace_id": "ws-1",
		"workspace_name": "Acme",
		"type": "page.content_updated",
		"entity": {"id": "page-1", "type": "page"},
		"accessible_by": [
			{"id": "bot-a", "type": "bot"},
			{"id": "user-1", "type": "person"},
			{"id": "bot-b", "type": "bot"},
			{"id": "bot-a", "type": "bot"}
		]
	}`)

	event, err := ParseEvent(body)

	require.NoError(t, err)
	assert.Equal(t, KindContent, event.Kind)
	require.NotNil(t, event.Content)
	assert.Equal(t, EventPageUpdated, event.Content.Type)
	assert.Equal(t, "page-1", event.Content.Entity.ID)
	assert.Equal(t, []string{"bot-a", "bot-b"}, event.Content.RoutingKeys(), "bot keys only, deduplicated, order preserved")
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type": `))

	assert.Error(t, err)
}

func TestParsePush(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"emailAddress": "user@example.com",
		"historyId":    123456,
	})
	require.NoError(t, err)

	// Google omits base64 padding, so strip it the way their APIs do.
	encoded := strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":         encoded,
			"message_id":   "msg-1",
			"publish_time": "2025-03-01T12:00:00Z",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	require.NoError(t, err)

	notification, err := ParsePush(body)

	require.NoError(t, err)
	assert.Equal(t, "user@example.com", notification.EmailAddress)
	assert.Equal(t, uint64(123456), notification.HistoryID)
}

func TestParsePushRejectsMissingData(t *testing.T) {
	_, err := ParsePush([]byte(`{"message": {"message_id": "msg-1"}}`))

	assert.Error(t, err)
}

func TestParsePushRejectsMissingAddress(t *testing.T) {
	encoded := base64.URLEncoding.EncodeToString([]byte(`{"historyId": 1}`))
	body := []byte(`{"message": {"data": "` + encoded + `"}}`)

	_, err := ParsePush(body)

	assert.Error(t, err)
}
