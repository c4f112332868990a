package webhooks

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// EventKind tags a parsed webhook payload. The tag is resolved once at parse
// time; downstream code switches on it instead of re-probing fields.
type EventKind string

const (
	KindVerification EventKind = "verification"
	KindContent      EventKind = "content"
)

// Content event types delivered by Notion-style providers.
const (
	EventPageCreated = "page.created"
	EventPageUpdated = "page.content_updated"
	EventPageDeleted = "page.deleted"
)

// Entity is a typed identifier inside a content event.
type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ContentEvent is a provider change notification for one external resource.
type ContentEvent struct {
	ID            string   `json:"id"`
	Timestamp     string   `json:"timestamp"`
	WorkspaceID   string   `json:"workspace_id"`
	WorkspaceName string   `json:"workspace_name"`
	Type          string   `json:"type"`
	Entity        Entity   `json:"entity"`
	AccessibleBy  []Entity `json:"accessible_by"`
}

// RoutingKeys returns the distinct bot identities that can see the resource.
// These are the join keys matched against stored connection routing keys.
func (e *ContentEvent) RoutingKeys() []string {
	seen := make(map[string]struct{}, len(e.AccessibleBy))
	keys := make([]string, 0, len(e.AccessibleBy))
	for _, entity := range e.AccessibleBy {
		if entity.Type != "bot" || entity.ID == "" {
			continue
		}
		if _, ok := seen[entity.ID]; ok {
			continue
		}
		seen[entity.ID] = struct{}{}
		keys = append(keys, entity.ID)
	}
	return keys
}

// Event is the tagged result of parsing a webhook body.
type Event struct {
	Kind              EventKind
	VerificationToken string
	Content           *ContentEvent
}

type rawPayload struct {
	VerificationToken *string `json:"verification_token"`
	ContentEvent
}

// ParseEvent decodes a Notion-style webhook body into its tagged variant. A
// payload carrying a verification_token field is the one-time subscription
// handshake; everything else is a content event.
func ParseEvent(body []byte) (*Event, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "unparseable webhook body")
	}

	if raw.VerificationToken != nil {
		return &Event{Kind: KindVerification, VerificationToken: *raw.VerificationToken}, nil
	}

	content := raw.ContentEvent
	return &Event{Kind: KindContent, Content: &content}, nil
}

// PushEnvelope is a Pub/Sub push delivery wrapping a Gmail notification.
type PushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"message_id"`
		PublishTime string `json:"publish_time"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushNotification is the decoded Gmail change notification. The email
// address is the routing key for Gmail connections.
type PushNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// ParsePush decodes a Pub/Sub push envelope and its base64url data field.
func ParsePush(body []byte) (*PushNotification, error) {
	var envelope PushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(err, "unparseable push envelope")
	}
	if envelope.Message.Data == "" {
		return nil, errors.New("push envelope has no message data")
	}

	decoded, err := decodeBase64URL(envelope.Message.Data)
	if err != nil {
		return nil, errors.Wrap(err, "push data is not valid base64url")
	}

	var notification PushNotification
	if err := json.Unmarshal(decoded, &notification); err != nil {
		return nil, errors.Wrap(err, "push data is not a notification")
	}
	if notification.EmailAddress == "" {
		return nil, errors.New("push notification has no email address")
	}
	return &notification, nil
}

// decodeBase64URL tolerates the missing padding Google's APIs produce.
func decodeBase64URL(data string) ([]byte, error) {
	if pad := len(data) % 4; pad != 0 {
		data += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(data)
}
