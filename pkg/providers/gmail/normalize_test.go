package gmail

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func encodeBody(content string) string {
	// Gmail strips base64 padding from body data.
	return strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(content)), "=")
}

func message(headers map[string]string, payload map[string]any) map[string]any {
	headerList := make([]any, 0, len(headers))
	for name, value := range headers {
		headerList = append(headerList, map[string]any{"name": name, "value": value})
	}
	payload["headers"] = headerList
	return map[string]any{
		"id":      "msg-1",
		"payload": payload,
	}
}

func TestExtractText_PlainBody(t *testing.T) {
	msg := message(
		map[string]string{"Subject": "Hello", "From": "alice@example.com"},
		map[string]any{
			"mimeType": "text/plain",
			"body":     map[string]any{"data": encodeBody("Lunch at noon?")},
		},
	)

	text := ExtractText(msg)
	assert.Contains(t, text, "Subject: Hello")
	assert.Contains(t, text, "From: alice@example.com")
	assert.Contains(t, text, "Lunch at noon?")
}

func TestExtractText_MultipartPrefersAllTextParts(t *testing.T) {
	msg := message(
		map[string]string{"Subject": "Report"},
		map[string]any{
			"mimeType": "multipart/alternative",
			"parts": []any{
				map[string]any{
					"mimeType": "text/plain",
					"body":     map[string]any{"data": encodeBody("plain version")},
				},
				map[string]any{
					"mimeType": "text/html",
					"body":     map[string]any{"data": encodeBody("<p>html <b>version</b></p>")},
				},
			},
		},
	)

	text := ExtractText(msg)
	assert.Contains(t, text, "plain version")
	assert.Contains(t, text, "html version")
	assert.NotContains(t, text, "<p>")
}

func TestExtractText_FallsBackToSnippet(t *testing.T) {
	msg := map[string]any{
		"snippet": "short preview",
		"payload": map[string]any{
			"mimeType": "application/pdf",
			"body":     map[string]any{},
		},
	}

	assert.Equal(t, "short preview", ExtractText(msg))
}

func TestExtractHeader_CaseInsensitive(t *testing.T) {
	msg := message(map[string]string{"subject": "lowercase header"}, map[string]any{})
	assert.Equal(t, "lowercase header", ExtractHeader(msg, "Subject"))
	assert.Equal(t, "", ExtractHeader(msg, "To"))
}

func TestDecodeBodyData_RestoresPadding(t *testing.T) {
	// "hi!" encodes to 4 chars, "hello" to 7 after trim. Both must decode.
	for _, content := range []string{"hi!", "hello", "four"} {
		payload := map[string]any{
			"body": map[string]any{"data": encodeBody(content)},
		}
		assert.Equal(t, content, decodeBodyData(payload))
	}
}

func TestBuildContent(t *testing.T) {
	msg := map[string]any{
		"id":       "msg-1",
		"threadId": "thread-7",
		"snippet":  "preview",
	}

	content := BuildContent("msg-1", msg)
	assert.Equal(t, msg, content["gmail_message"])
	assert.Equal(t, "gmail", content["source"])

	meta := content["import_metadata"].(map[string]any)
	assert.Equal(t, "msg-1", meta["message_id"])
	assert.Equal(t, "thread-7", meta["thread_id"])
	assert.Equal(t, "preview", meta["snippet"])
}
