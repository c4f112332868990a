package gmail

import (
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"github.com/everlight/trellis/pkg/models"
)

var htmlTagPattern = regexp.MustCompile(`<[^<]+?>`)

// BuildContent assembles the stored content document in Gmail's native
// format: the full message object plus import metadata.
func BuildContent(messageID string, message map[string]any) map[string]any {
	snippet, _ := message["snippet"].(string)
	threadID, _ := message["threadId"].(string)

	return map[string]any{
		"gmail_message": message,
		"source":        models.ProviderGmail,
		"import_metadata": map[string]any{
			"imported_at": time.Now().UTC().Format(time.RFC3339),
			"message_id":  messageID,
			"thread_id":   threadID,
			"snippet":     snippet,
		},
	}
}

// ExtractText builds a plain-text representation of a message for embedding:
// subject and sender headers followed by the decoded body. Falls back to the
// snippet when no body part decodes.
func ExtractText(message map[string]any) string {
	var parts []string

	if subject := ExtractHeader(message, "Subject"); subject != "" {
		parts = append(parts, "Subject: "+subject)
	}
	if from := ExtractHeader(message, "From"); from != "" {
		parts = append(parts, "From: "+from)
	}

	payload, _ := message["payload"].(map[string]any)
	body := extractBodyText(payload)
	if body != "" {
		parts = append(parts, body)
	} else if snippet, _ := message["snippet"].(string); snippet != "" {
		parts = append(parts, snippet)
	}

	return strings.Join(parts, "\n")
}

// ExtractHeader returns the value of a message header, case-insensitively.
func ExtractHeader(message map[string]any, name string) string {
	payload, _ := message["payload"].(map[string]any)
	headers, _ := payload["headers"].([]any)
	for _, raw := range headers {
		header, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		headerName, _ := header["name"].(string)
		if strings.EqualFold(headerName, name) {
			value, _ := header["value"].(string)
			return value
		}
	}
	return ""
}

func extractBodyText(payload map[string]any) string {
	if payload == nil {
		return ""
	}

	var parts []string

	if subParts, ok := payload["parts"].([]any); ok {
		for _, raw := range subParts {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if text := extractBodyText(part); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}

	mimeType, _ := payload["mimeType"].(string)
	switch mimeType {
	case "text/plain":
		if text := decodeBodyData(payload); text != "" {
			parts = append(parts, text)
		}
	case "text/html":
		if html := decodeBodyData(payload); html != "" {
			parts = append(parts, htmlTagPattern.ReplaceAllString(html, ""))
		}
	}

	return strings.Join(parts, "\n")
}

// decodeBodyData decodes the base64url body payload, restoring padding the
// Gmail API strips.
func decodeBodyData(payload map[string]any) string {
	body, _ := payload["body"].(map[string]any)
	data, _ := body["data"].(string)
	if data == "" {
		return ""
	}

	if pad := len(data) % 4; pad != 0 {
		data += strings.Repeat("=", 4-pad)
	}

	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
