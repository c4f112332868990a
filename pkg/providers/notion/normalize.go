package notion

import (
	"strings"
	"time"

	"github.com/everlight/trellis/pkg/models"
)

// BuildContent assembles the stored content document in Notion's native
// format: the full page object plus its blocks.
func BuildContent(pageID string, page map[string]any, blocks []any) map[string]any {
	return map[string]any{
		"notion_page":   page,
		"notion_blocks": blocks,
		"source":        models.ProviderNotion,
		"import_metadata": map[string]any{
			"imported_at": time.Now().UTC().Format(time.RFC3339),
			"page_id":     pageID,
			"block_count": len(blocks),
		},
	}
}

// ExtractText builds a plain-text representation of a page for embedding:
// the title followed by the text content of every block.
func ExtractText(page map[string]any, blocks []any) string {
	parts := []string{extractTitle(page)}

	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		blockType, _ := block["type"].(string)
		blockData, ok := block[blockType].(map[string]any)
		if !ok {
			continue
		}

		richText, ok := blockData["rich_text"].([]any)
		if !ok {
			continue
		}
		if text := collectText(richText); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " ")
}

func extractTitle(page map[string]any) string {
	properties, _ := page["properties"].(map[string]any)
	for _, rawProp := range properties {
		prop, ok := rawProp.(map[string]any)
		if !ok {
			continue
		}
		if propType, _ := prop["type"].(string); propType != "title" {
			continue
		}
		titleArray, _ := prop["title"].([]any)
		if title := collectText(titleArray); title != "" {
			return title
		}
	}
	return "Untitled"
}

func collectText(richText []any) string {
	var sb strings.Builder
	for _, raw := range richText {
		textObj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if objType, _ := textObj["type"].(string); objType != "text" {
			continue
		}
		text, ok := textObj["text"].(map[string]any)
		if !ok {
			continue
		}
		if content, ok := text["content"].(string); ok {
			sb.WriteString(content)
		}
	}
	return sb.String()
}
